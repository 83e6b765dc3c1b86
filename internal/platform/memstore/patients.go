package memstore

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/domain/patient"
)

type patientRepo struct {
	s *Store
}

func (r *patientRepo) emailClash(email string, excludeID uuid.UUID) bool {
	for id, p := range r.s.patients {
		if id != excludeID && strings.EqualFold(p.Email, email) {
			return true
		}
	}
	return false
}

func (r *patientRepo) Create(ctx context.Context, p *patient.Patient) error {
	defer r.s.lock(ctx)()
	if r.emailClash(p.Email, uuid.Nil) {
		return patient.ErrDuplicateEmail
	}
	r.s.patients[p.ID] = *p
	return nil
}

func (r *patientRepo) GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	defer r.s.lock(ctx)()
	p, ok := r.s.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return &p, nil
}

func (r *patientRepo) Update(ctx context.Context, p *patient.Patient) error {
	defer r.s.lock(ctx)()
	existing, ok := r.s.patients[p.ID]
	if !ok {
		return patient.ErrNotFound
	}
	if r.emailClash(p.Email, p.ID) {
		return patient.ErrDuplicateEmail
	}
	p.CreatedAt = existing.CreatedAt
	r.s.patients[p.ID] = *p
	return nil
}

func (r *patientRepo) Delete(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	defer r.s.lock(ctx)()
	p, ok := r.s.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	delete(r.s.patients, id)
	return &p, nil
}

func (r *patientRepo) List(ctx context.Context, limit, offset int) ([]*patient.Patient, int, error) {
	defer r.s.lock(ctx)()
	all := make([]*patient.Patient, 0, len(r.s.patients))
	for _, p := range r.s.patients {
		p := p
		all = append(all, &p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []*patient.Patient{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *patientRepo) EmailTaken(ctx context.Context, email string, excludeID uuid.UUID) (bool, error) {
	defer r.s.lock(ctx)()
	return r.emailClash(email, excludeID), nil
}
