package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/outbox"
)

// OutboxAppender is the part of the outbox the service writes to.
type OutboxAppender interface {
	Append(ctx context.Context, entries ...*outbox.Entry) error
}

// Service is the only entry point for patient mutations. Each mutation writes
// the patient row and its outbox entries in one transaction and never talks
// to billing or the event stream directly.
type Service struct {
	patients Repository
	outbox   OutboxAppender
	tx       db.Transactor
	now      func() time.Time
}

func NewService(patients Repository, entries OutboxAppender, tx db.Transactor) *Service {
	return &Service{
		patients: patients,
		outbox:   entries,
		tx:       tx,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, in Input) (*Patient, error) {
	p, err := in.normalize()
	if err != nil {
		return nil, err
	}
	if err := s.checkEmail(ctx, p.Email, uuid.Nil); err != nil {
		return nil, err
	}

	now := s.now()
	p.ID = uuid.New()
	p.CreatedAt = now
	p.UpdatedAt = now

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.patients.Create(ctx, p); err != nil {
			return err
		}
		billing, err := outbox.NewBillingEntry(p.ID, p.Name, p.Email, now)
		if err != nil {
			return err
		}
		created, err := outbox.NewEventEntry(p.ID, outbox.EventCreated, p.Snapshot(), now)
		if err != nil {
			return err
		}
		return s.outbox.Append(ctx, billing, created)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (*Patient, error) {
	p, err := in.normalize()
	if err != nil {
		return nil, err
	}

	now := s.now()
	p.ID = id
	p.UpdatedAt = now

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// An unknown patient is reported as such before its email is considered.
		if _, err := s.patients.GetByID(ctx, id); err != nil {
			return err
		}
		if err := s.checkEmail(ctx, p.Email, id); err != nil {
			return err
		}
		if err := s.patients.Update(ctx, p); err != nil {
			return err
		}
		updated, err := outbox.NewEventEntry(p.ID, outbox.EventUpdated, p.Snapshot(), now)
		if err != nil {
			return err
		}
		return s.outbox.Append(ctx, updated)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.Delete(ctx, id)
		if err != nil {
			return err
		}
		deleted, err := outbox.NewEventEntry(p.ID, outbox.EventDeleted, p.Snapshot(), s.now())
		if err != nil {
			return err
		}
		return s.outbox.Append(ctx, deleted)
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// checkEmail rejects obvious duplicates early. The unique index remains the
// authority; a concurrent writer can still win between this check and the insert.
func (s *Service) checkEmail(ctx context.Context, email string, excludeID uuid.UUID) error {
	taken, err := s.patients.EmailTaken(ctx, email, excludeID)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if taken {
		return ErrDuplicateEmail
	}
	return nil
}
