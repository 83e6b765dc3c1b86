// Package memstore is an in-process implementation of the patient and outbox
// repositories. It backs STORE_DRIVER=memory and the relay tests, and it keeps
// the same claim rules as the PostgreSQL repositories.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/domain/patient"
	"github.com/ehr/patientflow/internal/platform/outbox"
)

type txKey struct{}

// Store holds every row behind one mutex. A unit of work started by WithinTx
// keeps the mutex for its whole duration.
type Store struct {
	mu       sync.Mutex
	patients map[uuid.UUID]patient.Patient
	entries  []*outbox.Entry
	nextID   int64
}

func New() *Store {
	return &Store{patients: make(map[uuid.UUID]patient.Patient)}
}

func (s *Store) Patients() patient.Repository { return &patientRepo{s: s} }

func (s *Store) Outbox() outbox.Repository { return &outboxRepo{s: s} }

// WithinTx runs fn atomically. Writes made through ctx are discarded when fn
// fails. Nested calls join the outer unit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(saved)
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store unless ctx already runs inside its unit of work.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type state struct {
	patients map[uuid.UUID]patient.Patient
	entries  []*outbox.Entry
	nextID   int64
}

func (s *Store) snapshot() state {
	st := state{
		patients: make(map[uuid.UUID]patient.Patient, len(s.patients)),
		entries:  make([]*outbox.Entry, len(s.entries)),
		nextID:   s.nextID,
	}
	for id, p := range s.patients {
		st.patients[id] = p
	}
	for i, e := range s.entries {
		st.entries[i] = cloneEntry(e)
	}
	return st
}

func (s *Store) restore(st state) {
	s.patients = st.patients
	s.entries = st.entries
	s.nextID = st.nextID
}

func cloneEntry(e *outbox.Entry) *outbox.Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.ClaimToken != nil {
		token := *e.ClaimToken
		c.ClaimToken = &token
	}
	if e.ClaimedAt != nil {
		at := *e.ClaimedAt
		c.ClaimedAt = &at
	}
	if e.LastError != nil {
		msg := *e.LastError
		c.LastError = &msg
	}
	if e.DeliveredAt != nil {
		at := *e.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}
