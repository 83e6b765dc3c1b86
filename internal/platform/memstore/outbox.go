package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

type outboxRepo struct {
	s *Store
}

func (r *outboxRepo) Append(ctx context.Context, entries ...*outbox.Entry) error {
	defer r.s.lock(ctx)()
	for _, e := range entries {
		if !e.Kind.Valid() {
			return fmt.Errorf("append outbox entry: invalid kind %q", e.Kind)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if e.NextAttemptAt.IsZero() {
			e.NextAttemptAt = e.CreatedAt
		}
		r.s.nextID++
		e.ID = r.s.nextID
		e.Status = outbox.StatusPending
		e.Attempts = 0
		e.UpdatedAt = e.CreatedAt
		r.s.entries = append(r.s.entries, cloneEntry(e))
	}
	return nil
}

func (r *outboxRepo) find(id int64) *outbox.Entry {
	i := sort.Search(len(r.s.entries), func(i int) bool { return r.s.entries[i].ID >= id })
	if i < len(r.s.entries) && r.s.entries[i].ID == id {
		return r.s.entries[i]
	}
	return nil
}

// blocked reports whether e must wait: its patient already has an entry in
// flight, or an older entry of the same patient and kind is still pending.
func (r *outboxRepo) blocked(e *outbox.Entry) bool {
	for _, o := range r.s.entries {
		if o.PatientID != e.PatientID {
			continue
		}
		if o.Status == outbox.StatusInFlight {
			return true
		}
		if o.Status == outbox.StatusPending && o.Kind == e.Kind && o.ID < e.ID {
			return true
		}
	}
	return false
}

func (r *outboxRepo) Claim(ctx context.Context, now time.Time, limit int) ([]*outbox.Entry, error) {
	defer r.s.lock(ctx)()

	token := uuid.New()
	var claimed []*outbox.Entry
	for _, e := range r.s.entries {
		if len(claimed) >= limit {
			break
		}
		if e.Status != outbox.StatusPending || e.NextAttemptAt.After(now) || r.blocked(e) {
			continue
		}
		claimedAt := now
		tok := token
		e.Status = outbox.StatusInFlight
		e.ClaimToken = &tok
		e.ClaimedAt = &claimedAt
		e.UpdatedAt = now
		claimed = append(claimed, cloneEntry(e))
	}
	return claimed, nil
}

func (r *outboxRepo) Touch(ctx context.Context, e *outbox.Entry, now time.Time) error {
	defer r.s.lock(ctx)()
	stored := r.find(e.ID)
	if stored == nil || !r.owns(stored, e) {
		return fmt.Errorf("entry %d: %w", e.ID, outbox.ErrClaimLost)
	}
	at := now
	stored.ClaimedAt = &at
	e.ClaimedAt = &now
	return nil
}

func (r *outboxRepo) owns(stored, e *outbox.Entry) bool {
	return stored.Status == outbox.StatusInFlight && e.ClaimToken != nil &&
		stored.ClaimToken != nil && *stored.ClaimToken == *e.ClaimToken
}

// finish moves a claimed entry out of IN_FLIGHT when the caller still owns it.
func (r *outboxRepo) finish(ctx context.Context, e *outbox.Entry, to outbox.Status, now time.Time, apply func(stored *outbox.Entry)) error {
	defer r.s.lock(ctx)()
	stored := r.find(e.ID)
	if stored == nil || !r.owns(stored, e) {
		return fmt.Errorf("entry %d: %w", e.ID, outbox.ErrClaimLost)
	}

	stored.Status = to
	stored.Attempts = e.Attempts
	stored.ClaimToken = nil
	stored.ClaimedAt = nil
	stored.UpdatedAt = now
	apply(stored)

	*e = *cloneEntry(stored)
	return nil
}

func (r *outboxRepo) Complete(ctx context.Context, e *outbox.Entry, now time.Time) error {
	return r.finish(ctx, e, outbox.StatusDone, now, func(stored *outbox.Entry) {
		at := now
		stored.DeliveredAt = &at
		stored.LastError = nil
	})
}

func (r *outboxRepo) Reschedule(ctx context.Context, e *outbox.Entry, next time.Time, reason string, now time.Time) error {
	return r.finish(ctx, e, outbox.StatusPending, now, func(stored *outbox.Entry) {
		msg := reason
		stored.NextAttemptAt = next
		stored.LastError = &msg
	})
}

func (r *outboxRepo) Bury(ctx context.Context, e *outbox.Entry, reason string, now time.Time) error {
	return r.finish(ctx, e, outbox.StatusDead, now, func(stored *outbox.Entry) {
		msg := reason
		stored.LastError = &msg
	})
}

func (r *outboxRepo) ReleaseExpired(ctx context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, error) {
	defer r.s.lock(ctx)()
	n := 0
	for _, e := range r.s.entries {
		if e.Status != outbox.StatusInFlight || e.ClaimedAt == nil || !e.ClaimedAt.Before(claimedBefore) {
			continue
		}
		msg := outbox.ExpiredClaimReason
		e.Attempts++
		e.Status = outbox.StatusPending
		if e.Attempts >= maxAttempts {
			e.Status = outbox.StatusDead
		}
		e.NextAttemptAt = now
		e.LastError = &msg
		e.ClaimToken = nil
		e.ClaimedAt = nil
		e.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *outboxRepo) PurgeDone(ctx context.Context, before time.Time) (int, error) {
	defer r.s.lock(ctx)()
	kept := r.s.entries[:0]
	n := 0
	for _, e := range r.s.entries {
		if e.Status == outbox.StatusDone && e.DeliveredAt != nil && e.DeliveredAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.s.entries = kept
	return n, nil
}

func (r *outboxRepo) ListDead(ctx context.Context, limit, offset int) ([]*outbox.Entry, int, error) {
	defer r.s.lock(ctx)()
	var dead []*outbox.Entry
	for _, e := range r.s.entries {
		if e.Status == outbox.StatusDead {
			dead = append(dead, cloneEntry(e))
		}
	}
	sort.SliceStable(dead, func(i, j int) bool {
		if dead[i].UpdatedAt.Equal(dead[j].UpdatedAt) {
			return dead[i].ID > dead[j].ID
		}
		return dead[i].UpdatedAt.After(dead[j].UpdatedAt)
	})

	total := len(dead)
	if offset >= total {
		return []*outbox.Entry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return dead[offset:end], total, nil
}

func (r *outboxRepo) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*outbox.Entry, error) {
	defer r.s.lock(ctx)()
	var out []*outbox.Entry
	for _, e := range r.s.entries {
		if e.PatientID == patientID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (r *outboxRepo) Requeue(ctx context.Context, id int64, now time.Time) error {
	defer r.s.lock(ctx)()
	e := r.find(id)
	if e == nil {
		return outbox.ErrNotFound
	}
	if e.Status != outbox.StatusDead {
		return fmt.Errorf("entry %d is %s: %w", id, e.Status, outbox.ErrNotRequeueable)
	}
	e.Status = outbox.StatusPending
	e.Attempts = 0
	e.NextAttemptAt = now
	e.LastError = nil
	e.UpdatedAt = now
	return nil
}

func (r *outboxRepo) Stats(ctx context.Context) (map[outbox.Status]int, error) {
	defer r.s.lock(ctx)()
	stats := map[outbox.Status]int{
		outbox.StatusPending:  0,
		outbox.StatusInFlight: 0,
		outbox.StatusDone:     0,
		outbox.StatusDead:     0,
	}
	for _, e := range r.s.entries {
		stats[e.Status]++
	}
	return stats, nil
}
