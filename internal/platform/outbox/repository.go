package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("outbox entry not found")
	ErrNotRequeueable = errors.New("only DEAD entries can be requeued")
	// ErrClaimLost means the entry was released or re-claimed while this
	// worker was dispatching it.
	ErrClaimLost = errors.New("outbox claim lost")

	// ErrUnavailable marks a transient downstream failure. The relay retries it.
	ErrUnavailable = errors.New("downstream unavailable")
	// ErrRejected marks a permanent downstream failure. The relay buries it.
	ErrRejected = errors.New("downstream rejected")
)

// Repository persists outbox entries. Append joins the transaction carried by
// ctx so that entries commit together with the patient mutation.
type Repository interface {
	Append(ctx context.Context, entries ...*Entry) error

	// Claim moves up to limit eligible PENDING entries to IN_FLIGHT. It never
	// returns two entries for one patient, never claims for a patient that
	// already has an entry IN_FLIGHT, and never skips ahead of an older
	// unfinished entry of the same patient and kind.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// Touch restamps the claim of e when its dispatch actually starts, so the
	// claim TTL measures dispatch time and not time spent queued behind the
	// rest of the batch. It returns ErrClaimLost when e is no longer owned.
	Touch(ctx context.Context, e *Entry, now time.Time) error
	Complete(ctx context.Context, e *Entry, now time.Time) error
	Reschedule(ctx context.Context, e *Entry, next time.Time, reason string, now time.Time) error
	Bury(ctx context.Context, e *Entry, reason string, now time.Time) error

	// ReleaseExpired returns IN_FLIGHT entries claimed before claimedBefore to
	// PENDING, counting the lost dispatch as a failed attempt.
	ReleaseExpired(ctx context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, error)
	PurgeDone(ctx context.Context, before time.Time) (int, error)

	ListDead(ctx context.Context, limit, offset int) ([]*Entry, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Entry, error)
	Requeue(ctx context.Context, id int64, now time.Time) error
	Stats(ctx context.Context) (map[Status]int, error)
}

// ExpiredClaimReason is recorded on entries whose claim outlived the claim TTL.
const ExpiredClaimReason = "claim expired before dispatch finished"
