package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/patientflow/internal/platform/db"
)

// laneLockClass namespaces the per-patient advisory locks taken while claiming.
const laneLockClass = 7301

const entryCols = `id, patient_id, kind, payload, status, attempts, next_attempt_at,
	claim_token, claimed_at, last_error, delivered_at, created_at, updated_at`

type repoPG struct {
	pool db.Pool
	tx   db.Transactor
}

func NewRepo(pool db.Pool) Repository {
	return &repoPG{pool: pool, tx: db.NewTransactor(pool)}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.PatientID, &e.Kind, &e.Payload, &e.Status, &e.Attempts, &e.NextAttemptAt,
		&e.ClaimToken, &e.ClaimedAt, &e.LastError, &e.DeliveredAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repoPG) Append(ctx context.Context, entries ...*Entry) error {
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
		e.Status = StatusPending
		e.UpdatedAt = e.CreatedAt

		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO outbox_entry (patient_id, kind, payload, status, attempts, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, 'PENDING', 0, $4, $5, $5)
			RETURNING id`,
			e.PatientID, string(e.Kind), []byte(e.Payload), e.NextAttemptAt, e.CreatedAt,
		).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("append %s entry: %w", e.Kind, err)
		}
	}
	return nil
}

// claimCandidatesSQL applies the lane rule before LIMIT, so a patient whose
// oldest entry is backing off cannot fill the batch with blocked rows.
const claimCandidatesSQL = `SELECT ` + entryCols + `
	FROM outbox_entry e
	WHERE e.status = 'PENDING' AND e.next_attempt_at <= $1
	  AND NOT EXISTS (
		SELECT 1 FROM outbox_entry o
		WHERE o.patient_id = e.patient_id
		  AND (o.status = 'IN_FLIGHT' OR (o.status = 'PENDING' AND o.kind = e.kind AND o.id < e.id))
	  )
	ORDER BY e.id
	LIMIT $2
	FOR UPDATE OF e SKIP LOCKED`

// The candidate filter is only a snapshot. The same guard runs again while
// the patient's advisory lock is held, so it sees every claim committed by
// other relays for that patient.
const claimEntrySQL = `UPDATE outbox_entry
	SET status = 'IN_FLIGHT', claim_token = $4, claimed_at = $5, updated_at = $5
	WHERE id = $1 AND status = 'PENDING'
	  AND NOT EXISTS (
		SELECT 1 FROM outbox_entry o
		WHERE o.patient_id = $2
		  AND (o.status = 'IN_FLIGHT' OR (o.status = 'PENDING' AND o.kind = $3 AND o.id < $1))
	  )`

func (r *repoPG) Claim(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	var claimed []*Entry
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)

		rows, err := q.Query(ctx, claimCandidatesSQL, now, limit)
		if err != nil {
			return fmt.Errorf("select claim candidates: %w", err)
		}
		candidates, err := collectEntries(rows)
		if err != nil {
			return err
		}

		token := uuid.New()
		taken := make(map[uuid.UUID]bool)
		locked := make(map[uuid.UUID]bool)
		for _, e := range candidates {
			if taken[e.PatientID] {
				continue
			}
			got, seen := locked[e.PatientID]
			if !seen {
				if err := q.QueryRow(ctx,
					`SELECT pg_try_advisory_xact_lock($1, hashtext($2::text))`,
					laneLockClass, e.PatientID.String(),
				).Scan(&got); err != nil {
					return fmt.Errorf("lock patient lane: %w", err)
				}
				locked[e.PatientID] = got
			}
			if !got {
				continue
			}

			tag, err := q.Exec(ctx, claimEntrySQL, e.ID, e.PatientID, string(e.Kind), token, now)
			if err != nil {
				return fmt.Errorf("claim entry %d: %w", e.ID, err)
			}
			if tag.RowsAffected() == 0 {
				continue
			}

			claimedAt := now
			e.Status = StatusInFlight
			e.ClaimToken = &token
			e.ClaimedAt = &claimedAt
			e.UpdatedAt = now
			taken[e.PatientID] = true
			claimed = append(claimed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repoPG) Touch(ctx context.Context, e *Entry, now time.Time) error {
	if e.ClaimToken == nil {
		return fmt.Errorf("entry %d: %w", e.ID, ErrClaimLost)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE outbox_entry SET claimed_at = $3
		WHERE id = $1 AND claim_token = $2 AND status = 'IN_FLIGHT'`,
		e.ID, *e.ClaimToken, now)
	if err != nil {
		return fmt.Errorf("touch entry %d: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %d: %w", e.ID, ErrClaimLost)
	}
	e.ClaimedAt = &now
	return nil
}

// finish applies a transition out of IN_FLIGHT guarded by the claim token.
func (r *repoPG) finish(ctx context.Context, e *Entry, to Status, query string, args ...interface{}) error {
	if !StatusInFlight.CanTransitionTo(to) {
		return fmt.Errorf("illegal transition %s -> %s", StatusInFlight, to)
	}
	if e.ClaimToken == nil {
		return fmt.Errorf("entry %d: %w", e.ID, ErrClaimLost)
	}
	tag, err := r.conn(ctx).Exec(ctx, query, append([]interface{}{e.ID, *e.ClaimToken}, args...)...)
	if err != nil {
		return fmt.Errorf("mark entry %d %s: %w", e.ID, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %d: %w", e.ID, ErrClaimLost)
	}
	e.Status = to
	e.ClaimToken = nil
	e.ClaimedAt = nil
	return nil
}

func (r *repoPG) Complete(ctx context.Context, e *Entry, now time.Time) error {
	err := r.finish(ctx, e, StatusDone, `
		UPDATE outbox_entry
		SET status = 'DONE', attempts = $3, delivered_at = $4, last_error = NULL,
		    claim_token = NULL, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND claim_token = $2 AND status = 'IN_FLIGHT'`,
		e.Attempts, now)
	if err == nil {
		e.DeliveredAt = &now
		e.LastError = nil
		e.UpdatedAt = now
	}
	return err
}

func (r *repoPG) Reschedule(ctx context.Context, e *Entry, next time.Time, reason string, now time.Time) error {
	err := r.finish(ctx, e, StatusPending, `
		UPDATE outbox_entry
		SET status = 'PENDING', attempts = $3, next_attempt_at = $4, last_error = $5,
		    claim_token = NULL, claimed_at = NULL, updated_at = $6
		WHERE id = $1 AND claim_token = $2 AND status = 'IN_FLIGHT'`,
		e.Attempts, next, reason, now)
	if err == nil {
		e.NextAttemptAt = next
		e.LastError = &reason
		e.UpdatedAt = now
	}
	return err
}

func (r *repoPG) Bury(ctx context.Context, e *Entry, reason string, now time.Time) error {
	err := r.finish(ctx, e, StatusDead, `
		UPDATE outbox_entry
		SET status = 'DEAD', attempts = $3, last_error = $4,
		    claim_token = NULL, claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND claim_token = $2 AND status = 'IN_FLIGHT'`,
		e.Attempts, reason, now)
	if err == nil {
		e.LastError = &reason
		e.UpdatedAt = now
	}
	return err
}

func (r *repoPG) ReleaseExpired(ctx context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE outbox_entry
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'DEAD' ELSE 'PENDING' END,
		    next_attempt_at = $3, last_error = $4,
		    claim_token = NULL, claimed_at = NULL, updated_at = $3
		WHERE status = 'IN_FLIGHT' AND claimed_at < $1`,
		claimedBefore, maxAttempts, now, ExpiredClaimReason)
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *repoPG) PurgeDone(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM outbox_entry WHERE status = 'DONE' AND delivered_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge delivered entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *repoPG) ListDead(ctx context.Context, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_entry WHERE status = 'DEAD'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead entries: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+`
		FROM outbox_entry WHERE status = 'DEAD'
		ORDER BY updated_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+`
		FROM outbox_entry WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list entries for patient: %w", err)
	}
	return collectEntries(rows)
}

func (r *repoPG) Requeue(ctx context.Context, id int64, now time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE outbox_entry
		SET status = 'PENDING', attempts = 0, next_attempt_at = $2, last_error = NULL,
		    claim_token = NULL, claimed_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'DEAD'`, id, now)
	if err != nil {
		return fmt.Errorf("requeue entry %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status Status
	err = r.conn(ctx).QueryRow(ctx, `SELECT status FROM outbox_entry WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("requeue entry %d: %w", id, err)
	}
	return fmt.Errorf("entry %d is %s: %w", id, status, ErrNotRequeueable)
}

func (r *repoPG) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM outbox_entry GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	stats := map[Status]int{StatusPending: 0, StatusInFlight: 0, StatusDone: 0, StatusDead: 0}
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
