package outbox

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func entryColumns() []string {
	return []string{"id", "patient_id", "kind", "payload", "status", "attempts", "next_attempt_at",
		"claim_token", "claimed_at", "last_error", "delivered_at", "created_at", "updated_at"}
}

func addPendingRow(rows *pgxmock.Rows, id int64, patientID uuid.UUID, kind Kind) *pgxmock.Rows {
	return rows.AddRow(id, patientID, kind, json.RawMessage(`{}`), StatusPending, 0, testNow,
		nil, nil, nil, nil, testNow, testNow)
}

func TestRepoPG_Append(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	e, err := NewBillingEntry(uuid.New(), "A", "a@x.com", testNow)
	require.NoError(t, err)

	mock.ExpectQuery(`INSERT INTO outbox_entry`).
		WithArgs(e.PatientID, "PROVISION_BILLING", []byte(e.Payload), testNow, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	require.NoError(t, NewRepo(mock).Append(context.Background(), e))
	assert.Equal(t, int64(7), e.ID)
	assert.Equal(t, StatusPending, e.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_AppendRejectsUnknownKind(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	err = NewRepo(mock).Append(context.Background(), &Entry{Kind: "SEND_FAX"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_Claim(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	first, second := uuid.New(), uuid.New()
	rows := pgxmock.NewRows(entryColumns())
	addPendingRow(rows, 1, first, KindProvisionBilling)
	addPendingRow(rows, 2, first, KindPublishEvent)
	addPendingRow(rows, 3, second, KindProvisionBilling)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF e SKIP LOCKED`).
		WithArgs(testNow, 10).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta(`pg_try_advisory_xact_lock`)).
		WithArgs(laneLockClass, first.String()).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'IN_FLIGHT'`)).
		WithArgs(int64(1), first, "PROVISION_BILLING", pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// Another relay holds the second patient's lane.
	mock.ExpectQuery(regexp.QuoteMeta(`pg_try_advisory_xact_lock`)).
		WithArgs(laneLockClass, second.String()).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectCommit()

	claimed, err := NewRepo(mock).Claim(context.Background(), testNow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(1), claimed[0].ID)
	assert.Equal(t, StatusInFlight, claimed[0].Status)
	assert.NotNil(t, claimed[0].ClaimToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_ClaimGuardRejects(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	p := uuid.New()
	rows := pgxmock.NewRows(entryColumns())
	addPendingRow(rows, 5, p, KindPublishEvent)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF e SKIP LOCKED`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta(`pg_try_advisory_xact_lock`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'IN_FLIGHT'`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	claimed, err := NewRepo(mock).Claim(context.Background(), testNow, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_ClaimRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF e SKIP LOCKED`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()

	_, err = NewRepo(mock).Claim(context.Background(), testNow, 10)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_Complete(t *testing.T) {
	t.Run("Owned", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		token := uuid.New()
		e := &Entry{ID: 9, Attempts: 2, Status: StatusInFlight, ClaimToken: &token}
		mock.ExpectExec(regexp.QuoteMeta(`SET status = 'DONE'`)).
			WithArgs(int64(9), token, 2, testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewRepo(mock).Complete(context.Background(), e, testNow))
		assert.Equal(t, StatusDone, e.Status)
		assert.Nil(t, e.ClaimToken)
		assert.Equal(t, testNow, *e.DeliveredAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ClaimLost", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		token := uuid.New()
		e := &Entry{ID: 9, Attempts: 2, Status: StatusInFlight, ClaimToken: &token}
		mock.ExpectExec(regexp.QuoteMeta(`SET status = 'DONE'`)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = NewRepo(mock).Complete(context.Background(), e, testNow)
		assert.ErrorIs(t, err, ErrClaimLost)
		assert.Equal(t, StatusInFlight, e.Status)
	})

	t.Run("NoToken", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		err = NewRepo(mock).Complete(context.Background(), &Entry{ID: 9}, testNow)
		assert.ErrorIs(t, err, ErrClaimLost)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepoPG_ClaimFiltersBlockedLanesBeforeLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	other := uuid.New()
	rows := pgxmock.NewRows(entryColumns())
	addPendingRow(rows, 5, other, KindPublishEvent)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE e\.status = 'PENDING' AND e\.next_attempt_at <= \$1 AND NOT EXISTS .*`+
		`o\.status = 'IN_FLIGHT' OR \(o\.status = 'PENDING' AND o\.kind = e\.kind AND o\.id < e\.id\).*`+
		`ORDER BY e\.id LIMIT \$2 FOR UPDATE OF e SKIP LOCKED`).
		WithArgs(testNow, 3).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta(`pg_try_advisory_xact_lock`)).
		WithArgs(laneLockClass, other.String()).
		WillReturnRows(pgxmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'IN_FLIGHT'`)).
		WithArgs(int64(5), other, "PUBLISH_EVENT", pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	claimed, err := NewRepo(mock).Claim(context.Background(), testNow, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, other, claimed[0].PatientID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_Touch(t *testing.T) {
	t.Run("Owned", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		token := uuid.New()
		e := &Entry{ID: 4, Status: StatusInFlight, ClaimToken: &token}
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox_entry SET claimed_at = $3`)).
			WithArgs(int64(4), token, testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewRepo(mock).Touch(context.Background(), e, testNow))
		require.NotNil(t, e.ClaimedAt)
		assert.Equal(t, testNow, *e.ClaimedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ClaimLost", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		token := uuid.New()
		e := &Entry{ID: 4, Status: StatusInFlight, ClaimToken: &token}
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox_entry SET claimed_at = $3`)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = NewRepo(mock).Touch(context.Background(), e, testNow)
		assert.ErrorIs(t, err, ErrClaimLost)
		assert.Nil(t, e.ClaimedAt)
	})
}

func TestRepoPG_RescheduleAndBury(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	token := uuid.New()
	next := testNow.Add(time.Minute)
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'PENDING'`)).
		WithArgs(int64(3), token, 1, next, "unavailable", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'DEAD'`)).
		WithArgs(int64(4), token, 8, "rejected", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewRepo(mock)
	e := &Entry{ID: 3, Attempts: 1, ClaimToken: &token}
	require.NoError(t, repo.Reschedule(context.Background(), e, next, "unavailable", testNow))
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, next, e.NextAttemptAt)

	tok := token
	dead := &Entry{ID: 4, Attempts: 8, ClaimToken: &tok}
	require.NoError(t, repo.Bury(context.Background(), dead, "rejected", testNow))
	assert.Equal(t, StatusDead, dead.Status)
	assert.Equal(t, "rejected", *dead.LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_ReleaseExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := testNow.Add(-time.Minute)
	mock.ExpectExec(regexp.QuoteMeta(`WHERE status = 'IN_FLIGHT' AND claimed_at < $1`)).
		WithArgs(cutoff, 8, testNow, ExpiredClaimReason).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := NewRepo(mock).ReleaseExpired(context.Background(), cutoff, 8, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_Requeue(t *testing.T) {
	t.Run("Dead", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND status = 'DEAD'`)).
			WithArgs(int64(5), testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, NewRepo(mock).Requeue(context.Background(), 5, testNow))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND status = 'DEAD'`)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM outbox_entry WHERE id = $1`)).
			WithArgs(int64(5)).
			WillReturnError(pgx.ErrNoRows)

		assert.ErrorIs(t, NewRepo(mock).Requeue(context.Background(), 5, testNow), ErrNotFound)
	})

	t.Run("NotDead", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND status = 'DEAD'`)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM outbox_entry WHERE id = $1`)).
			WithArgs(pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(StatusDone))

		assert.ErrorIs(t, NewRepo(mock).Requeue(context.Background(), 5, testNow), ErrNotRequeueable)
	})
}

func TestRepoPG_Stats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`GROUP BY status`)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow(StatusPending, 4).
			AddRow(StatusDead, 1))

	stats, err := NewRepo(mock).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats[StatusPending])
	assert.Equal(t, 1, stats[StatusDead])
	assert.Equal(t, 0, stats[StatusDone])
	assert.NoError(t, mock.ExpectationsWereMet())
}
