package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

func runOutboxCmd(t *testing.T, args ...string) error {
	t.Helper()
	cmd := outboxCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func TestPrintDead(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reason := "billing rejected: invalid email"
	rejected := &outbox.Entry{ID: 7, PatientID: uuid.New(), Kind: outbox.KindProvisionBilling,
		Attempts: 1, UpdatedAt: updated, LastError: &reason}
	silent := &outbox.Entry{ID: 9, PatientID: uuid.New(), Kind: outbox.KindPublishEvent,
		Attempts: 8, UpdatedAt: updated}

	var buf bytes.Buffer
	printDead(&buf, []*outbox.Entry{rejected, silent}, 5)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"ID", "PATIENT", "KIND", "ATTEMPTS", "UPDATED", "LAST", "ERROR"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"7", rejected.PatientID.String(), "PROVISION_BILLING", "1", "2024-05-01T12:00:00Z",
		"billing", "rejected:", "invalid", "email"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"9", silent.PatientID.String(), "PUBLISH_EVENT", "8", "2024-05-01T12:00:00Z"},
		strings.Fields(lines[2]))
	assert.Equal(t, "2 of 5 dead entries", lines[3])
}

func TestPrintDead_Empty(t *testing.T) {
	var buf bytes.Buffer
	printDead(&buf, nil, 0)
	assert.Contains(t, buf.String(), "0 of 0 dead entries")
}

func TestPrintStats_SortedByStatus(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, map[outbox.Status]int{
		outbox.StatusPending:  3,
		outbox.StatusDead:     1,
		outbox.StatusInFlight: 2,
		outbox.StatusDone:     40,
	})

	var got [][]string
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		got = append(got, strings.Fields(line))
	}
	assert.Equal(t, [][]string{{"DEAD", "1"}, {"DONE", "40"}, {"IN_FLIGHT", "2"}, {"PENDING", "3"}}, got)
}

func TestOutboxCmd_RequiresPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	for _, args := range [][]string{{"stats"}, {"dead"}, {"requeue", "3"}} {
		err := runOutboxCmd(t, args...)
		assert.ErrorContains(t, err, "outbox commands need STORE_DRIVER=postgres", "args %v", args)
	}
}

func TestOutboxCmd_ValidatesBeforeConnecting(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	err := runOutboxCmd(t, "stats")
	assert.ErrorContains(t, err, "DATABASE_URL is required")
}

func TestOutboxCmd_RequeueRejectsBadID(t *testing.T) {
	err := runOutboxCmd(t, "requeue", "abc")
	assert.ErrorContains(t, err, `invalid entry id "abc"`)
}
