package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInFlight, true},
		{StatusPending, StatusDone, false},
		{StatusPending, StatusDead, false},
		{StatusInFlight, StatusDone, true},
		{StatusInFlight, StatusPending, true},
		{StatusInFlight, StatusDead, true},
		{StatusDead, StatusPending, true},
		{StatusDead, StatusInFlight, false},
		{StatusDone, StatusPending, false},
		{StatusDone, StatusDead, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNewEventEntry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	e, err := NewEventEntry(id, EventUpdated, Snapshot{Name: "A", Email: "a@x.com", DateOfBirth: "1990-01-01"}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Kind != KindPublishEvent || e.Status != StatusPending || !e.NextAttemptAt.Equal(now) {
		t.Errorf("unexpected entry: %+v", e)
	}

	var p EventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.EventType != EventUpdated || p.Snapshot.Email != "a@x.com" || !p.OccurredAt.Equal(now) {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestEntry_EventIDIsStable(t *testing.T) {
	e := &Entry{ID: 42}
	if e.EventID() != "patient-event-42" {
		t.Errorf("unexpected event id %q", e.EventID())
	}
	if e.EventID() != e.EventID() {
		t.Error("event id changed between calls")
	}
}

func TestEntry_ClaimTokenNotSerialized(t *testing.T) {
	token := uuid.New()
	data, err := json.Marshal(&Entry{ID: 1, ClaimToken: &token})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	if _, ok := m["claim_token"]; ok {
		t.Error("claim token must not be exposed")
	}
}
