package outbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the side effect an entry stands for.
type Kind string

const (
	KindProvisionBilling Kind = "PROVISION_BILLING"
	KindPublishEvent     Kind = "PUBLISH_EVENT"
)

func (k Kind) Valid() bool {
	return k == KindProvisionBilling || k == KindPublishEvent
}

// Status is the delivery state of an entry.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
	StatusDone     Status = "DONE"
	StatusDead     Status = "DEAD"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusInFlight},
	StatusInFlight: {StatusDone, StatusPending, StatusDead},
	StatusDead:     {StatusPending}, // operator requeue
}

// CanTransitionTo reports whether moving from s to next is legal. DONE is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EventType is the lifecycle change carried by a PUBLISH_EVENT entry.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
)

// Entry is one pending externally visible effect of a patient mutation.
type Entry struct {
	ID            int64           `json:"id"`
	PatientID     uuid.UUID       `json:"patient_id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ClaimToken    *uuid.UUID      `json:"-"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EventID is the stable identifier consumers use to drop redeliveries.
func (e *Entry) EventID() string {
	return "patient-event-" + strconv.FormatInt(e.ID, 10)
}

// Snapshot is the patient state carried by lifecycle events.
type Snapshot struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	DateOfBirth string `json:"dateOfBirth"`
}

// BillingPayload is the body of a PROVISION_BILLING entry.
type BillingPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// EventPayload is the body of a PUBLISH_EVENT entry.
type EventPayload struct {
	EventType  EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Snapshot   Snapshot  `json:"snapshot"`
}

// LifecycleEvent is what the relay hands to a Publisher.
type LifecycleEvent struct {
	EventID    string
	PatientID  uuid.UUID
	EventType  EventType
	OccurredAt time.Time
	Snapshot   Snapshot
}

func newEntry(patientID uuid.UUID, kind Kind, payload interface{}, now time.Time) (*Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Entry{
		PatientID:     patientID,
		Kind:          kind,
		Payload:       data,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NewBillingEntry builds a PENDING PROVISION_BILLING entry.
func NewBillingEntry(patientID uuid.UUID, name, email string, now time.Time) (*Entry, error) {
	return newEntry(patientID, KindProvisionBilling, BillingPayload{Name: name, Email: email}, now)
}

// NewEventEntry builds a PENDING PUBLISH_EVENT entry.
func NewEventEntry(patientID uuid.UUID, eventType EventType, snapshot Snapshot, now time.Time) (*Entry, error) {
	return newEntry(patientID, KindPublishEvent, EventPayload{
		EventType:  eventType,
		OccurredAt: now,
		Snapshot:   snapshot,
	}, now)
}
