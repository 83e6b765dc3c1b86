package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

// DateLayout is the wire format of dates of birth.
const DateLayout = "2006-01-02"

var (
	ErrNotFound       = errors.New("patient not found")
	ErrDuplicateEmail = errors.New("a patient with this email already exists")
	ErrValidation     = errors.New("invalid patient")
)

type Patient struct {
	ID          uuid.UUID
	Name        string
	Email       string
	Address     string
	DateOfBirth time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot is the state published with lifecycle events.
func (p *Patient) Snapshot() outbox.Snapshot {
	return outbox.Snapshot{
		Name:        p.Name,
		Email:       p.Email,
		Address:     p.Address,
		DateOfBirth: p.DateOfBirth.Format(DateLayout),
	}
}
