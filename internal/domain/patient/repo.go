package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the Patient Store. Email uniqueness is enforced by the store
// itself; implementations report a clash as ErrDuplicateEmail.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	// Delete removes the patient and returns the row as it was deleted.
	Delete(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	// EmailTaken is a non-authoritative pre-check that ignores excludeID.
	EmailTaken(ctx context.Context, email string, excludeID uuid.UUID) (bool, error)
}
