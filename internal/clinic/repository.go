package clinic

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("clinic not found")

// Repository reads clinic configuration. Clinics are registered elsewhere;
// Create exists for seeding and tests.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	List(ctx context.Context) ([]Clinic, error)
	Create(ctx context.Context, c *Clinic) error
}
