package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrShadowNotFound = errors.New("appointment shadow not found")

type Repository interface {
	// Reserve returns the shadow for (clinic, event), inserting an empty one
	// when none exists. existed is false only for the inserting caller.
	Reserve(ctx context.Context, clinicID uuid.UUID, eventID, contactID string) (s *Shadow, existed bool, err error)

	Get(ctx context.Context, clinicID uuid.UUID, eventID string) (*Shadow, error)

	// Commit stores the synced state of s in one row update.
	Commit(ctx context.Context, s *Shadow) error

	// MarkSideEffects sets the given flags; false leaves a flag untouched.
	MarkSideEffects(ctx context.Context, id uuid.UUID, commlog, popup bool) error
}
