package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrShadowNotFound = errors.New("patient shadow not found")

type Repository interface {
	// Reserve returns the shadow for (clinic, contact), inserting an empty
	// one first when none exists. Concurrent callers get the same row.
	Reserve(ctx context.Context, id Identity) (*Shadow, error)

	// SetPatNum stores patNum unless a number is already stored, and
	// returns whichever number is persisted afterwards.
	SetPatNum(ctx context.Context, shadowID uuid.UUID, patNum int64) (int64, error)
}
