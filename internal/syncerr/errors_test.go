package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", fmt.Errorf("create appointment: %w", ErrCircuitOpen), true},
		{"unavailable", fmt.Errorf("%w: 5 attempts", ErrDownstreamUnavailable), true},
		{"persistence", fmt.Errorf("commit shadow: %w", ErrPersistence), true},
		{"no slot", fmt.Errorf("book: %w", ErrNoSlotAvailable), false},
		{"rejected", ErrDownstreamRejected, false},
		{"validation", ErrValidation, false},
		{"unknown", errors.New("boom"), false},
		{"deadline", fmt.Errorf("list appointments: %w", context.DeadlineExceeded), true},
		{"lock lost", fmt.Errorf("book: %w", ErrLockLost), true},
		{"canceled", context.Canceled, false},
		{"permanent wins", fmt.Errorf("%w: %w", ErrNoSlotAvailable, ErrPersistence), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}
