package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

// Retrier retries a single downstream call on transient failures with a
// doubling delay. Anything not wrapping syncerr.ErrDownstreamTransient is
// returned after the first attempt.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
}

func NewRetrier(maxAttempts int, baseDelay time.Duration, logger *zap.Logger) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    baseDelay << 6,
		logger:      logger,
	}
}

func (r *Retrier) MaxAttempts() int { return r.maxAttempts }

func (r *Retrier) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = r.maxDelay
	return b
}

// Retry runs fn until it succeeds, fails permanently or the attempt budget
// is spent. An exhausted budget, or a ctx deadline reached before the
// budget was, surfaces as syncerr.ErrDownstreamUnavailable wrapping the
// last error.
func Retry[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	var lastTransient error
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, syncerr.ErrDownstreamTransient) {
			return v, backoff.Permanent(err)
		}
		lastTransient = err
		return v, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("downstream call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, syncerr.ErrDownstreamTransient):
		return res, fmt.Errorf("%s: %w after %d attempts: %w", op, syncerr.ErrDownstreamUnavailable, attempts, err)
	case errors.Is(err, context.DeadlineExceeded):
		// the caller's deadline cut the attempts short
		if lastTransient != nil {
			err = fmt.Errorf("%w (last: %w)", err, lastTransient)
		}
		return res, fmt.Errorf("%s: %w after %d attempts: %w", op, syncerr.ErrDownstreamUnavailable, attempts, err)
	}
	return res, fmt.Errorf("%s: %w", op, err)
}
