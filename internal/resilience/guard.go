package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/telemetry"
)

type GuardConfig struct {
	Name             string
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
}

// Guard is the breaker and retrier composed around one downstream
// dependency. Every client of that dependency shares the same Guard.
type Guard struct {
	breaker *CircuitBreaker
	retrier *Retrier
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func NewGuard(cfg GuardConfig, metrics *telemetry.Metrics, logger *zap.Logger, opts ...BreakerOption) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("dependency", cfg.Name))

	hook := func(name string, from, to State) {
		logger.Info("circuit breaker transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		metrics.BreakerTransition(context.Background(), name, from.String(), to.String())
	}
	opts = append([]BreakerOption{WithTransitionHook(hook)}, opts...)

	return &Guard{
		breaker: NewCircuitBreaker(cfg.Name, cfg.BreakerThreshold, cfg.BreakerCooldown, opts...),
		retrier: NewRetrier(cfg.MaxAttempts, cfg.BaseDelay, logger),
		metrics: metrics,
		logger:  logger,
	}
}

func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Call checks the breaker, runs fn through the retrier and reports the final
// outcome to the breaker. A rejected request proves the dependency is up and
// counts as a success for the breaker.
func Call[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !g.breaker.Allow() {
		g.metrics.DownstreamCall(ctx, op, "circuit_open")
		return zero, fmt.Errorf("%s: %w", op, syncerr.ErrCircuitOpen)
	}

	res, err := Retry(ctx, g.retrier, op, fn)
	switch {
	case err == nil:
		g.breaker.Success()
		g.metrics.DownstreamCall(ctx, op, "ok")
		return res, nil
	case errors.Is(err, syncerr.ErrDownstreamUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		g.breaker.Failure()
		g.metrics.DownstreamCall(ctx, op, "unavailable")
	default:
		g.breaker.Success()
		g.metrics.DownstreamCall(ctx, op, "rejected")
	}
	return res, err
}
