package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

var ErrLockNotAcquired = errors.New("event lock not acquired")

// EventLocker is a keylock.Locker backed by a Redis key per lock, for
// deployments that run more than one worker process.
type EventLocker struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewEventLocker(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *EventLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLocker{
		client:       client,
		prefix:       prefix,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
		logger:       logger,
	}
}

// WithLock waits for the lock on key until ctx is done. While fn runs the
// lock TTL is renewed, so ownership lasts as long as fn does. If the lock is
// lost anyway (expired during a Redis outage, or deleted), fn's context is
// cancelled and a failing fn reports syncerr.ErrLockLost.
func (l *EventLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	token := uuid.NewString()

	if err := l.acquire(ctx, lockKey, token); err != nil {
		return err
	}

	defer func() {
		// release even if ctx was cancelled while fn ran
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.release(relCtx, lockKey, token); err != nil {
			l.logger.Warn("release event lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	fnCtx, lose := context.WithCancelCause(ctx)
	defer lose(nil)

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(fnCtx, lockKey, token, stop, lose)
	}()

	err := fn(fnCtx)
	close(stop)
	<-renewed

	if err != nil && errors.Is(context.Cause(fnCtx), syncerr.ErrLockLost) {
		return fmt.Errorf("%s: %w: %w", key, syncerr.ErrLockLost, err)
	}
	return err
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

// renew extends the lock every third of its TTL until stop is closed. When
// the key no longer holds token, or no renewal succeeded for a whole TTL,
// it cancels fn's context with syncerr.ErrLockLost.
func (l *EventLocker) renew(ctx context.Context, key, token string, stop <-chan struct{}, lose context.CancelCauseFunc) {
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	lastRenewed := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		switch {
		case err == nil && n == 1:
			lastRenewed = time.Now()
		case err == nil:
			l.logger.Warn("event lock taken over", zap.String("key", key))
			lose(syncerr.ErrLockLost)
			return
		case ctx.Err() != nil:
			return
		case time.Since(lastRenewed) >= l.ttl:
			l.logger.Warn("event lock expired while renewals failed", zap.String("key", key), zap.Error(err))
			lose(syncerr.ErrLockLost)
			return
		default:
			l.logger.Warn("renew event lock", zap.String("key", key), zap.Error(err))
		}
	}
}

func (l *EventLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire event lock: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *EventLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release event lock: %w", err)
	}
	return nil
}
