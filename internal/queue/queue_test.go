package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/telemetry"
)

type payload struct {
	EventID string `json:"event_id"`
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{t: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := New(client, "test")
	q.now = clock.now
	return q, clock
}

func TestQueueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := q.Enqueue(ctx, payload{EventID: id})
		require.NoError(t, err)
	}

	for _, want := range []string{"e1", "e2", "e3"} {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		var p payload
		require.NoError(t, job.Decode(&p))
		assert.Equal(t, want, p.EventID)
		require.NoError(t, q.Ack(ctx, job))
	}

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrNoJob)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestQueueRetryDelay(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	job.Attempts = 1
	require.NoError(t, q.Retry(ctx, job, time.Minute, errors.New("circuit open")))

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrNoJob, "not due yet")

	clock.t = clock.t.Add(time.Minute)
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "circuit open", again.LastError)
}

func TestQueueDeadLetterAndRequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	job.Attempts = 3
	require.NoError(t, q.DeadLetter(ctx, job, syncerr.ErrNoSlotAvailable))

	dead, err := q.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.NotNil(t, dead[0].FailedAt)
	assert.Contains(t, dead[0].LastError, "no operatory slot")

	_, err = q.RequeueDead(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	requeued, err := q.RequeueDead(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, requeued.Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 1}, stats)
}

func TestQueueLiveLeaseIsNotRecovered(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)
	held, err := q.Dequeue(ctx)
	require.NoError(t, err)

	clock.t = clock.t.Add(q.LeaseTTL() / 2)
	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrNoJob, "a second worker must not receive a job still under lease")

	owns, err := q.Owns(ctx, held)
	require.NoError(t, err)
	assert.True(t, owns)
}

func TestQueueExpiredLeaseIsRecovered(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)
	stale, err := q.Dequeue(ctx)
	require.NoError(t, err)

	clock.t = clock.t.Add(q.LeaseTTL() + time.Second)
	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, stale.ID, again.ID)

	owns, err := q.Owns(ctx, stale)
	require.NoError(t, err)
	assert.False(t, owns)
	assert.ErrorIs(t, q.Extend(ctx, stale), ErrLeaseLost)
	assert.NoError(t, q.Extend(ctx, again))
}

func TestQueueExtendKeepsLease(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	clock.t = clock.t.Add(q.LeaseTTL() * 3 / 4)
	require.NoError(t, q.Extend(ctx, job))
	clock.t = clock.t.Add(q.LeaseTTL() / 2)

	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Ack(ctx, job))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestQueueReleaseReturnsJobFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, payload{EventID: "e2"})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, first))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestPoolSkipsBookkeepingAfterLosingLease(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)

	var takeover *Job
	pool := NewPool(q, func(ctx context.Context, job *Job) error {
		// stall past the lease; another worker reclaims the job
		clock.t = clock.t.Add(q.LeaseTTL() + time.Second)
		n, err := q.RecoverExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		takeover, err = q.Dequeue(ctx)
		require.NoError(t, err)
		return syncerr.ErrNoSlotAvailable
	}, PoolConfig{MaxAttempts: 1}, nil, nil)

	processed, err := pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processing: 1}, stats, "the stale holder must not dead-letter the reclaimed job")

	require.NoError(t, q.Ack(ctx, takeover))
}

func TestPoolReleasesJobInterruptedByShutdown(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)

	pool := NewPool(q, func(ctx context.Context, _ *Job) error {
		cancel()
		return ctx.Err()
	}, PoolConfig{MaxAttempts: 3}, nil, nil)

	processed, err := pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 1}, stats)
}

func TestPoolHeartbeatKeepsLongJobLeased(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, "hb", WithLeaseTTL(90*time.Millisecond))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)

	var recovered int
	pool := NewPool(q, func(ctx context.Context, _ *Job) error {
		time.Sleep(250 * time.Millisecond)
		n, err := q.RecoverExpired(ctx)
		recovered = n
		return err
	}, PoolConfig{}, nil, nil)

	processed, err := pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, recovered, "a running job keeps its lease")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)

	calls := 0
	var deadErr error
	pool := NewPool(q, func(context.Context, *Job) error {
		calls++
		return fmt.Errorf("search patients: %w", syncerr.ErrCircuitOpen)
	}, PoolConfig{MaxAttempts: 3, RetryDelay: time.Second}, nil, telemetry.Noop())
	pool.OnDeadLetter(func(_ context.Context, _ *Job, err error) { deadErr = err })

	for i := 0; i < 3; i++ {
		processed, err := pool.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		clock.t = clock.t.Add(time.Hour)
	}

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, deadErr, syncerr.ErrCircuitOpen)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, stats)
}

func TestPoolPermanentFailureSkipsRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload{EventID: "e1"})
	require.NoError(t, err)

	pool := NewPool(q, func(context.Context, *Job) error {
		return syncerr.ErrNoSlotAvailable
	}, PoolConfig{MaxAttempts: 5, RetryDelay: time.Second}, nil, nil)

	processed, err := pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, stats)
}

func TestPoolRunAcksAndStops(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, payload{EventID: fmt.Sprintf("e%d", i)})
		require.NoError(t, err)
	}

	done := make(chan struct{}, 4)
	pool := NewPool(q, func(context.Context, *Job) error {
		done <- struct{}{}
		return nil
	}, PoolConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond}, nil, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs were not processed")
		}
	}
	cancel()
	require.NoError(t, <-errCh)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
