package redisclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestMarkerStoreAcquireOnce(t *testing.T) {
	mr, client := newMiniRedis(t)
	store := NewMarkerStore(client, "sync")
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "evt-1:contact-1", "job-a", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "evt-1:contact-1", "job-b", 300*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := store.Holder(ctx, "evt-1:contact-1")
	require.NoError(t, err)
	assert.Equal(t, "job-a", holder)

	mr.FastForward(301 * time.Second)
	ok, err = store.Acquire(ctx, "evt-1:contact-1", "job-c", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "marker must expire after the TTL")
}

func TestMarkerStoreRelease(t *testing.T) {
	_, client := newMiniRedis(t)
	store := NewMarkerStore(client, "sync")
	ctx := context.Background()

	_, err := store.Acquire(ctx, "k", "job", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k"))

	holder, err := store.Holder(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err := store.Acquire(ctx, "k", "job2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkerStoreBindKeepsTTL(t *testing.T) {
	mr, client := newMiniRedis(t)
	store := NewMarkerStore(client, "sync")
	ctx := context.Background()

	ok, err := store.Bind(ctx, "k", "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "bind must not create a marker")

	_, err = store.Acquire(ctx, "k", "pending", time.Minute)
	require.NoError(t, err)
	ok, err = store.Bind(ctx, "k", "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := store.Holder(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "job-1", holder)
	assert.Equal(t, time.Minute, mr.TTL("sync:dedup:k"))
}

func TestEventLockerMutualExclusion(t *testing.T) {
	_, client := newMiniRedis(t)
	locker := NewEventLocker(client, "sync", 5*time.Second, nil)
	locker.pollInterval = 2 * time.Millisecond

	var active, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "evt-9", func(context.Context) error {
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps)
	n, err := client.Exists(context.Background(), "sync:lock:evt-9").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "lock key must be released")
}

func TestEventLockerTimesOut(t *testing.T) {
	mr, client := newMiniRedis(t)
	locker := NewEventLocker(client, "sync", 5*time.Second, nil)
	locker.pollInterval = 2 * time.Millisecond

	require.NoError(t, mr.Set("sync:lock:evt-1", "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := locker.WithLock(ctx, "evt-1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	v, err := mr.Get("sync:lock:evt-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v, "foreign lock must not be deleted")
}

func TestEventLockerRenewsWhileHeld(t *testing.T) {
	mr, client := newMiniRedis(t)
	locker := NewEventLocker(client, "sync", 60*time.Millisecond, nil)

	err := locker.WithLock(context.Background(), "evt-2", func(ctx context.Context) error {
		mr.SetTTL("sync:lock:evt-2", time.Millisecond)

		// several renewal periods past the TTL
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		assert.Equal(t, 60*time.Millisecond, mr.TTL("sync:lock:evt-2"), "renewal restores the full TTL")
		return nil
	})
	assert.NoError(t, err)
}

func TestEventLockerCancelsWorkWhenLockLost(t *testing.T) {
	mr, client := newMiniRedis(t)
	locker := NewEventLocker(client, "sync", 60*time.Millisecond, nil)

	err := locker.WithLock(context.Background(), "evt-3", func(ctx context.Context) error {
		require.NoError(t, mr.Set("sync:lock:evt-3", "someone-else"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrLockLost)

	v, err := mr.Get("sync:lock:evt-3")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v, "the new owner's lock must survive release")
}
