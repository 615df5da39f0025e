package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MarkerStore keeps short-lived "processing" markers that suppress webhook
// redeliveries.
type MarkerStore struct {
	client *redis.Client
	prefix string
}

func NewMarkerStore(client *redis.Client, prefix string) *MarkerStore {
	return &MarkerStore{client: client, prefix: prefix}
}

func (s *MarkerStore) key(k string) string {
	return fmt.Sprintf("%s:dedup:%s", s.prefix, k)
}

// Acquire sets the marker for key if absent. It returns false when a marker
// already exists, meaning the delivery is a duplicate.
func (s *MarkerStore) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set dedup marker: %w", err)
	}
	return ok, nil
}

// Bind replaces the value of an existing marker without touching its TTL.
// It reports false when the marker has already expired.
func (s *MarkerStore) Bind(ctx context.Context, key, value string) (bool, error) {
	_, err := s.client.SetArgs(ctx, s.key(key), value, redis.SetArgs{Mode: "XX", KeepTTL: true}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bind dedup marker: %w", err)
	}
	return true, nil
}

// Release drops a marker, used when enqueueing fails after Acquire.
func (s *MarkerStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete dedup marker: %w", err)
	}
	return nil
}

// Holder returns the value stored with the marker, typically the job id.
func (s *MarkerStore) Holder(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get dedup marker: %w", err)
	}
	return v, nil
}
