// Package queue is a small durable job queue on Redis lists: jobs move from
// ready to processing on dequeue, and leave processing by ack, a delayed
// retry or the dead letter list. A claimed job carries a lease; jobs whose
// lease ran out are handed back to ready by RecoverExpired.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNoJob       = errors.New("no job ready")
	ErrJobNotFound = errors.New("job not found")
	ErrLeaseLost   = errors.New("job lease lost")
)

const DefaultLeaseTTL = time.Minute

type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
	FailedAt   *time.Time      `json:"failed_at,omitempty"`

	// claim identifies this holder of the lease.
	claim string
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

type Queue struct {
	client   *redis.Client
	prefix   string
	leaseTTL time.Duration
	now      func() time.Time
}

type Option func(*Queue)

// WithLeaseTTL sets how long a claimed job stays owned without an Extend.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

func New(client *redis.Client, prefix string, opts ...Option) *Queue {
	q := &Queue{client: client, prefix: prefix, leaseTTL: DefaultLeaseTTL, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) LeaseTTL() time.Duration { return q.leaseTTL }

func (q *Queue) readyKey() string      { return q.prefix + ":ready" }
func (q *Queue) processingKey() string { return q.prefix + ":processing" }
func (q *Queue) delayedKey() string    { return q.prefix + ":delayed" }
func (q *Queue) deadKey() string       { return q.prefix + ":dead" }
func (q *Queue) leaseKey() string      { return q.prefix + ":leases" }
func (q *Queue) ownerKey() string      { return q.prefix + ":owners" }
func (q *Queue) jobKey(id string) string {
	return q.prefix + ":job:" + id
}

func (q *Queue) Enqueue(ctx context.Context, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Payload:    raw,
		EnqueuedAt: q.now().UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		pipe.LPush(ctx, q.readyKey(), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

var claimScript = redis.NewScript(`
local id = redis.call("LMOVE", KEYS[1], KEYS[2], "RIGHT", "LEFT")
if id then
  redis.call("ZADD", KEYS[3], ARGV[1], id)
  redis.call("HSET", KEYS[4], id, ARGV[2])
end
return id
`)

var extendScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) == ARGV[2] then
  redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

var recoverScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("HDEL", KEYS[2], id)
  redis.call("LREM", KEYS[3], 1, id)
  redis.call("RPUSH", KEYS[4], id)
end
return #ids
`)

// Dequeue promotes due delayed jobs and then claims the oldest ready job
// under a fresh lease. It returns ErrNoJob when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.readyKey()},
		q.now().UnixMilli(),
	).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	claim := uuid.NewString()
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.processingKey(), q.leaseKey(), q.ownerKey()},
		q.now().Add(q.leaseTTL).UnixMilli(), claim,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := q.load(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// body vanished; drop the orphan id
		_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			q.dropLease(ctx, pipe, id)
			return nil
		})
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}
	job.claim = claim
	return job, nil
}

func (q *Queue) dropLease(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.LRem(ctx, q.processingKey(), 1, id)
	pipe.ZRem(ctx, q.leaseKey(), id)
	pipe.HDel(ctx, q.ownerKey(), id)
}

// Extend pushes the job's lease out by the lease TTL. It returns
// ErrLeaseLost when the lease expired and the job was handed to someone else.
func (q *Queue) Extend(ctx context.Context, job *Job) error {
	n, err := extendScript.Run(ctx, q.client,
		[]string{q.leaseKey(), q.ownerKey()},
		job.ID, job.claim, q.now().Add(q.leaseTTL).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease of job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Owns reports whether job's claim still holds the lease.
func (q *Queue) Owns(ctx context.Context, job *Job) (bool, error) {
	owner, err := q.client.HGet(ctx, q.ownerKey(), job.ID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease of job %s: %w", job.ID, err)
	}
	return owner == job.claim, nil
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	body, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Get returns a job by id regardless of which list it sits in.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.load(ctx, id)
}

func (q *Queue) Ack(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.dropLease(ctx, pipe, job.ID)
		pipe.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Retry parks the job in the delayed set until delay has elapsed.
func (q *Queue) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	if cause != nil {
		job.LastError = cause.Error()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	due := q.now().Add(delay).UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		q.dropLease(ctx, pipe, job.ID)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, job *Job, cause error) error {
	now := q.now().UTC()
	job.FailedAt = &now
	if cause != nil {
		job.LastError = cause.Error()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		q.dropLease(ctx, pipe, job.ID)
		pipe.LPush(ctx, q.deadKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// ListDead returns up to limit dead-lettered jobs, newest first.
func (q *Queue) ListDead(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDead moves a dead job back to ready with a fresh attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, id string) (*Job, error) {
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}

	removed, err := q.client.LRem(ctx, q.deadKey(), 1, id).Result()
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}
	if removed == 0 {
		return nil, ErrJobNotFound
	}

	job.Attempts = 0
	job.FailedAt = nil
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		pipe.LPush(ctx, q.readyKey(), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}
	return job, nil
}

// Release gives a claimed job back to the front of the ready list without
// counting an attempt.
func (q *Queue) Release(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.dropLease(ctx, pipe, job.ID)
		pipe.RPush(ctx, q.readyKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	return nil
}

// RecoverExpired returns jobs whose lease ran out, left behind by a worker
// that crashed or stalled, to the front of the ready list. Jobs whose
// holder keeps extending the lease are never touched.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := recoverScript.Run(ctx, q.client,
			[]string{q.leaseKey(), q.ownerKey(), q.processingKey(), q.readyKey()},
			q.now().UnixMilli(),
		).Int()
		if err != nil {
			return total, fmt.Errorf("recover expired jobs: %w", err)
		}
		total += n
		if n < 100 {
			return total, nil
		}
	}
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	processing := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}
