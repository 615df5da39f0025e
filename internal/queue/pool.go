package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/telemetry"
)

type Handler func(ctx context.Context, job *Job) error

type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	// Retryable decides whether a failed job goes back to the queue.
	// Defaults to syncerr.Retryable.
	Retryable func(error) bool
	// ReapInterval is how often expired leases are recovered. Defaults to
	// half the queue's lease TTL.
	ReapInterval time.Duration
}

// Pool runs Concurrency workers that pull jobs from a Queue.
type Pool struct {
	queue        *Queue
	handler      Handler
	cfg          PoolConfig
	logger       *zap.Logger
	metrics      *telemetry.Metrics
	onDeadLetter func(ctx context.Context, job *Job, err error)
}

func NewPool(q *Queue, handler Handler, cfg PoolConfig, logger *zap.Logger, metrics *telemetry.Metrics) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = syncerr.Retryable
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = q.LeaseTTL() / 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{queue: q, handler: handler, cfg: cfg, logger: logger, metrics: metrics}
}

// OnDeadLetter registers a hook run after a job is dead-lettered.
func (p *Pool) OnDeadLetter(fn func(ctx context.Context, job *Job, err error)) {
	p.onDeadLetter = fn
}

// Run blocks until ctx is cancelled or a worker hits a fatal error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.reap(ctx)
		return nil
	})
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return p.loop(ctx, worker)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) error {
	logger := p.logger.With(zap.Int("worker", worker))
	logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopping")
			return nil
		}

		processed, err := p.ProcessOne(ctx)
		if err != nil {
			logger.Error("queue error", zap.Error(err))
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// reap recovers expired leases at start and then every ReapInterval.
func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		n, err := p.queue.RecoverExpired(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("recover expired jobs", zap.Error(err))
		}
		if n > 0 {
			p.logger.Warn("requeued jobs with expired leases", zap.Int("jobs", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// heartbeat extends the job's lease until ctx is done, and sets lost once
// the lease is gone.
func (p *Pool) heartbeat(ctx context.Context, job *Job, lost *atomic.Bool, logger *zap.Logger) {
	ticker := time.NewTicker(max(p.queue.LeaseTTL()/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := p.queue.Extend(ctx, job)
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost):
			lost.Store(true)
			logger.Warn("job lease lost while running")
			return
		case ctx.Err() == nil:
			logger.Warn("extend job lease", zap.Error(err))
		}
	}
}

// ProcessOne claims and handles at most one job. It reports whether a job
// was claimed.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts+1))
	var lost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, job, &lost, logger)
	}()

	start := time.Now()
	handleErr := p.handler(ctx, job)
	took := time.Since(start)

	stopHeartbeat()
	<-hbDone

	// bookkeeping must land even when shutdown cancelled the handler
	bg := context.WithoutCancel(ctx)

	if !lost.Load() {
		owns, err := p.queue.Owns(bg, job)
		if err != nil {
			return true, err
		}
		lost.Store(!owns)
	}
	if lost.Load() {
		// another worker holds the job now and does the bookkeeping
		logger.Warn("job lease expired before completion, leaving outcome to the new holder", zap.Error(handleErr))
		return true, nil
	}

	if handleErr == nil {
		p.metrics.JobFinished(bg, "succeeded", took)
		logger.Info("job done", zap.Duration("took", took))
		return true, p.queue.Ack(bg, job)
	}

	if ctx.Err() != nil && errors.Is(handleErr, context.Canceled) {
		logger.Warn("job interrupted by shutdown, releasing", zap.Error(handleErr))
		return true, p.queue.Release(bg, job)
	}

	job.Attempts++
	if p.cfg.Retryable(handleErr) && job.Attempts < p.cfg.MaxAttempts {
		delay := p.cfg.RetryDelay << (job.Attempts - 1)
		p.metrics.JobFinished(bg, "retried", took)
		logger.Warn("job failed, retrying",
			zap.Duration("delay", delay),
			zap.Error(handleErr),
		)
		return true, p.queue.Retry(bg, job, delay, handleErr)
	}

	p.metrics.JobFinished(bg, "dead_lettered", took)
	logger.Error("job failed permanently", zap.Error(handleErr))
	if err := p.queue.DeadLetter(bg, job, handleErr); err != nil {
		return true, err
	}
	if p.onDeadLetter != nil {
		p.onDeadLetter(bg, job, handleErr)
	}
	return true, nil
}
