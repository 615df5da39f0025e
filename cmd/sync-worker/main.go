package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/crm-appointment-sync/internal/api"
	"github.com/hackgods/crm-appointment-sync/internal/appointment"
	"github.com/hackgods/crm-appointment-sync/internal/bootstrap"
	"github.com/hackgods/crm-appointment-sync/internal/config"
	"github.com/hackgods/crm-appointment-sync/internal/logging"
	"github.com/hackgods/crm-appointment-sync/internal/mapping"
	"github.com/hackgods/crm-appointment-sync/internal/notify"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/patient"
	"github.com/hackgods/crm-appointment-sync/internal/queue"
	"github.com/hackgods/crm-appointment-sync/internal/resilience"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/syncjob"
	"github.com/hackgods/crm-appointment-sync/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sync-worker stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("sync-worker starting up",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("mapping_backend", cfg.MappingBackend),
		zap.String("event_lock_backend", cfg.EventLockBackend),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Setup(rootCtx, cfg.OTLPEndpoint, "crm-sync-worker", cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics, err := telemetry.Global()
	if err != nil {
		return err
	}

	infra, err := bootstrap.Connect(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close(logger)

	clinics, err := bootstrap.Clinics(cfg, infra.Postgres, logger)
	if err != nil {
		return err
	}

	store, closeStore, err := bootstrap.MappingStore(rootCtx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	mappings := mapping.NewCache(store, cfg.MappingCacheTTL, bootstrap.EventLocker(cfg, infra.Redis, logger), logger.Named("mapping"))

	guard := resilience.NewGuard(resilience.GuardConfig{
		Name:             "opendental",
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		MaxAttempts:      cfg.RetryMaxAttempts,
		BaseDelay:        cfg.RetryBaseDelay,
	}, metrics, logger)
	apis := opendental.NewFactory(opendental.FactoryConfig{
		BaseURL:    cfg.DownstreamBaseURL,
		Timeout:    cfg.DownstreamTimeout,
		RatePerMin: cfg.DownstreamRatePerMin,
	}, guard, logger.Named("opendental"))

	pipeline := syncjob.NewPipeline(syncjob.Deps{
		Clinics:  clinics,
		APIs:     apis,
		Resolver: patient.NewResolver(patient.NewPgRepository(infra.Postgres), nil, logger.Named("patient")),
		Booker:   appointment.NewBooker(appointment.NewPgRepository(infra.Postgres), logger.Named("booker")),
		Mappings: mappings,
		Notifier: notify.NewChatNotifier(cfg.FailureWebhookURL, logger.Named("notify")),
		Ack:      notify.NewCRMAcknowledger(cfg.CRMBaseURL, cfg.CRMAPIKey, logger.Named("crm")),
	}, logger.Named("pipeline"))

	jobs := queue.New(infra.Redis, cfg.QueuePrefix, queue.WithLeaseTTL(cfg.JobLeaseTTL))

	pool := queue.NewPool(jobs, pipeline.Handle, queue.PoolConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		MaxAttempts:  cfg.JobMaxAttempts,
		RetryDelay:   cfg.JobRetryDelay,
		Retryable:    syncerr.Retryable,
	}, logger.Named("pool"), metrics)
	pool.OnDeadLetter(pipeline.NotifyDeadLetter)

	srv := &http.Server{
		Addr:              ":" + cfg.WorkerHealthPort,
		Handler:           api.NewHealthRouter(infra.Postgres, infra.Redis, guard.Breaker(), cfg.Env, version),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("sync-worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
