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

	"github.com/hackgods/crm-appointment-sync/internal/api"
	"github.com/hackgods/crm-appointment-sync/internal/bootstrap"
	"github.com/hackgods/crm-appointment-sync/internal/config"
	"github.com/hackgods/crm-appointment-sync/internal/logging"
	"github.com/hackgods/crm-appointment-sync/internal/queue"
	redisclient "github.com/hackgods/crm-appointment-sync/internal/redis"
	"github.com/hackgods/crm-appointment-sync/internal/telemetry"
	"github.com/hackgods/crm-appointment-sync/internal/webhook"
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
		logger.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up", zap.String("http_port", cfg.HTTPPort), zap.String("version", version))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Setup(rootCtx, cfg.OTLPEndpoint, "crm-sync-api", cfg.Env)
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

	jobs := queue.New(infra.Redis, cfg.QueuePrefix)
	gate := webhook.NewGate(
		clinics,
		redisclient.NewMarkerStore(infra.Redis, cfg.QueuePrefix),
		jobs,
		cfg.DedupTTL,
		metrics,
		logger.Named("gate"),
	)

	router := api.NewRouter(api.RouterConfig{
		Gate:          gate,
		DeadLetters:   jobs,
		Postgres:      infra.Postgres,
		Redis:         infra.Redis,
		WebhookSecret: cfg.WebhookSecret,
		AdminToken:    cfg.AdminToken,
		RateRPS:       cfg.APIRateRPS,
		RateBurst:     cfg.APIRateBurst,
		Env:           cfg.Env,
		Version:       version,
		Logger:        logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-rootCtx.Done():
	}

	logger.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
