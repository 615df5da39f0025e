// Package bootstrap builds the shared infrastructure the commands wire
// together from config.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/config"
	"github.com/hackgods/crm-appointment-sync/internal/db"
	"github.com/hackgods/crm-appointment-sync/internal/keylock"
	"github.com/hackgods/crm-appointment-sync/internal/mapping"
	redisclient "github.com/hackgods/crm-appointment-sync/internal/redis"
)

type Infra struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
}

// Connect opens Postgres and Redis, sized for the worker concurrency.
func Connect(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Infra, error) {
	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolConfig{
		MaxConns: int32(max(10, cfg.WorkerConcurrency*2)),
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	logger.Info("connected to postgres")

	rdb, err := redisclient.NewClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.WorkerConcurrency * 3,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	return &Infra{Postgres: pool, Redis: rdb}, nil
}

func (i *Infra) Close(logger *zap.Logger) {
	if err := i.Redis.Close(); err != nil {
		logger.Warn("close redis", zap.Error(err))
	}
	i.Postgres.Close()
}

// Clinics is the Postgres clinic repository with the operatory map file
// applied on top, when one is configured.
func Clinics(cfg config.Config, conn db.DBTX, logger *zap.Logger) (clinic.Repository, error) {
	base := clinic.NewPgRepository(conn)
	overrides, err := clinic.LoadOverrides(cfg.OperatoryMapFile)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return base, nil
	}
	logger.Info("operatory map overrides loaded",
		zap.String("file", cfg.OperatoryMapFile),
		zap.Int("clinics", len(overrides)),
	)
	return clinic.NewOverlayRepository(base, overrides, logger), nil
}

// MappingStore opens the configured mapping document backend. The returned
// close func releases backend clients.
func MappingStore(ctx context.Context, cfg config.Config) (mapping.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.MappingBackend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		return mapping.NewGCSStore(client, cfg.MappingBucket, cfg.MappingObject), client.Close, nil
	case "s3":
		client, err := mapping.NewS3Client(ctx, cfg.MappingS3Region, cfg.MappingS3Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return mapping.NewS3Store(client, cfg.MappingBucket, cfg.MappingObject), noop, nil
	case "memory":
		return mapping.NewMemoryStore(), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown mapping backend %q", cfg.MappingBackend)
}

// EventLocker picks the per-event lock: in-process, or Redis-backed when
// several worker processes share the queue.
func EventLocker(cfg config.Config, rdb *redis.Client, logger *zap.Logger) keylock.Locker {
	if cfg.EventLockBackend == "redis" {
		return redisclient.NewEventLocker(rdb, cfg.QueuePrefix, cfg.EventLockTTL, logger)
	}
	return keylock.NewRegistry()
}
