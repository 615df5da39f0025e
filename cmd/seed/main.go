package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/db"
	"github.com/hackgods/crm-appointment-sync/internal/logging"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
)

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"America/Phoenix",
}

func main() {
	logger, err := logging.New(os.Getenv("APP_ENV"), "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	count := 5
	if v := os.Getenv("SEED_CLINICS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolConfig{})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedClinics(ctx, clinic.NewPgRepository(pool), count, logger); err != nil {
		logger.Fatal("seed clinics", zap.Error(err))
	}
	logger.Info("seed complete")
}

func seedClinics(ctx context.Context, repo clinic.Repository, count int, logger *zap.Logger) error {
	logger.Info("seeding clinics", zap.Int("count", count))

	for i := 0; i < count; i++ {
		provider := int64(gofakeit.Number(1, 20))
		c := &clinic.Clinic{
			Name:     gofakeit.LastName() + " Family Dental",
			CRMType:  "ghl",
			Timezone: timezones[gofakeit.Number(0, len(timezones)-1)],
			Credentials: opendental.Credentials{
				DeveloperKey: gofakeit.LetterN(16),
				CustomerKey:  gofakeit.LetterN(16),
				ClinicNum:    int64(i + 1),
			},
			Operatories: clinic.OperatoryMap{
				"GP": {
					Scheduled: []int64{1, 2, 3},
					Completed: []int64{4},
					Cancelled: 9,
				},
				"Ortho": {
					Scheduled: []int64{5, 6},
					Cancelled: 9,
				},
			},
			ProviderNum: &provider,
		}
		if err := repo.Create(ctx, c); err != nil {
			return err
		}
		logger.Info("clinic seeded",
			zap.String("clinic_id", c.ID.String()),
			zap.String("name", c.Name),
			zap.String("timezone", c.Timezone),
		)
	}
	return nil
}
