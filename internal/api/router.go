package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/resilience"
)

type RouterConfig struct {
	Gate          Admitter
	DeadLetters   DeadLetters
	Postgres      Pinger
	Redis         *redis.Client
	Breaker       *resilience.CircuitBreaker
	WebhookSecret string
	AdminToken    string // admin routes are mounted only when set
	RateRPS       int
	RateBurst     int
	Env           string
	Version       string
	Logger        *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Breaker, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.With(RateLimitMiddleware(cfg.RateRPS, cfg.RateBurst)).
		Post("/webhook/{crm_type}/{clinic_id}", webhookHandler(cfg.Gate, cfg.WebhookSecret, logger))

	if cfg.AdminToken != "" && cfg.DeadLetters != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(cfg.AdminToken))
			r.Get("/queue/stats", queueStatsHandler(cfg.DeadLetters))
			r.Get("/dead", listDeadHandler(cfg.DeadLetters))
			r.Post("/dead/{id}/requeue", requeueDeadHandler(cfg.DeadLetters, logger))
		})
	}

	return r
}

// NewHealthRouter serves only the health endpoints, for processes without
// the webhook surface.
func NewHealthRouter(pg Pinger, rdb *redis.Client, breaker *resilience.CircuitBreaker, env, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	health := NewHealthHandler(pg, rdb, breaker, env, version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	return r
}
