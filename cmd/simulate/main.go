package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/config"
	"github.com/hackgods/crm-appointment-sync/internal/db"
	"github.com/hackgods/crm-appointment-sync/internal/logging"
	"github.com/hackgods/crm-appointment-sync/internal/webhook"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	DuplicateRatio float64
	CRMType        string
	Secret         string
	PostgresDSN    string
}

type sentEvent struct {
	clinicID uuid.UUID
	event    webhook.Event
}

type DataPool struct {
	Clinics []uuid.UUID
	mu      sync.RWMutex
	sent    []sentEvent
}

func (dp *DataPool) AddSent(e sentEvent) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.sent = append(dp.sent, e)
}

func (dp *DataPool) RandomSent(rng *rand.Rand) (sentEvent, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.sent) == 0 {
		return sentEvent{}, false
	}
	return dp.sent[rng.Intn(len(dp.sent))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		return latencies[min(len(latencies)*p/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), pct(99)
}

type Metrics struct {
	NewEvent   OperationMetrics
	Redelivery OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  *zap.Logger
}

func main() {
	cfg := loadConfig()
	logger, err := logging.New(os.Getenv("APP_ENV"), "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("duplicate_ratio", cfg.DuplicateRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolConfig{})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, clinic.NewPgRepository(pgPool), cfg.CRMType)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("clinics loaded", zap.Int("clinics", len(dataPool.Clinics)))

	gofakeit.Seed(time.Now().UnixNano())

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	return SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		DuplicateRatio: getFloat("SIM_DUPLICATE_RATIO", 0.3),
		CRMType:        getEnv("SIM_CRM_TYPE", "ghl"),
		Secret:         baseCfg.WebhookSecret,
		PostgresDSN:    baseCfg.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.DuplicateRatio < 0 || cfg.DuplicateRatio > 1 {
		return fmt.Errorf("SIM_DUPLICATE_RATIO must be within [0, 1]")
	}
	return nil
}

func loadDataPool(ctx context.Context, repo clinic.Repository, crmType string) (*DataPool, error) {
	clinics, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clinics: %w", err)
	}

	dataPool := &DataPool{}
	for _, c := range clinics {
		if c.AcceptsCRM(crmType) {
			dataPool.Clinics = append(dataPool.Clinics, c.ID)
		}
	}
	if len(dataPool.Clinics) == 0 {
		return nil, fmt.Errorf("no %s clinics loaded, run cmd/seed first", crmType)
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		if rng.Float64() < s.config.DuplicateRatio {
			if sent, ok := s.pool.RandomSent(rng); ok {
				s.post(ctx, sent, &s.metrics.Redelivery)
				continue
			}
		}
		sent := sentEvent{
			clinicID: s.pool.Clinics[rng.Intn(len(s.pool.Clinics))],
			event:    fakeEvent(rng),
		}
		if s.post(ctx, sent, &s.metrics.NewEvent) {
			s.pool.AddSent(sent)
		}
	}
}

func fakeEvent(rng *rand.Rand) webhook.Event {
	startMin := 8*60 + rng.Intn(96)*5
	endMin := startMin + (rng.Intn(12)+1)*5
	day := time.Now().AddDate(0, 0, rng.Intn(14)+1)
	statuses := []string{"booked", "confirmed", "showed", "cancelled"}

	return webhook.Event{
		EventID:       uuid.NewString(),
		ContactID:     "contact-" + gofakeit.LetterN(10),
		Status:        statuses[rng.Intn(len(statuses))],
		Date:          day.Format("2006-01-02"),
		StartTime:     fmt.Sprintf("%02d:%02d", startMin/60, startMin%60),
		EndTime:       fmt.Sprintf("%02d:%02d", endMin/60, endMin%60),
		FirstName:     gofakeit.FirstName(),
		LastName:      gofakeit.LastName(),
		BirthDate:     gofakeit.DateRange(time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)).Format("2006-01-02"),
		Gender:        gofakeit.Gender(),
		CalendarID:    []string{"GP", "Ortho"}[rng.Intn(2)],
		WirelessPhone: gofakeit.Phone(),
		Email:         gofakeit.Email(),
	}
}

// post reports whether the event was accepted.
func (s *Simulator) post(ctx context.Context, sent sentEvent, om *OperationMetrics) bool {
	body, _ := json.Marshal(sent.event)
	url := fmt.Sprintf("%s/webhook/%s/%s", s.config.APIBaseURL, s.config.CRMType, sent.clinicID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Secret != "" {
		req.Header.Set("X-Secret", s.config.Secret)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, false, false)
		}
		return false
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode == http.StatusAccepted
	om.Record(latency, accepted, resp.StatusCode == http.StatusConflict)
	return accepted
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("WEBHOOK SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("New events", &s.metrics.NewEvent)
	printOperationReport("Redeliveries", &s.metrics.Redelivery)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, p99 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Accepted (202): %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	fmt.Printf("  Duplicate (409): %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
