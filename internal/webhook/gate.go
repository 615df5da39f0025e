package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/queue"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/telemetry"
)

// JobPayload is what the gate enqueues for the sync worker.
type JobPayload struct {
	ClinicID   uuid.UUID `json:"clinic_id"`
	CRMType    string    `json:"crm_type"`
	Event      Event     `json:"event"`
	AdmittedAt time.Time `json:"admitted_at"`
	RequestID  string    `json:"request_id,omitempty"`
}

// Markers holds the short-lived processing markers used for dedup.
type Markers interface {
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Bind(ctx context.Context, key, value string) (bool, error)
	Holder(ctx context.Context, key string) (string, error)
	Release(ctx context.Context, key string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload any) (*queue.Job, error)
}

type Admission struct {
	JobID  string
	Clinic *clinic.Clinic
}

// Gate is the synchronous front of the pipeline: it checks the clinic,
// suppresses redeliveries and enqueues.
type Gate struct {
	clinics  clinic.Repository
	markers  Markers
	queue    Enqueuer
	dedupTTL time.Duration
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewGate(clinics clinic.Repository, markers Markers, q Enqueuer, dedupTTL time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		clinics:  clinics,
		markers:  markers,
		queue:    q,
		dedupTTL: dedupTTL,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

const pendingMarker = "pending"

// Admit enqueues ev for clinicID. A redelivery inside the dedup window
// returns ErrDuplicateDelivery together with the original job id when known.
func (g *Gate) Admit(ctx context.Context, crmType string, clinicID uuid.UUID, ev Event, requestID string) (Admission, error) {
	logger := g.logger.With(
		zap.String("crm_type", crmType),
		zap.String("clinic_id", clinicID.String()),
		zap.String("event_id", ev.EventID),
		zap.String("request_id", requestID),
	)

	c, err := g.clinics.GetByID(ctx, clinicID)
	if err != nil {
		if errors.Is(err, clinic.ErrNotFound) {
			g.metrics.Admission(ctx, crmType, "unknown_clinic")
			return Admission{}, fmt.Errorf("%w: %s", syncerr.ErrClinicNotFound, clinicID)
		}
		return Admission{}, fmt.Errorf("lookup clinic: %w", err)
	}
	if !c.AcceptsCRM(crmType) {
		g.metrics.Admission(ctx, crmType, "crm_mismatch")
		return Admission{}, fmt.Errorf("%w: clinic %s is registered for %q", syncerr.ErrCRMMismatch, c.Name, c.CRMType)
	}

	key := ev.DedupKey()
	acquired, err := g.markers.Acquire(ctx, key, pendingMarker, g.dedupTTL)
	if err != nil {
		return Admission{}, err
	}
	if !acquired {
		holder, err := g.markers.Holder(ctx, key)
		if err != nil {
			logger.Warn("read dedup marker", zap.Error(err))
		}
		if holder == pendingMarker {
			holder = ""
		}
		g.metrics.Admission(ctx, crmType, "duplicate")
		logger.Info("duplicate delivery dropped", zap.String("job_id", holder))
		return Admission{JobID: holder, Clinic: c}, syncerr.ErrDuplicateDelivery
	}

	job, err := g.queue.Enqueue(ctx, JobPayload{
		ClinicID:   c.ID,
		CRMType:    crmType,
		Event:      ev,
		AdmittedAt: g.now().UTC(),
		RequestID:  requestID,
	})
	if err != nil {
		// let the CRM's redelivery get through
		if rerr := g.markers.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.Error("release dedup marker", zap.Error(rerr))
		}
		return Admission{}, err
	}
	if _, err := g.markers.Bind(ctx, key, job.ID); err != nil {
		logger.Warn("bind dedup marker to job", zap.Error(err))
	}

	g.metrics.Admission(ctx, crmType, "accepted")
	logger.Info("event admitted", zap.String("job_id", job.ID))
	return Admission{JobID: job.ID, Clinic: c}, nil
}
