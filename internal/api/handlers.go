package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/queue"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/webhook"
)

const maxWebhookBody = 1 << 20

type Admitter interface {
	Admit(ctx context.Context, crmType string, clinicID uuid.UUID, ev webhook.Event, requestID string) (webhook.Admission, error)
}

// DeadLetters is the operator view of the job queue.
type DeadLetters interface {
	ListDead(ctx context.Context, limit int64) ([]*queue.Job, error)
	RequeueDead(ctx context.Context, id string) (*queue.Job, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

func webhookHandler(gate Admitter, secret string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		crmType := chi.URLParam(r, "crm_type")

		if err := webhook.VerifySecret(secret, r.Header.Get("X-Secret")); err != nil {
			handleWebhookError(w, err, webhook.Admission{})
			return
		}

		clinicID, err := uuid.Parse(chi.URLParam(r, "clinic_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}
		ev, err := webhook.Decode(body)
		if err != nil {
			handleWebhookError(w, err, webhook.Admission{})
			return
		}

		adm, err := gate.Admit(r.Context(), crmType, clinicID, ev, GetRequestID(r.Context()))
		if err != nil {
			if !errors.Is(err, syncerr.ErrDuplicateDelivery) {
				logger.Warn("webhook not admitted",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.Error(err),
				)
			}
			handleWebhookError(w, err, adm)
			return
		}

		writeJSON(w, http.StatusAccepted, WebhookAcceptedResponse{
			Status:  "accepted",
			JobID:   adm.JobID,
			Clinic:  adm.Clinic.Name,
			CRMType: crmType,
		})
	}
}

func handleWebhookError(w http.ResponseWriter, err error, adm webhook.Admission) {
	switch {
	case errors.Is(err, syncerr.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid_secret", "X-Secret header missing or wrong")
	case errors.Is(err, syncerr.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
	case errors.Is(err, syncerr.ErrClinicNotFound):
		writeError(w, http.StatusNotFound, "clinic_not_found", err.Error())
	case errors.Is(err, syncerr.ErrCRMMismatch):
		writeError(w, http.StatusForbidden, "crm_type_mismatch", err.Error())
	case errors.Is(err, syncerr.ErrDuplicateDelivery):
		writeJSON(w, http.StatusConflict, DuplicateResponse{Status: "duplicate", JobID: adm.JobID})
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func queueStatsHandler(dl DeadLetters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := dl.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func listDeadHandler(dl DeadLetters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := int64(50)
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}

		jobs, err := dl.ListDead(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		resp := make([]DeadJobResponse, 0, len(jobs))
		for _, j := range jobs {
			resp = append(resp, toDeadJobResponse(j))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func requeueDeadHandler(dl DeadLetters, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := dl.RequeueDead(r.Context(), id)
		if err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		logger.Info("dead-lettered job requeued", zap.String("job_id", job.ID))
		writeJSON(w, http.StatusOK, toDeadJobResponse(job))
	}
}
