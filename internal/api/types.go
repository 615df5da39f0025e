package api

import (
	"encoding/json"
	"time"

	"github.com/hackgods/crm-appointment-sync/internal/queue"
)

type WebhookAcceptedResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Clinic  string `json:"clinic"`
	CRMType string `json:"crm_type"`
}

type DuplicateResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
}

type DeadJobResponse struct {
	ID         string          `json:"id"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FailedAt   *time.Time      `json:"failed_at,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func toDeadJobResponse(j *queue.Job) DeadJobResponse {
	return DeadJobResponse{
		ID:         j.ID,
		Attempts:   j.Attempts,
		EnqueuedAt: j.EnqueuedAt,
		FailedAt:   j.FailedAt,
		LastError:  j.LastError,
		Payload:    j.Payload,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
