// Package notify reports sync outcomes to people and back to the CRM.
// Every call is best-effort: failures are logged and never returned to the
// sync pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Failure describes a job that ended without a booking.
type Failure struct {
	Entity    string // "Patient creation", "Appointment creation", ...
	EventID   string
	FirstName string
	LastName  string
	BirthDate string
	Start     string
	End       string
	User      string
	Reason    string
}

type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure)
}

// Acknowledger tells the CRM an event has been synced.
type Acknowledger interface {
	Acknowledge(ctx context.Context, eventID, userID string)
}

type Nop struct{}

func (Nop) NotifyFailure(context.Context, Failure)       {}
func (Nop) Acknowledge(context.Context, string, string) {}

// ChatNotifier posts a plain-text card to a chat incoming webhook.
type ChatNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewChatNotifier returns Nop when url is empty.
func NewChatNotifier(url string, logger *zap.Logger) Notifier {
	if url == "" {
		return Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (n *ChatNotifier) NotifyFailure(ctx context.Context, f Failure) {
	text := fmt.Sprintf("%s failed.\nName: %s %s\nDOB: %s\nAppt: %s -> %s\nuser: %s\nReason: %s",
		f.Entity, f.FirstName, f.LastName, f.BirthDate, f.Start, f.End, f.User, f.Reason)

	logger := n.logger.With(zap.String("event_id", f.EventID), zap.String("entity", f.Entity))
	if err := postJSON(ctx, n.client, n.url, nil, map[string]string{"text": text}); err != nil {
		logger.Error("failure notification not delivered", zap.Error(err))
		return
	}
	logger.Info("failure notification posted")
}

// CRMAcknowledger adds a note to the CRM appointment once it is synced.
type CRMAcknowledger struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewCRMAcknowledger returns Nop when baseURL or apiKey is empty.
func NewCRMAcknowledger(baseURL, apiKey string, logger *zap.Logger) Acknowledger {
	if baseURL == "" || apiKey == "" {
		return Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CRMAcknowledger{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

const crmAPIVersion = "2021-07-28"

func (a *CRMAcknowledger) Acknowledge(ctx context.Context, eventID, userID string) {
	url := fmt.Sprintf("%s/calendars/appointments/%s/notes", a.baseURL, eventID)
	headers := map[string]string{
		"Authorization": "Bearer " + a.apiKey,
		"Version":       crmAPIVersion,
	}
	body := map[string]string{"body": "Appointment synced in OD"}
	if userID != "" {
		body["userId"] = userID
	}

	if err := postJSON(ctx, a.client, url, headers, body); err != nil {
		a.logger.Warn("crm acknowledgment failed", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	a.logger.Debug("crm acknowledged", zap.String("event_id", eventID))
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
