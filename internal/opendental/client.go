package opendental

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hackgods/crm-appointment-sync/internal/resilience"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

type FactoryConfig struct {
	BaseURL    string
	Timeout    time.Duration // per request
	RatePerMin int
}

// Factory builds clinic-scoped clients that share one HTTP client, one
// rate limiter and one Guard, since every clinic talks to the same API.
type Factory struct {
	baseURL    string
	httpClient *http.Client
	guard      *resilience.Guard
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewFactory(cfg FactoryConfig, guard *resilience.Guard, logger *zap.Logger) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMin))
		burst = max(1, cfg.RatePerMin/10)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		guard:      guard,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

func (f *Factory) ForClinic(creds Credentials) API {
	return &Client{f: f, creds: creds}
}

type Client struct {
	f     *Factory
	creds Credentials
}

func (c *Client) SearchPatients(ctx context.Context, lastName, birthDate string) ([]PatientRecord, error) {
	q := url.Values{}
	q.Set("LName", lastName)
	q.Set("Birthdate", birthDate)

	var out []PatientRecord
	err := c.do(ctx, "search_patients", http.MethodGet, "/patients/Simple", q, nil, &out)
	if isStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreatePatient(ctx context.Context, p NewPatient) (int64, error) {
	p.ClinicNum = c.creds.ClinicNum

	var out PatientRecord
	if err := c.do(ctx, "create_patient", http.MethodPost, "/patients", nil, p, &out); err != nil {
		return 0, err
	}
	if out.PatNum == 0 {
		return 0, fmt.Errorf("create patient: response without PatNum: %w", syncerr.ErrDownstreamRejected)
	}
	return out.PatNum, nil
}

func (c *Client) AppointmentsInOperatory(ctx context.Context, op int64, dateStart, dateEnd string) ([]Appointment, error) {
	q := url.Values{}
	q.Set("Op", strconv.FormatInt(op, 10))
	q.Set("dateStart", dateStart)
	q.Set("dateEnd", dateEnd)

	var out []Appointment
	if err := c.do(ctx, "list_appointments", http.MethodGet, "/appointments", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateAppointment(ctx context.Context, a AppointmentWrite) (int64, error) {
	a.ClinicNum = c.creds.ClinicNum

	var out Appointment
	if err := c.do(ctx, "create_appointment", http.MethodPost, "/appointments", nil, a, &out); err != nil {
		return 0, err
	}
	if out.AptNum == 0 {
		return 0, fmt.Errorf("create appointment: response without AptNum: %w", syncerr.ErrDownstreamRejected)
	}
	return out.AptNum, nil
}

func (c *Client) UpdateAppointment(ctx context.Context, aptNum int64, a AppointmentWrite) error {
	a.PatNum = 0
	a.ClinicNum = c.creds.ClinicNum
	path := "/appointments/" + strconv.FormatInt(aptNum, 10)
	return c.do(ctx, "update_appointment", http.MethodPut, path, nil, a, nil)
}

func (c *Client) CreateCommLog(ctx context.Context, l CommLog) error {
	return c.do(ctx, "create_commlog", http.MethodPost, "/commlogs", nil, l, nil)
}

func (c *Client) CreatePopup(ctx context.Context, p Popup) error {
	if p.PopupLevel == "" {
		p.PopupLevel = "Patient"
	}
	return c.do(ctx, "create_popup", http.MethodPost, "/popups", nil, p, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
		payload = b
	}

	if method == http.MethodGet && c.creds.ClinicNum != 0 {
		if query == nil {
			query = url.Values{}
		}
		query.Set("ClinicNum", strconv.FormatInt(c.creds.ClinicNum, 10))
	}

	_, err := resilience.Call(ctx, c.f.guard, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.send(ctx, method, path, query, payload, out)
	})
	return err
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	if err := c.f.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.f.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("ODFHIR %s/%s", c.creds.DeveloperKey, c.creds.CustomerKey))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, syncerr.ErrDownstreamTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %w", method, path, syncerr.ErrDownstreamTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.f.logger.Debug("downstream error response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(string(raw), 256)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
