package opendental

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/crm-appointment-sync/internal/resilience"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/telemetry"
)

var testCreds = Credentials{DeveloperKey: "dev", CustomerKey: "cust", ClinicNum: 3}

func newTestClient(t *testing.T, h http.HandlerFunc) API {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	guard := resilience.NewGuard(resilience.GuardConfig{
		Name:             "opendental",
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
	}, telemetry.Noop(), nil)

	f := NewFactory(FactoryConfig{BaseURL: srv.URL + "/", Timeout: time.Second}, guard, nil)
	return f.ForClinic(testCreds)
}

func TestSearchPatientsSendsCredentials(t *testing.T) {
	api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/patients/Simple", r.URL.Path)
		assert.Equal(t, "ODFHIR dev/cust", r.Header.Get("Authorization"))
		assert.Equal(t, "Doe", r.URL.Query().Get("LName"))
		assert.Equal(t, "1990-04-02", r.URL.Query().Get("Birthdate"))
		assert.Equal(t, "3", r.URL.Query().Get("ClinicNum"))

		_ = json.NewEncoder(w).Encode([]PatientRecord{{PatNum: 11, LName: "Doe", FName: "Jane", Birthdate: "1990-04-02"}})
	})

	got, err := api.SearchPatients(context.Background(), "Doe", "1990-04-02")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(11), got[0].PatNum)
}

func TestSearchPatientsNotFoundIsEmpty(t *testing.T) {
	api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no patients", http.StatusNotFound)
	})

	got, err := api.SearchPatients(context.Background(), "Doe", "1990-04-02")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateAppointmentRetriesOn503(t *testing.T) {
	var calls int32
	api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body AppointmentWrite
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(3), body.ClinicNum)
		assert.Equal(t, "XXXXXX", body.Pattern)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Appointment{AptNum: 501})
	})

	aptNum, err := api.CreateAppointment(context.Background(), AppointmentWrite{
		PatNum:      11,
		AptDateTime: "2025-03-03 09:00:00",
		Pattern:     "XXXXXX",
		Op:          1,
		AptStatus:   StatusScheduled,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(501), aptNum)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRejectedRequestNotRetried(t *testing.T) {
	var calls int32
	api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"Op is invalid"}`, http.StatusBadRequest)
	})

	err := api.UpdateAppointment(context.Background(), 77, AppointmentWrite{Op: 9})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrDownstreamRejected)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/appointments/77", se.Path)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExhaustedRetriesAreUnavailable(t *testing.T) {
	api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := api.AppointmentsInOperatory(context.Background(), 1, "2025-03-03", "2025-03-03")
	assert.ErrorIs(t, err, syncerr.ErrDownstreamUnavailable)
}
