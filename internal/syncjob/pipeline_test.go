package syncjob

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/crm-appointment-sync/internal/appointment"
	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/keylock"
	"github.com/hackgods/crm-appointment-sync/internal/mapping"
	"github.com/hackgods/crm-appointment-sync/internal/notify"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/opendental/opendentaltest"
	"github.com/hackgods/crm-appointment-sync/internal/patient"
	"github.com/hackgods/crm-appointment-sync/internal/queue"
	redisclient "github.com/hackgods/crm-appointment-sync/internal/redis"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/webhook"
)

type fixedFactory struct{ api opendental.API }

func (f fixedFactory) ForClinic(opendental.Credentials) opendental.API { return f.api }

type recorder struct {
	mu       sync.Mutex
	acks     []string
	failures []notify.Failure
}

func (r *recorder) Acknowledge(_ context.Context, eventID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, eventID)
}

func (r *recorder) NotifyFailure(_ context.Context, f notify.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

type fixture struct {
	pipeline *Pipeline
	api      *opendentaltest.Fake
	shadows  *appointment.MemoryRepository
	patients *patient.MemoryRepository
	mappings *mapping.Cache
	rec      *recorder
	clinic   clinic.Clinic
}

func newFixture() *fixture {
	return newFixtureWithLocker(keylock.NewRegistry())
}

func newFixtureWithLocker(eventLocks keylock.Locker) *fixture {
	c := clinic.Clinic{
		ID:       uuid.New(),
		Name:     "Riverside Dental",
		CRMType:  "ghl",
		Timezone: "UTC",
		Operatories: clinic.OperatoryMap{
			"GP": {Scheduled: []int64{1, 2}, Cancelled: 9},
		},
	}
	f := &fixture{
		api:      opendentaltest.NewFake(),
		shadows:  appointment.NewMemoryRepository(),
		patients: patient.NewMemoryRepository(),
		mappings: mapping.NewCache(mapping.NewMemoryStore(), 8*time.Second, eventLocks, nil),
		rec:      &recorder{},
		clinic:   c,
	}
	f.pipeline = NewPipeline(Deps{
		Clinics:  clinic.NewMemoryRepository(c),
		APIs:     fixedFactory{api: f.api},
		Resolver: patient.NewResolver(f.patients, keylock.NewRegistry(), nil),
		Booker:   appointment.NewBooker(f.shadows, nil),
		Mappings: f.mappings,
		Notifier: f.rec,
		Ack:      f.rec,
	}, nil)
	return f
}

func (f *fixture) job(t *testing.T, ev webhook.Event) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(webhook.JobPayload{ClinicID: f.clinic.ID, CRMType: "ghl", Event: ev})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.NewString(), Payload: raw}
}

func event(id string) webhook.Event {
	return webhook.Event{
		EventID:    id,
		ContactID:  "contact-1",
		Status:     "booked",
		Date:       "2025-03-03",
		StartTime:  "09:00",
		EndTime:    "09:30",
		FirstName:  "Ana",
		LastName:   "Lopez",
		BirthDate:  "1988-02-01",
		CalendarID: "GP",
	}
}

func TestHandleCreatesPatientAndAppointment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.pipeline.Handle(ctx, f.job(t, event("evt-1"))))

	assert.Equal(t, 1, f.api.Calls("create_patient"))
	booked := f.api.InOperatory(1)
	require.Len(t, booked, 1)

	entry, ok, err := f.mappings.Get(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, booked[0].AptNum, entry.AptNum)
	assert.Equal(t, booked[0].PatNum, entry.PatNum)
	assert.Equal(t, f.clinic.ID.String(), entry.ClinicID)

	assert.Equal(t, []string{"evt-1"}, f.rec.acks)
}

func TestHandleRedeliveryIsUnchanged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.pipeline.Handle(ctx, f.job(t, event("evt-1"))))
	calls := f.api.TotalCalls()

	require.NoError(t, f.pipeline.Handle(ctx, f.job(t, event("evt-1"))))
	assert.Equal(t, calls, f.api.TotalCalls(), "no downstream calls for an unchanged event")
	assert.Len(t, f.rec.acks, 1)
}

func TestHandleAdoptsMappingAfterLocalLoss(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.api.Book(1, opendental.Appointment{AptNum: 900, AptDateTime: "2025-03-03 09:00:00", Pattern: "XXXXXX"})
	require.NoError(t, f.mappings.Update(ctx, "evt-1", func(e *mapping.Entry) {
		e.AptNum = 900
		e.ClinicID = f.clinic.ID.String()
	}))

	require.NoError(t, f.pipeline.Handle(ctx, f.job(t, event("evt-1"))))

	assert.Zero(t, f.api.Calls("create_appointment"))
	assert.Equal(t, 1, f.api.Calls("update_appointment"))
	s, err := f.shadows.Get(ctx, f.clinic.ID, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, s.AptNum)
	assert.Equal(t, int64(900), *s.AptNum)
}

func TestHandleIgnoresMappingFromOtherClinic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.mappings.Update(ctx, "evt-1", func(e *mapping.Entry) {
		e.AptNum = 900
		e.ClinicID = uuid.NewString()
	}))

	require.NoError(t, f.pipeline.Handle(ctx, f.job(t, event("evt-1"))))
	assert.Equal(t, 1, f.api.Calls("create_appointment"))
}

func TestHandleNoSlotIsPermanentAndNotified(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.api.Book(1, opendental.Appointment{AptNum: 1, AptDateTime: "2025-03-03 09:00:00"})
	f.api.Book(2, opendental.Appointment{AptNum: 2, AptDateTime: "2025-03-03 09:00:00"})

	job := f.job(t, event("evt-1"))
	err := f.pipeline.Handle(ctx, job)
	require.ErrorIs(t, err, syncerr.ErrNoSlotAvailable)
	assert.False(t, syncerr.Retryable(err))
	assert.Empty(t, f.rec.acks)

	f.pipeline.NotifyDeadLetter(ctx, job, err)
	require.Len(t, f.rec.failures, 1)
	got := f.rec.failures[0]
	assert.Equal(t, "Appointment creation", got.Entity)
	assert.Equal(t, "Lopez", got.LastName)
	assert.Equal(t, "2025-03-03 09:00", got.Start)
}

func TestHandleDownstreamOutageIsRetryable(t *testing.T) {
	f := newFixture()
	f.api.FailWith("search_patients", syncerr.ErrCircuitOpen)

	err := f.pipeline.Handle(context.Background(), f.job(t, event("evt-1")))
	require.ErrorIs(t, err, syncerr.ErrCircuitOpen)
	assert.True(t, syncerr.Retryable(err))

	f.pipeline.NotifyDeadLetter(context.Background(), f.job(t, event("evt-1")), err)
	assert.Equal(t, "Patient resolution", f.rec.failures[0].Entity)
}

func TestHandleUnknownClinic(t *testing.T) {
	f := newFixture()
	raw, err := json.Marshal(webhook.JobPayload{ClinicID: uuid.New(), Event: event("evt-1")})
	require.NoError(t, err)

	err = f.pipeline.Handle(context.Background(), &queue.Job{ID: "j", Payload: raw})
	assert.ErrorIs(t, err, syncerr.ErrClinicNotFound)
	assert.False(t, syncerr.Retryable(err))
}

func TestHandleConcurrentSameEventCreatesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	jobs := make([]*queue.Job, 8)
	for i := range jobs {
		jobs[i] = f.job(t, event("evt-1"))
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.pipeline.Handle(ctx, job))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.api.Calls("create_patient"))
	assert.Equal(t, 1, f.api.Calls("create_appointment"))
	assert.Equal(t, 1, f.shadows.Count())
	assert.Equal(t, 1, f.patients.Count())
}

func TestHandleOutlastsRedisEventLockTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixtureWithLocker(redisclient.NewEventLocker(client, "sync", 60*time.Millisecond, nil))
	f.api.ScanDelay = 150 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, f.pipeline.Handle(ctx, f.job(t, event("evt-slow"))))

	require.Len(t, f.api.InOperatory(1), 1)
	entry, ok, err := f.mappings.Get(ctx, "evt-slow")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, entry.AptNum)
	assert.False(t, mr.Exists("sync:lock:mapping:evt-slow"), "lock released after booking")
}
