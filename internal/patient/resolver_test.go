package patient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/crm-appointment-sync/internal/keylock"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/opendental/opendentaltest"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

func testIdentity(clinicID uuid.UUID) Identity {
	return Identity{
		ClinicID:  clinicID,
		ContactID: "contact-" + gofakeit.LetterN(8),
		FirstName: "Jane",
		LastName:  "O'Neil",
		BirthDate: "1990-04-02",
		Gender:    "F",
		Email:     gofakeit.Email(),
	}
}

func TestResolveCreatesWhenNoMatch(t *testing.T) {
	repo := NewMemoryRepository()
	api := opendentaltest.NewFake()
	r := NewResolver(repo, nil, nil)
	id := testIdentity(uuid.New())

	patNum, err := r.Resolve(context.Background(), api, id, nil)
	require.NoError(t, err)
	assert.NotZero(t, patNum)
	assert.Equal(t, 1, api.Calls("create_patient"))

	s, ok := repo.Get(id.ClinicID, id.ContactID)
	require.True(t, ok)
	require.NotNil(t, s.PatNum)
	assert.Equal(t, patNum, *s.PatNum)
}

func TestResolveAdoptsExistingMatch(t *testing.T) {
	repo := NewMemoryRepository()
	api := opendentaltest.NewFake()
	api.AddPatient(opendental.PatientRecord{PatNum: 42, LName: "O'Neil", FName: "JANE", Birthdate: "1990-04-02"})
	r := NewResolver(repo, nil, nil)

	patNum, err := r.Resolve(context.Background(), api, testIdentity(uuid.New()), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), patNum)
	assert.Zero(t, api.Calls("create_patient"))
}

func TestResolveFastPathSkipsDownstream(t *testing.T) {
	repo := NewMemoryRepository()
	api := opendentaltest.NewFake()
	r := NewResolver(repo, nil, nil)
	id := testIdentity(uuid.New())

	first, err := r.Resolve(context.Background(), api, id, nil)
	require.NoError(t, err)
	callsAfterFirst := api.TotalCalls()

	second, err := r.Resolve(context.Background(), api, id, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, api.TotalCalls())
}

func TestResolveDownstreamFailureLeavesShadowEmpty(t *testing.T) {
	repo := NewMemoryRepository()
	api := opendentaltest.NewFake()
	api.FailWith("search_patients", syncerr.ErrDownstreamUnavailable)
	r := NewResolver(repo, nil, nil)
	id := testIdentity(uuid.New())

	_, err := r.Resolve(context.Background(), api, id, nil)
	assert.ErrorIs(t, err, syncerr.ErrDownstreamUnavailable)

	s, ok := repo.Get(id.ClinicID, id.ContactID)
	require.True(t, ok, "reservation row stays")
	assert.Nil(t, s.PatNum)
}

func TestResolveConcurrentSameIdentity(t *testing.T) {
	repo := NewMemoryRepository()
	api := opendentaltest.NewFake()
	api.SearchDelay = 10 * time.Millisecond
	locks := keylock.NewRegistry()
	id := testIdentity(uuid.New())

	var wg sync.WaitGroup
	results := make([]int64, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := NewResolver(repo, locks, nil)
			n, err := r.Resolve(context.Background(), api, id, nil)
			assert.NoError(t, err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	for _, n := range results {
		assert.Equal(t, results[0], n)
	}
	assert.Equal(t, 1, repo.Count())
	assert.Equal(t, 1, api.Calls("create_patient"))
	assert.Len(t, api.Patients(), 1)
}

func TestFindMatch(t *testing.T) {
	records := []opendental.PatientRecord{
		{PatNum: 1, LName: "Smith", FName: "John", Birthdate: "1985-01-01"},
		{PatNum: 2, LName: "Smith", FName: "Jane", Birthdate: "1985-01-01T00:00:00"},
		{PatNum: 3, LName: "Smith-Jones", FName: "Jane", Birthdate: "1985-01-01"},
	}

	m, ok := FindMatch(records, Identity{LastName: "smith", FirstName: "jane", BirthDate: "01/01/1985"})
	require.True(t, ok)
	assert.Equal(t, int64(2), m.PatNum)

	m, ok = FindMatch(records, Identity{LastName: "SMITH", BirthDate: "1985-01-01"})
	require.True(t, ok)
	assert.Equal(t, int64(1), m.PatNum, "without a first name the first record wins")

	m, ok = FindMatch(records, Identity{LastName: "Smith Jones", FirstName: "Jane", BirthDate: "1985-01-01"})
	require.True(t, ok)
	assert.Equal(t, int64(3), m.PatNum)

	_, ok = FindMatch(records, Identity{LastName: "Smith", BirthDate: "1985-01-02"})
	assert.False(t, ok)
}
