package clinic

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gpMap = OperatoryMap{
	"GP": {Scheduled: []int64{1, 2}, Cancelled: 9},
	"Hygiene": {
		Scheduled: []int64{4},
		Completed: []int64{5, 6},
	},
}

func TestCandidates(t *testing.T) {
	assert.Equal(t, []int64{1, 2}, gpMap.Candidates("GP", GroupScheduled))
	assert.Equal(t, []int64{1, 2}, gpMap.Candidates("GP", GroupCompleted), "falls back to scheduled")
	assert.Equal(t, []int64{9}, gpMap.Candidates("GP", GroupCancelled))
	assert.Equal(t, []int64{5, 6}, gpMap.Candidates("Hygiene", GroupCompleted))
	assert.Nil(t, gpMap.Candidates("Hygiene", GroupCancelled))
	assert.Nil(t, gpMap.Candidates("Ortho", GroupScheduled))
}

func TestAcceptsCRM(t *testing.T) {
	c := Clinic{CRMType: "GHL"}
	assert.True(t, c.AcceptsCRM("ghl"))
	assert.False(t, c.AcceptsCRM("hubspot"))
}

func TestLocation(t *testing.T) {
	c := Clinic{}
	loc, err := c.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	c.Timezone = "Mars/Olympus"
	_, err = c.Location()
	assert.Error(t, err)
}

func clinicRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "owner_id", "dso_id", "crm_type", "timezone",
		"od_developer_key", "od_customer_key", "clinic_num", "operatory_map",
		"provider_num", "crm_location_id", "created_at", "updated_at",
	})
}

func TestPgRepositoryGetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	opMap, err := json.Marshal(gpMap)
	require.NoError(t, err)
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM clinics\s+WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(clinicRows().AddRow(
			id, "Smile Dental", nil, nil, "ghl", "America/Chicago",
			"dev", "cust", int64(4), opMap,
			nil, nil, now, now,
		))

	repo := NewPgRepository(mock)
	c, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Smile Dental", c.Name)
	assert.Equal(t, int64(4), c.Credentials.ClinicNum)
	assert.Equal(t, []int64{1, 2}, c.Operatories.Candidates("GP", GroupScheduled))
	assert.Nil(t, c.ProviderNum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT (.+) FROM clinics`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPgRepository(mock).GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

const overrideYAML = `
clinics:
  "6f1c2a8e-4a8e-4a39-9d4f-2b7f1d9c0a11":
    timezone: America/New_York
    provider_num: 7
    operatories:
      GP:
        scheduled: [11, 12]
        cancelled: 19
`

func TestOverlayRepository(t *testing.T) {
	id := uuid.MustParse("6f1c2a8e-4a8e-4a39-9d4f-2b7f1d9c0a11")
	base := NewMemoryRepository(Clinic{
		ID:          id,
		Name:        "North",
		CRMType:     "ghl",
		Timezone:    "UTC",
		Operatories: gpMap,
	})

	overrides, err := ParseOverrides([]byte(overrideYAML))
	require.NoError(t, err)

	repo := NewOverlayRepository(base, overrides, nil)
	c, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", c.Timezone)
	require.NotNil(t, c.ProviderNum)
	assert.Equal(t, int64(7), *c.ProviderNum)
	assert.Equal(t, []int64{11, 12}, c.Operatories.Candidates("GP", GroupScheduled))
	assert.Equal(t, []int64{5, 6}, c.Operatories.Candidates("Hygiene", GroupCompleted), "untouched calendars survive")

	stored, err := base.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, stored.Operatories.Candidates("GP", GroupScheduled), "base must not be mutated")
}

func TestParseOverridesRejectsBadKeys(t *testing.T) {
	_, err := ParseOverrides([]byte("clinics:\n  not-a-uuid:\n    timezone: UTC\n"))
	assert.Error(t, err)

	_, err = ParseOverrides([]byte("clinics:\n  \"6f1c2a8e-4a8e-4a39-9d4f-2b7f1d9c0a11\":\n    operatories:\n      GP: {}\n"))
	assert.Error(t, err)
}
