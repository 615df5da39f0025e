package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/config"
	"github.com/hackgods/crm-appointment-sync/internal/keylock"
	"github.com/hackgods/crm-appointment-sync/internal/mapping"
	redisclient "github.com/hackgods/crm-appointment-sync/internal/redis"
)

func TestMappingStoreMemory(t *testing.T) {
	store, closeFn, err := MappingStore(context.Background(), config.Config{MappingBackend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &mapping.MemoryStore{}, store)
	assert.NoError(t, closeFn())

	_, _, err = MappingStore(context.Background(), config.Config{MappingBackend: "ftp"})
	assert.Error(t, err)
}

func TestEventLockerBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	local := EventLocker(config.Config{EventLockBackend: "local"}, rdb, zap.NewNop())
	assert.IsType(t, &keylock.Registry{}, local)

	shared := EventLocker(config.Config{EventLockBackend: "redis", QueuePrefix: "sync"}, rdb, zap.NewNop())
	assert.IsType(t, &redisclient.EventLocker{}, shared)
}

func TestClinicsAppliesOverrideFile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	path := filepath.Join(t.TempDir(), "operatories.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clinics:\n  "+id.String()+":\n    timezone: America/Denver\n"), 0o600))

	repo, err := Clinics(config.Config{OperatoryMapFile: path}, mock, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &clinic.OverlayRepository{}, repo)

	repo, err = Clinics(config.Config{}, mock, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &clinic.PgRepository{}, repo)
}
