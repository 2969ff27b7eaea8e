package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"STORAGE", "DATABASE_URL", "MAX_RECHARGE", "SWEEP_INTERVAL", "STALE_RESERVATION_TTL", "HTTP_ADDR"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "10000", cfg.MaxRecharge.String())
	assert.Equal(t, time.Hour, cfg.StaleReservationTTL)
	assert.Zero(t, cfg.SweepInterval)
}

func TestLoadPostgresImpliedByDatabaseURL(t *testing.T) {
	t.Setenv("STORAGE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/tokens")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoragePostgres, cfg.Storage)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORAGE", "postgres")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("STORAGE", "sqlite")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("STORAGE", "bolt")
	t.Setenv("MAX_RECHARGE", "-5")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("MAX_RECHARGE", "")
	t.Setenv("SWEEP_INTERVAL", "soon")
	_, err = Load()
	assert.Error(t, err)
}
