package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, time.Second, cfg.Clock.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Clock.ResyncInterval)
	assert.Equal(t, 30*time.Second, cfg.Clock.WarningThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Rotation.MinRecompute)
	assert.Equal(t, 100*time.Millisecond, cfg.Bus.Debounce)
	assert.Equal(t, 5*time.Second, cfg.NATS.StaleAfter)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundsync.yaml")
	yamlData := `
http_addr: ":9090"
store:
  driver: memory
clock:
  warning_threshold: 45s
rotation:
  min_recompute: 250ms
database:
  host: db.example
  max_conns: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	t.Setenv("ROUNDSYNC_LOG_LEVEL", "debug")
	t.Setenv("DB_NAME", "flavors")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "postgres", cfg.Store.CounterDriver)
	assert.Equal(t, 45*time.Second, cfg.Clock.WarningThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Rotation.MinRecompute)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "flavors", cfg.Database.Database)
	assert.Equal(t, "db.example", cfg.Database.Host)
	assert.Equal(t, 4, cfg.Database.MaxConns)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("ROUNDSYNC_STORE", "mongo")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
