package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, DriverSQLite, c.Store.Driver)
	assert.Equal(t, 30*time.Second, c.CacheTTL)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	c, err := Load(writeConfig(t, `
addr: 0.0.0.0:9000
store:
  driver: postgres
  dsn: postgres://localhost/inheritsync
persist_interval: 500ms
redis:
  addr: localhost:6379
log:
  level: debug
  format: json
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", c.Addr)
	assert.Equal(t, StoreConfig{Driver: DriverPostgres, DSN: "postgres://localhost/inheritsync"}, c.Store)
	assert.Equal(t, 500*time.Millisecond, c.PersistInterval)
	assert.Equal(t, 7*time.Second, c.StatsInterval)
	assert.Equal(t, RedisConfig{Addr: "localhost:6379", Channel: "inheritsync:restore"}, c.Redis)
	assert.True(t, c.Log.Logger().Enabled(t.Context(), slog.LevelDebug))
}

func TestPortEnvironment(t *testing.T) {
	t.Setenv("PORT", "1234")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":1234", c.Addr)
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("PORT", "")
	for name, content := range map[string]string{
		"driver":   "store: {driver: mongo}",
		"dsn":      "store: {driver: sqlite, dsn: ''}",
		"interval": "cache_ttl: 0s",
		"level":    "log: {level: loud}",
	} {
		_, err := Load(writeConfig(t, content))
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}

	_, err := Load(writeConfig(t, "addr: [nope"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
