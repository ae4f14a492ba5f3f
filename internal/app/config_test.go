package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("GRID_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("GRID_LOG_FORMAT", "pretty")
	t.Setenv("GRID_STORE", "SQLite")
	t.Setenv("GRID_SQLITE_PATH", "/tmp/grid.db")
	t.Setenv("GRID_COLUMNS", "status, priority,,owner")
	t.Setenv("GRID_COMMIT_TIMEOUT", "3s")
	t.Setenv("GRID_COMMIT_CONCURRENCY", "4")
	t.Setenv("GRID_DEV_TOKENS", "alice:1:Alice")
	t.Setenv("GRID_WS_RATE_EVENTS", "50")
	t.Setenv("GRID_DB_MAX_CONNS", "-3")

	cfg := LoadConfig()
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.Equal(t, "pretty", cfg.LogFormat)
	assert.Equal(t, StoreSQLite, cfg.StoreKind())
	assert.Equal(t, []string{"status", "priority", "owner"}, cfg.Columns)
	assert.Equal(t, 3*time.Second, cfg.CommitTimeout)
	assert.Equal(t, 4, cfg.CommitConcurrent)
	assert.Equal(t, 50, cfg.WS.RateEvents)
	assert.Equal(t, int32(10), cfg.DBMaxConns, "negative values fall back to the default")
	require.NoError(t, cfg.Validate())
}

func TestConfig_StoreKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StoreMemory, Config{}.StoreKind())
	assert.Equal(t, StorePostgres, Config{DatabaseURL: "postgres://x"}.StoreKind())
	assert.Equal(t, StoreMemory, Config{Store: StoreMemory, DatabaseURL: "postgres://x"}.StoreKind())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	ok := Config{DevTokens: "alice:1:Alice"}

	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store = "mongo" }},
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }},
		{"sqlite without path", func(c *Config) { c.Store = StoreSQLite; c.SQLitePath = " " }},
		{"directory without db", func(c *Config) { c.DirectoryLookup = true }},
		{"no identity source", func(c *Config) { c.DevTokens = "" }},
	}

	require.NoError(t, ok.Validate())
	for _, tc := range cases {
		cfg := ok
		tc.mut(&cfg)
		assert.Error(t, cfg.Validate(), tc.name)
	}

	withKey := Config{PasetoPublicHex: "00"}
	assert.NoError(t, withKey.Validate())
}

func TestConfig_DBEnabled(t *testing.T) {
	t.Parallel()

	assert.False(t, Config{}.dbEnabled())
	assert.True(t, Config{DatabaseURL: "postgres://x"}.dbEnabled())
	assert.False(t, Config{DatabaseURL: "postgres://x", Store: StoreSQLite}.dbEnabled())
	assert.True(t, Config{DatabaseURL: "postgres://x", Store: StoreSQLite, DirectoryLookup: true}.dbEnabled())
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("GRID_TEST_CSV", "")
	assert.Equal(t, []string{"a", "b"}, EnvCSV("GRID_TEST_CSV", "a, b"))
	t.Setenv("GRID_TEST_CSV", " x ,, y")
	assert.Equal(t, []string{"x", "y"}, EnvCSV("GRID_TEST_CSV", "a"))
	assert.Nil(t, EnvCSV("GRID_TEST_CSV_UNSET", ""))
}
