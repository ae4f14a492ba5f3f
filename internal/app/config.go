package app

import (
	"fmt"
	"strings"
	"time"

	"gridsync/internal/collab"
	"gridsync/internal/realtime"
)

// Store backends selectable with GRID_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store is memory, postgres or sqlite. Empty picks postgres when DatabaseURL is set.
	Store      string
	Columns    []string
	SQLitePath string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	// DirectoryLookup refreshes display names from <schema>.users after token verification.
	DirectoryLookup bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	AuthIssuer       string
	AuthClockSkew    time.Duration
	AuthTokenTTL     time.Duration
	PasetoPublicHex  string
	PasetoSecretHex  string
	DevTokens        string
	CommitTimeout    time.Duration
	CommitConcurrent int

	WS realtime.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	wd := collab.DefaultConfig()

	return Config{
		HTTPAddr:  EnvString("GRID_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("GRID_LOG_LEVEL", "info"),
		LogFormat: EnvString("GRID_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("GRID_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("GRID_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("GRID_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("GRID_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("GRID_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store:      strings.ToLower(EnvString("GRID_STORE", "")),
		Columns:    EnvCSV("GRID_COLUMNS", ""),
		SQLitePath: EnvString("GRID_SQLITE_PATH", "gridsync.db"),

		DatabaseURL:     EnvString("GRID_DATABASE_URL", ""),
		DBMaxConns:      EnvInt32("GRID_DB_MAX_CONNS", 10),
		DBMinConns:      EnvInt32("GRID_DB_MIN_CONNS", 0),
		DBSchema:        EnvString("GRID_DB_SCHEMA", "grid"),
		DirectoryLookup: EnvBool("GRID_DIRECTORY_LOOKUP", false),

		ReadinessRequireDB: EnvBool("GRID_READINESS_REQUIRE_DB", false),

		AuthIssuer:      EnvString("GRID_AUTH_ISSUER", "gridsync"),
		AuthClockSkew:   EnvDuration("GRID_AUTH_CLOCK_SKEW", 30*time.Second),
		AuthTokenTTL:    EnvDuration("GRID_AUTH_TOKEN_TTL", 12*time.Hour),
		PasetoPublicHex: EnvString("GRID_PASETO_V4_PUBLIC_KEY_HEX", ""),
		PasetoSecretHex: EnvString("GRID_PASETO_V4_SECRET_KEY_HEX", ""),
		DevTokens:       EnvString("GRID_DEV_TOKENS", ""),

		CommitTimeout:    EnvDuration("GRID_COMMIT_TIMEOUT", wd.CommitTimeout),
		CommitConcurrent: EnvInt("GRID_COMMIT_CONCURRENCY", wd.CommitConcurrency),

		WS: realtime.ConfigFromEnv(),
	}
}

// StoreKind resolves the effective store backend.
func (c Config) StoreKind() string {
	if c.Store != "" {
		return c.Store
	}
	if c.DatabaseURL != "" {
		return StorePostgres
	}
	return StoreMemory
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreKind() {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: GRID_STORE=postgres requires GRID_DATABASE_URL")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("config: GRID_STORE=sqlite requires GRID_SQLITE_PATH")
		}
	default:
		return fmt.Errorf("config: unknown GRID_STORE %q", c.Store)
	}

	if c.DirectoryLookup && c.DatabaseURL == "" {
		return fmt.Errorf("config: GRID_DIRECTORY_LOOKUP requires GRID_DATABASE_URL")
	}
	if c.PasetoPublicHex == "" && c.PasetoSecretHex == "" && c.DevTokens == "" {
		return fmt.Errorf("config: no identity source (set GRID_PASETO_V4_PUBLIC_KEY_HEX or GRID_DEV_TOKENS)")
	}
	return nil
}

// dbEnabled reports whether a Postgres pool is needed.
func (c Config) dbEnabled() bool {
	return c.DatabaseURL != "" && (c.StoreKind() == StorePostgres || c.DirectoryLookup || c.ReadinessRequireDB)
}
