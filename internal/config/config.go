package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Database DatabaseConfig

	// Graph core settings
	Graph GraphConfig

	// Scheduled integrity sweep
	Integrity IntegrityConfig

	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"graphcore"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"graphcore"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
	// Run pending goose migrations on startup
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// Store drivers accepted by GRAPH_STORE.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// GraphConfig tunes the version store, traversal and merge engines.
type GraphConfig struct {
	// Store selects the backing store: "postgres" or "memory"
	Store string `env:"GRAPH_STORE" envDefault:"postgres"`

	// TraversalCap bounds the number of edges a traversal returns
	TraversalCap     int           `env:"GRAPH_TRAVERSAL_CAP" envDefault:"500"`
	TraversalTimeout time.Duration `env:"GRAPH_TRAVERSAL_TIMEOUT" envDefault:"10s"`

	// MergeHardLimit bounds the identities enumerated per kind in a merge
	MergeHardLimit int           `env:"GRAPH_MERGE_HARD_LIMIT" envDefault:"500"`
	DryRunTimeout  time.Duration `env:"GRAPH_DRY_RUN_TIMEOUT" envDefault:"30s"`

	// MergeExecutesPerMinute limits merge executes per tenant
	MergeExecutesPerMinute int `env:"GRAPH_MERGE_RATE" envDefault:"30"`

	// SchemaFile is a YAML schema registry; empty means no constraints
	SchemaFile     string        `env:"GRAPH_SCHEMA_FILE" envDefault:""`
	SchemaCacheTTL time.Duration `env:"GRAPH_SCHEMA_CACHE_TTL" envDefault:"5m"`
}

// UsesMemoryStore reports whether the in-process store is selected.
func (g *GraphConfig) UsesMemoryStore() bool {
	return g.Store == StoreMemory
}

// IntegrityConfig controls the scheduled version-chain integrity sweep.
type IntegrityConfig struct {
	Enabled bool `env:"INTEGRITY_ENABLED" envDefault:"true"`
	// Cron expression with seconds precision
	Schedule string `env:"INTEGRITY_SCHEDULE" envDefault:"0 */15 * * * *"`
}

// Validate rejects configurations the graph core cannot run with.
func (c *Config) Validate() error {
	switch c.Graph.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("GRAPH_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Graph.Store)
	}
	if c.Graph.TraversalCap <= 0 {
		return fmt.Errorf("GRAPH_TRAVERSAL_CAP must be positive")
	}
	if c.Graph.MergeHardLimit <= 0 {
		return fmt.Errorf("GRAPH_MERGE_HARD_LIMIT must be positive")
	}
	return nil
}

// Load parses the environment into a Config without logging.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewConfig(log *slog.Logger) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("graph_store", cfg.Graph.Store),
		slog.String("db_host", cfg.Database.Host),
	)

	return cfg, nil
}
