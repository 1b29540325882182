package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/formation/internal/platform/config"
	platformredis "github.com/louisbranch/formation/internal/platform/redis"
	"github.com/louisbranch/formation/internal/services/formation/domain/engine"
	"github.com/louisbranch/formation/internal/services/formation/outbox/kafka"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the service environment.
type Config struct {
	GRPCAddr string `env:"FORMATION_GRPC_ADDR" envDefault:":8092"`
	HTTPAddr string `env:"FORMATION_HTTP_ADDR" envDefault:":8093"`

	Store       string `env:"FORMATION_STORE" envDefault:"sqlite"`
	SQLitePath  string `env:"FORMATION_SQLITE_PATH" envDefault:"data/formation.db"`
	PostgresDSN string `env:"FORMATION_POSTGRES_DSN"`

	CatalogPath       string `env:"FORMATION_CATALOG_PATH"`
	CacheEnabled      bool   `env:"FORMATION_CACHE_ENABLED" envDefault:"true"`
	MaxAppendAttempts int    `env:"FORMATION_MAX_APPEND_ATTEMPTS" envDefault:"3"`

	// Redis shares snapshots between processes when URL is set.
	Redis            platformredis.Config `envPrefix:"FORMATION_REDIS_"`
	RedisSnapshotTTL time.Duration        `env:"FORMATION_REDIS_SNAPSHOT_TTL"`

	// Kafka enables the outbox and its relay when brokers are set.
	Kafka              kafka.Config  `envPrefix:"FORMATION_KAFKA_"`
	OutboxBatchSize    int           `env:"FORMATION_OUTBOX_BATCH_SIZE" envDefault:"50"`
	OutboxPollInterval time.Duration `env:"FORMATION_OUTBOX_POLL_INTERVAL" envDefault:"2s"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes the store selection and checks required settings.
func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		c.Store = StoreSQLite
	}
	switch c.Store {
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("FORMATION_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("FORMATION_POSTGRES_DSN is required for the postgres store")
		}
	case StoreMemory:
		if c.Kafka.Enabled() {
			return fmt.Errorf("the memory store has no outbox; unset FORMATION_KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("FORMATION_STORE %q must be sqlite, postgres or memory", c.Store)
	}
	if c.MaxAppendAttempts <= 0 {
		c.MaxAppendAttempts = engine.DefaultMaxAttempts
	}
	return nil
}

// OutboxEnabled reports whether appended events are queued for publication.
func (c Config) OutboxEnabled() bool {
	return c.Kafka.Enabled()
}
