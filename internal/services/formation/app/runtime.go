package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	platformredis "github.com/louisbranch/formation/internal/platform/redis"
	"github.com/louisbranch/formation/internal/services/formation/domain/authz"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
	"github.com/louisbranch/formation/internal/services/formation/observability"
	"github.com/louisbranch/formation/internal/services/formation/outbox"
	"github.com/louisbranch/formation/internal/services/formation/outbox/kafka"
	"github.com/louisbranch/formation/internal/services/formation/rules"
	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/integrity"
	"github.com/louisbranch/formation/internal/services/formation/storage/memory"
	"github.com/louisbranch/formation/internal/services/formation/storage/postgres"
	redisstore "github.com/louisbranch/formation/internal/services/formation/storage/redis"
	"github.com/louisbranch/formation/internal/services/formation/storage/sqlite"
)

// Runtime is an opened service with its backing resources.
type Runtime struct {
	Service  *Service
	Store    storage.Store
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	// Relay is nil unless Kafka brokers are configured.
	Relay *outbox.Relay

	redis     *platformredis.Client
	publisher *kafka.Publisher
}

// Open builds a Runtime from cfg. Callers must Close it.
func Open(ctx context.Context, cfg Config) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	formationRules, err := rules.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	rt = &Runtime{Registry: prometheus.NewRegistry()}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Metrics = observability.New(rt.Registry)
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	keyring, err := integrity.KeyringFromEnv()
	switch {
	case errors.Is(err, integrity.ErrKeyringNotConfigured):
		log.Printf("event hmac key not configured; journal chains stay unsigned")
		keyring = nil
	case err != nil:
		return nil, fmt.Errorf("load event keyring: %w", err)
	}

	rt.Store, err = openStore(ctx, cfg, keyring)
	if err != nil {
		return nil, err
	}

	var grants command.GrantVerifier
	grantCfg, err := authz.ConfigFromEnv()
	switch {
	case errors.Is(err, authz.ErrNotConfigured):
		log.Printf("regression grant verifier not configured; regression.authorize is rejected")
	case err != nil:
		return nil, fmt.Errorf("load regression grant config: %w", err)
	default:
		verifier, err := authz.NewVerifier(grantCfg)
		if err != nil {
			return nil, fmt.Errorf("build regression grant verifier: %w", err)
		}
		grants = verifier
	}

	var snapshots snapshot.Store
	if cfg.CacheEnabled {
		snapshots = snapshot.NewMemory()
		rt.redis, err = platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		if rt.redis != nil {
			shared, err := redisstore.NewSnapshotStore(rt.redis.Client, redisstore.WithTTL(cfg.RedisSnapshotTTL))
			if err != nil {
				return nil, fmt.Errorf("build redis snapshot store: %w", err)
			}
			snapshots = shared
		}
	}

	rt.Service, err = NewService(Deps{
		Store:       rt.Store,
		Rules:       formationRules,
		Grants:      grants,
		Snapshots:   snapshots,
		Metrics:     rt.Metrics,
		MaxAttempts: cfg.MaxAppendAttempts,
	})
	if err != nil {
		return nil, err
	}

	if cfg.OutboxEnabled() {
		outboxStore, ok := rt.Store.(storage.OutboxStore)
		if !ok {
			return nil, fmt.Errorf("store %s has no outbox", cfg.Store)
		}
		rt.publisher, err = kafka.New(ctx, cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		rt.Relay, err = outbox.NewRelay(outboxStore, rt.publisher, outbox.Config{
			BatchSize:    cfg.OutboxBatchSize,
			PollInterval: cfg.OutboxPollInterval,
		}, outbox.WithObserver(rt.Metrics))
		if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func openStore(ctx context.Context, cfg Config, keyring *integrity.Keyring) (storage.Store, error) {
	switch cfg.Store {
	case StoreMemory:
		return memory.New(memory.WithKeyring(keyring)), nil
	case StorePostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithKeyring(keyring),
			postgres.WithOutboxEnabled(cfg.OutboxEnabled()),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		path := strings.TrimSpace(cfg.SQLitePath)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, path,
			sqlite.WithKeyring(keyring),
			sqlite.WithOutboxEnabled(cfg.OutboxEnabled()),
		)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	}
}

// Close releases every resource, logging failures.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	rt.publisher.Close()
	if err := rt.redis.Close(); err != nil {
		log.Printf("close redis: %v", err)
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			log.Printf("close event store: %v", err)
		}
	}
}
