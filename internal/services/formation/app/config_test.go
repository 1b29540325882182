package app

import (
	"context"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		store   string
	}{
		{name: "default sqlite", cfg: Config{SQLitePath: "data/f.db"}, store: StoreSQLite},
		{name: "case folded", cfg: Config{Store: " Memory "}, store: StoreMemory},
		{name: "postgres needs dsn", cfg: Config{Store: "postgres"}, wantErr: true},
		{name: "unknown store", cfg: Config{Store: "mongo"}, wantErr: true},
		{name: "sqlite needs path", cfg: Config{Store: "sqlite"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.Store != tt.store {
				t.Fatalf("store = %q, want %q", cfg.Store, tt.store)
			}
			if err == nil && cfg.MaxAppendAttempts != 3 {
				t.Fatalf("max attempts = %d, want 3", cfg.MaxAppendAttempts)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FORMATION_STORE", "memory")
	t.Setenv("FORMATION_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("FORMATION_KAFKA_TOPIC", "journeys")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.GRPCAddr != ":8092" || cfg.HTTPAddr != ":8093" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" || cfg.Kafka.Topic != "journeys" {
		t.Fatalf("nested config = %+v / %+v", cfg.Redis, cfg.Kafka)
	}
	if cfg.OutboxEnabled() {
		t.Fatal("outbox must stay disabled without brokers")
	}
}

func TestLoadConfigRejectsMemoryWithKafka(t *testing.T) {
	t.Setenv("FORMATION_STORE", "memory")
	t.Setenv("FORMATION_KAFKA_BROKERS", "localhost:9092")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for memory store with kafka")
	}
}

func TestOpenMemoryRuntime(t *testing.T) {
	t.Setenv("FORMATION_EVENT_HMAC_KEY", "")
	t.Setenv("FORMATION_EVENT_HMAC_KEYS", "")
	t.Setenv("FORMATION_REGRESSION_GRANT_PUBLIC_KEY", "")

	rt, err := Open(context.Background(), Config{Store: StoreMemory, CacheEnabled: true})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if rt.Service == nil || rt.Relay != nil {
		t.Fatalf("runtime = %+v, want service without relay", rt)
	}
	if _, err := rt.Registry.Gather(); err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
}
