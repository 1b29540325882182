// Package formation parses formation command flags and starts the service.
package formation

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/formation/internal/platform/cmd"
	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/server"
)

// Config holds formation command configuration.
type Config struct {
	App app.Config

	MCPTransport string `env:"FORMATION_MCP_TRANSPORT"`
	MCPAddr      string `env:"FORMATION_MCP_ADDR" envDefault:"localhost:8094"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.App.GRPCAddr, "grpc-addr", cfg.App.GRPCAddr, "gRPC listen address")
	fs.StringVar(&cfg.App.HTTPAddr, "http-addr", cfg.App.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.App.Store, "store", cfg.App.Store, "Event store: sqlite, postgres or memory")
	fs.StringVar(&cfg.App.SQLitePath, "sqlite-path", cfg.App.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.App.CatalogPath, "catalog", cfg.App.CatalogPath, "Rules YAML path (embedded default when empty)")
	fs.StringVar(&cfg.MCPTransport, "mcp", cfg.MCPTransport, "Advisory MCP transport: stdio or http (disabled when empty)")
	fs.StringVar(&cfg.MCPAddr, "mcp-addr", cfg.MCPAddr, "Advisory MCP HTTP address")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.App.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the formation service and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceFormation, func(ctx context.Context) error {
		srv, err := server.New(ctx, cfg.App, server.Options{
			MCPTransport: cfg.MCPTransport,
			MCPAddr:      cfg.MCPAddr,
		})
		if err != nil {
			return err
		}
		return srv.Serve(ctx)
	})
}
