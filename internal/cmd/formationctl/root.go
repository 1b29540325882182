// Package formationctl implements the formation operator CLI.
package formationctl

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	entrypoint "github.com/louisbranch/formation/internal/platform/cmd"
	"github.com/louisbranch/formation/internal/services/formation/app"
)

// version is set at build time via -ldflags.
var version = "dev"

// options is shared by every subcommand.
type options struct {
	cfg     app.Config
	addr    string
	httpURL string
	// open builds the runtime for local commands; tests replace it.
	open func(ctx context.Context, cfg app.Config) (*app.Runtime, error)
}

// NewRootCommand builds the formationctl command tree. Environment defaults
// are read once; persistent flags override them.
func NewRootCommand() (*cobra.Command, error) {
	opts := &options{open: app.Open}
	if err := entrypoint.ParseConfig(&opts.cfg); err != nil {
		return nil, err
	}
	return newRootCommand(opts), nil
}

func newRootCommand(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "formationctl",
		Short:         "Operate formation journals, grants and the outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&opts.cfg.Store, "store", opts.cfg.Store, "Event store: sqlite, postgres or memory")
	f.StringVar(&opts.cfg.SQLitePath, "sqlite-path", opts.cfg.SQLitePath, "SQLite database path")
	f.StringVar(&opts.cfg.PostgresDSN, "postgres-dsn", opts.cfg.PostgresDSN, "Postgres DSN")
	f.StringVar(&opts.cfg.CatalogPath, "catalog", opts.cfg.CatalogPath, "Rules YAML path (embedded default when empty)")
	f.StringVar(&opts.addr, "addr", opts.addr, "Formation gRPC address for remote commands")
	f.StringVar(&opts.httpURL, "http-url", opts.httpURL, "Formation HTTP base URL for remote commands")

	root.AddCommand(
		newCatalogCommand(opts),
		newEventsCommand(opts),
		newJourneyCommand(opts),
		newReadinessCommand(opts),
		newFlaggedCommand(opts),
		newOutboxCommand(opts),
		newGrantCommand(),
		newSubmitCommand(opts),
		newHealthCommand(opts),
	)
	return root
}

// Execute runs formationctl with args.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, err := NewRootCommand()
	if err != nil {
		return err
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceFormationCtl, root.ExecuteContext)
}

// withRuntime opens the runtime, runs fn and closes it. The outbox relay is
// never started by the CLI.
func (o *options) withRuntime(ctx context.Context, fn func(*app.Runtime) error) error {
	rt, err := o.open(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func writeJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
