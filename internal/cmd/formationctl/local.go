package formationctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/formation/internal/services/formation/advisory"
	"github.com/louisbranch/formation/internal/services/formation/api/wire"
	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/rules"
	"github.com/louisbranch/formation/internal/services/formation/storage"
)

const verifyParallelism = 8

func newCatalogCommand(opts *options) *cobra.Command {
	catalog := &cobra.Command{Use: "catalog", Short: "Inspect the phase catalog and readiness rules"}
	catalog.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a rules file (the configured or embedded one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.cfg.CatalogPath
			if len(args) == 1 {
				path = args[0]
			}
			loaded, err := rules.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, def := range loaded.Catalog.Phases() {
				fmt.Fprintf(out, "%-16s checkpoints=%d next=%v\n", def.ID, len(def.Checkpoints), def.Next)
			}
			thresholds := loaded.Readiness.Config().Thresholds
			fmt.Fprintf(out, "readiness emerging=%.2f ready=%.2f\n", thresholds.Emerging, thresholds.Ready)
			return nil
		},
	})
	return catalog
}

func newEventsCommand(opts *options) *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Audit subject journals"}

	var afterSeq uint64
	var limit int
	list := &cobra.Command{
		Use:   "list <subject>",
		Short: "Print a page of raw events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				page, err := rt.Service.ListEvents(cmd.Context(), args[0], afterSeq, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), wire.NewEventPage(page, app.EventPageSize(limit)))
			})
		},
	}
	list.Flags().Uint64Var(&afterSeq, "after-seq", 0, "Only events after this sequence")
	list.Flags().IntVar(&limit, "limit", app.DefaultEventPageSize, "Page size")

	verify := &cobra.Command{
		Use:   "verify [subject...]",
		Short: "Verify hash chains and signatures (every subject by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				subjects := args
				if len(subjects) == 0 {
					var err error
					if subjects, err = rt.Service.Subjects(cmd.Context()); err != nil {
						return err
					}
				}
				return verifySubjects(cmd, rt.Service, subjects)
			})
		},
	}
	events.AddCommand(list, verify)
	return events
}

// verifySubjects checks subjects concurrently and reports every failure.
func verifySubjects(cmd *cobra.Command, svc *app.Service, subjects []string) error {
	var (
		mu     sync.Mutex
		failed int
	)
	out := cmd.OutOrStdout()
	group, ctx := errgroup.WithContext(cmd.Context())
	group.SetLimit(verifyParallelism)
	for _, subjectID := range subjects {
		group.Go(func() error {
			err := svc.VerifySubject(ctx, subjectID)
			if errors.Is(err, context.Canceled) {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				fmt.Fprintf(out, "FAIL %s: %v\n", subjectID, err)
				return nil
			}
			fmt.Fprintf(out, "ok   %s\n", subjectID)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subjects failed verification", failed, len(subjects))
	}
	return nil
}

func newJourneyCommand(opts *options) *cobra.Command {
	journey := &cobra.Command{Use: "journey", Short: "Read projected journeys"}
	journey.AddCommand(&cobra.Command{
		Use:   "show <subject>",
		Short: "Print the projected journey and its readiness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				view, err := rt.Service.GetJourney(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), view)
			})
		},
	})
	return journey
}

func newReadinessCommand(opts *options) *cobra.Command {
	readiness := &cobra.Command{Use: "readiness", Short: "Explain readiness"}
	readiness.AddCommand(&cobra.Command{
		Use:   "show <subject>",
		Short: "Print the readiness classification and its contributions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				view, err := advisory.Load(cmd.Context(), rt.Service, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				signal := view.Readiness
				fmt.Fprintf(out, "subject:        %s\n", view.SubjectID)
				fmt.Fprintf(out, "phase:          %s\n", view.Phase)
				fmt.Fprintf(out, "missing:        %v\n", view.MissingCheckpoints)
				fmt.Fprintf(out, "classification: %s\n", signal.Classification)
				fmt.Fprintf(out, "score:          %.2f (self-report %.2f)\n", signal.Score, signal.SelfReportScore)
				fmt.Fprintf(out, "supporting:     %d\n", signal.SupportingSignals)
				if signal.Held {
					fmt.Fprintln(out, "held:           ready threshold reached without enough supporting signals")
				}
				for _, c := range signal.Contributions {
					fmt.Fprintf(out, "  seq=%d %s weight=%.2f contribution=%.2f\n", c.Seq, c.Name, c.Weight, c.Value)
				}
				return nil
			})
		},
	})
	return readiness
}

func newFlaggedCommand(opts *options) *cobra.Command {
	flagged := &cobra.Command{Use: "flagged", Short: "Subjects awaiting manual inspection"}
	flagged.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subjects whose journals failed to fold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				flags, err := rt.Service.Flagged(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(flags) == 0 {
					fmt.Fprintln(out, "no flagged subjects")
					return nil
				}
				for _, flag := range flags {
					fmt.Fprintf(out, "%s seq=%d at=%s reason=%s\n", flag.SubjectID, flag.Seq, flag.FlaggedAt.Format(time.RFC3339), flag.Reason)
				}
				return nil
			})
		},
	})
	return flagged
}

func newOutboxCommand(opts *options) *cobra.Command {
	outbox := &cobra.Command{Use: "outbox", Short: "Inspect and repair the publication outbox"}
	outbox.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Count outbox rows by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withOutbox(cmd.Context(), func(store storage.OutboxStore) error {
				summary, err := store.OutboxSummary(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "pending=%d processing=%d failed=%d dead=%d\n",
					summary.Pending, summary.Processing, summary.Failed, summary.Dead)
				if !summary.OldestPendingAt.IsZero() {
					fmt.Fprintf(out, "oldest pending: %s\n", summary.OldestPendingAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	})

	var limit int
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Move dead rows back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withOutbox(cmd.Context(), func(store storage.OutboxStore) error {
				count, err := store.RequeueDeadOutbox(cmd.Context(), limit, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d rows\n", count)
				return nil
			})
		},
	}
	requeue.Flags().IntVar(&limit, "limit", 100, "Maximum rows to requeue")
	outbox.AddCommand(requeue)
	return outbox
}

func (o *options) withOutbox(ctx context.Context, fn func(storage.OutboxStore) error) error {
	return o.withRuntime(ctx, func(rt *app.Runtime) error {
		store, ok := rt.Store.(storage.OutboxStore)
		if !ok {
			return fmt.Errorf("the %s store has no outbox", o.cfg.Store)
		}
		return fn(store)
	})
}
