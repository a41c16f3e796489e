package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/floorlog/internal/config"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/syncqueue"
)

// NewSyncCommand drains the sync queue once, or continuously with --watch.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued events to the remote authority",
		Long: `Push queued events to the remote authority.

Without --watch a single pass is made over the due entries. With --watch
the drainer recovers entries left in flight by an earlier run and keeps
draining until interrupted.

The remote must keep its history between runs: configure remote.kind as
http or dynamo, or pass --remote with the URL of a floorlog serve instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				if !a.cfg.Remote.Durable() {
					kind := a.cfg.Remote.Kind
					if kind == config.RemoteNone {
						kind = "none"
					}
					return NewExitError(ExitCommandError, fmt.Sprintf(
						"cannot sync with remote kind %q: configure an http or dynamo remote, or pass --remote", kind))
				}
				if watch {
					err := a.drainer.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}

				if _, err := a.drainer.Recover(ctx); err != nil {
					return err
				}
				sum, err := a.drainer.DrainOnce(ctx)
				if err != nil {
					return err
				}
				return printSummary(f, sum)
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep draining until interrupted")
	cmd.Flags().StringVar(&opts.remoteURL, "remote", "", "URL of the http remote authority for this run")
	return cmd
}

func printSummary(f *OutputFormatter, sum syncqueue.Summary) error {
	data := map[string]int{
		"sent":       sum.Sent,
		"settled":    sum.Settled,
		"retried":    sum.Retried,
		"failed":     sum.Failed,
		"conflicted": sum.Conflicted,
	}
	return f.Print(data, func(w io.Writer) {
		fmt.Fprintf(w, "sent %d, settled %d, retried %d, failed %d, conflicted %d\n",
			sum.Sent, sum.Settled, sum.Retried, sum.Failed, sum.Conflicted)
	})
}

// NewQueueCommand groups sync queue inspection and repair.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the offline sync queue",
	}
	cmd.AddCommand(
		newQueueListCommand(opts),
		newQueueCountsCommand(opts),
		newQueueResolveCommand(opts),
		newQueueRetryCommand(opts),
	)
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				entries, err := a.service.QueueEntries(ctx, model.SyncStatus(status), limit)
				if err != nil {
					return err
				}
				return f.Print(entries, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tITEM\tSEQ\tSTATUS\tATTEMPTS\tNEXT\tRESOLUTION\tLAST ERROR")
					for _, e := range entries {
						resolution := string(e.Resolution)
						if resolution == "" {
							resolution = "-"
						}
						fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
							e.ID, e.WorkItemCode, e.Seq, e.Status, e.AttemptCount,
							formatTime(e.NextAttemptAt), resolution, e.LastError)
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only entries with this status (Pending|InFlight|Settled|Conflicted|Failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to list (0 for all)")
	return cmd
}

func newQueueCountsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count sync queue entries by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				counts, err := a.service.QueueCounts(ctx)
				if err != nil {
					return err
				}
				return f.Print(counts, func(w io.Writer) {
					for _, s := range []model.SyncStatus{
						model.SyncPending, model.SyncInFlight, model.SyncSettled, model.SyncConflicted, model.SyncFailed,
					} {
						fmt.Fprintf(w, "%-10s %d\n", s, counts[s])
					}
				})
			})
		},
	}
}

func newQueueResolveCommand(opts *RootOptions) *cobra.Command {
	var discard, resubmit bool
	cmd := &cobra.Command{
		Use:   "resolve <entry-id>",
		Short: "Resolve a conflicted entry by discarding or resubmitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			var resolution model.Resolution
			switch {
			case discard == resubmit:
				return NewExitError(ExitCommandError, "exactly one of --discard or --resubmit is required")
			case discard:
				resolution = model.ResolutionDiscarded
			default:
				resolution = model.ResolutionResubmitted
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				res, err := a.service.ResolveConflict(ctx, id, resolution)
				if err != nil {
					return err
				}
				return f.Print(res, func(w io.Writer) {
					fmt.Fprintf(w, "entry %d %s; %s is %s\n", res.Entry.ID, res.Entry.Resolution, res.State.Code, res.State.Status)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&discard, "discard", false, "drop the local event and keep the remote history")
	cmd.Flags().BoolVar(&resubmit, "resubmit", false, "re-issue the action against the current state")
	return cmd
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Return a failed entry to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				entry, err := a.service.RetryFailed(ctx, id)
				if err != nil {
					return err
				}
				return f.Print(entry, func(w io.Writer) {
					fmt.Fprintf(w, "entry %d is %s\n", entry.ID, entry.Status)
				})
			})
		},
	}
}

func parseEntryID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid entry id %q", s))
	}
	return id, nil
}
