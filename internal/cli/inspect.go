package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/usecase"
)

// NewShowCommand prints the current projection of one work item.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <code>",
		Short: "Show the current state of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				state, err := a.service.State(ctx, args[0])
				if err != nil {
					return err
				}
				return printState(f, state)
			})
		},
	}
}

// NewItemsCommand lists every known work item.
func NewItemsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List work items and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				states, err := a.service.WorkItems(ctx)
				if err != nil {
					return err
				}
				return f.Print(states, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "CODE\tSTATUS\tASSIGNEE\tUPDATED")
					for _, s := range states {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Code, s.Status, s.AssigneeID, formatTime(s.UpdatedAt))
					}
					tw.Flush()
				})
			})
		},
	}
}

// NewHistoryCommand prints the event log of a work item, voided events
// included.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <code>",
		Short: "Show the event history of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				events, err := a.service.History(ctx, args[0])
				if err != nil {
					return err
				}
				return f.Print(events, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "SEQ\tTYPE\tACTOR\tDEVICE\tOCCURRED\tORIGIN\tEVENT")
					for _, ev := range events {
						typ := string(ev.Type)
						if ev.Voided {
							typ += " (voided)"
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
							ev.Seq, typ, ev.ActorID, ev.DeviceID, formatTime(ev.OccurredAt), ev.Origin, ev.EventID)
					}
					tw.Flush()
				})
			})
		},
	}
}

// NewAuditCommand re-checks recorded QC outcomes against the current policy.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <code>",
		Short: "Re-evaluate recorded QC outcomes against the current policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				findings, err := a.service.Audit(ctx, args[0])
				if err != nil {
					return err
				}
				return f.Print(findings, func(w io.Writer) {
					if len(findings) == 0 {
						fmt.Fprintln(w, "no QC outcomes recorded")
						return
					}
					for _, fd := range findings {
						verdict := "ok"
						if !fd.Decision.Accepted {
							verdict = "NOT SUPPORTED: " + strings.Join(fd.Decision.Reasons, "; ")
						}
						fmt.Fprintf(w, "seq %d %s by %s (recorded %s, audited %s): %s\n",
							fd.Seq, fd.Type, fd.ActorID, fd.RecordedVersion, fd.AuditVersion, verdict)
					}
				})
			})
		},
	}
}

// NewEvidenceCommand groups evidence capture and listing.
func NewEvidenceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Capture and list QC evidence",
	}
	cmd.AddCommand(newEvidenceAddCommand(opts), newEvidenceListCommand(opts))
	return cmd
}

func newEvidenceAddCommand(opts *RootOptions) *cobra.Command {
	var (
		kind string
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "add <code> <file>",
		Short: "Capture an artifact (photo or note) for a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				file, err := os.Open(args[1])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to open artifact", err)
				}
				defer file.Close()

				item, err := a.service.CaptureEvidence(ctx, usecase.CaptureRequest{
					WorkItemCode: args[0],
					Kind:         model.EvidenceKind(kind),
					Tags:         tags,
					Artifact:     file,
				})
				if err != nil {
					return err
				}
				return f.Print(item, func(w io.Writer) {
					fmt.Fprintln(w, item.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.EvidencePhoto), "evidence kind (photo|note)")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tags, e.g. defect")
	return cmd
}

func newEvidenceListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <code>",
		Short: "List evidence captured for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				items, err := a.service.Evidence(ctx, args[0])
				if err != nil {
					return err
				}
				return f.Print(items, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tKIND\tTAGS\tCAPTURED\tBY\tBYTES")
					for _, it := range items {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
							it.ID, it.Kind, strings.Join(it.Tags, ","), formatTime(it.CapturedAt), it.CapturedBy, it.SizeBytes)
					}
					tw.Flush()
				})
			})
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
