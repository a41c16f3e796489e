package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/report"
	"github.com/roach88/floorlog/internal/usecase"
)

// NewReportCommand prints shift counts and failure reasons, or a per-item CSV
// summary with --csv.
func NewReportCommand(opts *RootOptions) *cobra.Command {
	var (
		from, to string
		csvOut   bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize QC outcomes for a shift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := parsePeriod(from, to)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				histories, err := a.service.Histories(ctx)
				if err != nil {
					return err
				}
				if csvOut {
					return report.WriteCSV(cmd.OutOrStdout(), report.Summary(histories))
				}

				counts := report.Shift(histories, period)
				reasons := report.FailReasons(histories, period)
				data := map[string]any{"shift": counts, "fail_reasons": reasons}
				return f.Print(data, func(w io.Writer) {
					fmt.Fprintf(w, "done %d, passed %d, failed %d\n", counts.TotalDone, counts.Passed, counts.Failed)
					for _, r := range reasons {
						fmt.Fprintf(w, "  %-20s %d\n", r.Reason, r.Count)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start, RFC3339 (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "period end, RFC3339 (exclusive)")
	cmd.Flags().BoolVar(&csvOut, "csv", false, "write the per-item summary as CSV")

	cmd.AddCommand(newKPIsCommand(opts))
	cmd.AddCommand(newBottleneckCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	return cmd
}

func newKPIsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kpis",
		Short: "Show status counts, average QC wait and QC pass rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				k, err := a.service.KPIs(ctx)
				if err != nil {
					return err
				}
				return f.Print(k, func(w io.Writer) {
					fmt.Fprintf(w, "work items %d (corrupt %d)\n", k.TotalWorkItems, k.Corrupt)
					statuses := make([]string, 0, len(k.ByStatus))
					for st := range k.ByStatus {
						statuses = append(statuses, string(st))
					}
					slices.Sort(statuses)
					for _, st := range statuses {
						fmt.Fprintf(w, "  %-14s %d\n", st, k.ByStatus[model.Status(st)])
					}
					fmt.Fprintf(w, "avg qc wait %s\n", k.AvgQcWait.Round(time.Second))
					fmt.Fprintf(w, "qc pass rate %.1f%%\n", k.QcPassRate*100)
				})
			})
		},
	}
}

func newBottleneckCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "bottleneck",
		Short: "List items waiting for QC, longest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				waiting, err := a.service.QcBottleneck(ctx, olderThan)
				if err != nil {
					return err
				}
				return f.Print(map[string]any{"waiting": waiting}, func(w io.Writer) {
					if len(waiting) == 0 {
						fmt.Fprintln(w, "no items waiting")
						return
					}
					for _, it := range waiting {
						fmt.Fprintf(w, "%-12s %-14s waiting %s\n", it.Code, it.AssigneeID, it.Wait.Round(time.Second))
					}
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only items waiting at least this long")
	return cmd
}

func newExportCommand(opts *RootOptions) *cobra.Command {
	var (
		from, to, out string
		artifacts     bool
	)
	cmd := &cobra.Command{
		Use:   "export [CODE...]",
		Short: "Write a zip of reports and the evidence index with a manifest",
		Long: `Write a zip archive holding summary.csv, shift.json and evidence.csv, plus
manifest.json listing every file with its size and SHA-256 digest. With
--artifacts the evidence files themselves are added under evidence/.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return NewExitError(ExitCommandError, "--out is required")
			}
			period, err := parsePeriod(from, to)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				var buf bytes.Buffer
				m, err := a.service.Export(ctx, &buf, usecase.ExportOptions{
					Period:    period,
					Codes:     args,
					Artifacts: artifacts,
				})
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				return f.Print(map[string]any{"path": out, "manifest": m}, func(w io.Writer) {
					fmt.Fprintf(w, "wrote %s (%d files)\n", out, len(m.Files))
					for _, warn := range m.Warnings {
						fmt.Fprintf(w, "  warning: %s\n", warn)
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive path")
	cmd.Flags().StringVar(&from, "from", "", "period start, RFC3339 (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "period end, RFC3339 (exclusive)")
	cmd.Flags().BoolVar(&artifacts, "artifacts", false, "include evidence artifacts")
	return cmd
}

func parsePeriod(from, to string) (report.Period, error) {
	var p report.Period
	var err error
	if from != "" {
		if p.From, err = time.Parse(time.RFC3339, from); err != nil {
			return p, WrapExitError(ExitCommandError, "invalid --from", err)
		}
	}
	if to != "" {
		if p.To, err = time.Parse(time.RFC3339, to); err != nil {
			return p, WrapExitError(ExitCommandError, "invalid --to", err)
		}
	}
	if !p.From.IsZero() && !p.To.IsZero() && !p.To.After(p.From) {
		return p, NewExitError(ExitCommandError, "--to must be after --from")
	}
	return p, nil
}
