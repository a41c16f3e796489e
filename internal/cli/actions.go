package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/floorlog/internal/lifecycle"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/usecase"
)

type stateAction func(s *usecase.Service, ctx context.Context, code string) (model.WorkItemState, error)

func newActionCommands(opts *RootOptions) []*cobra.Command {
	return []*cobra.Command{
		newStateCommand(opts, "register <code>", "Register a work item (supervisor)", (*usecase.Service).RegisterWorkItem),
		newStateCommand(opts, "claim <code>", "Claim an unclaimed work item", (*usecase.Service).ClaimWorkItem),
		newStateCommand(opts, "start <code>", "Start work on a claimed item", (*usecase.Service).StartWork),
		newStateCommand(opts, "ready <code>", "Mark work ready for QC", (*usecase.Service).MarkReadyForQc),
		newStateCommand(opts, "restart <code>", "Start rework after a failed QC", (*usecase.Service).Restart),
	}
}

func newStateCommand(opts *RootOptions, use, short string, do stateAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				state, err := do(a.service, ctx, args[0])
				if err != nil {
					return err
				}
				return printState(f, state)
			})
		},
	}
}

// NewQcCommand groups the inspector actions.
func NewQcCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qc",
		Short: "QC inspection actions",
	}
	cmd.AddCommand(newStateCommand(opts, "start <code>", "Begin a QC inspection", (*usecase.Service).StartQcInspection))
	cmd.AddCommand(newQcOutcomeCommand(opts, true))
	cmd.AddCommand(newQcOutcomeCommand(opts, false))
	return cmd
}

func newQcOutcomeCommand(opts *RootOptions, pass bool) *cobra.Command {
	var (
		evidenceIDs []string
		reason      string
		comment     string
		priority    int
	)
	use, short := "fail <code>", "Record a QC failure backed by evidence"
	if pass {
		use, short = "pass <code>", "Record a QC pass backed by evidence"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app, f *OutputFormatter) error {
				qc := lifecycle.QcOptions{Comment: comment, Priority: priority}
				var (
					state model.WorkItemState
					err   error
				)
				if pass {
					state, err = a.service.PassQc(ctx, args[0], evidenceIDs, qc)
				} else {
					state, err = a.service.FailQc(ctx, args[0], reason, evidenceIDs, qc)
				}
				if err != nil {
					return err
				}
				return printState(f, state)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&evidenceIDs, "evidence", "e", nil, "evidence ids backing the outcome")
	cmd.Flags().StringVar(&comment, "comment", "", "inspector comment")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-5")
	if !pass {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "failure reason code, e.g. porosity")
	}
	return cmd
}

func printState(f *OutputFormatter, state model.WorkItemState) error {
	return f.Print(state, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %s", state.Code, state.Status)
		if state.AssigneeID != "" {
			fmt.Fprintf(w, "  assignee=%s", state.AssigneeID)
		}
		if state.QcInspectorID != "" {
			fmt.Fprintf(w, "  inspector=%s", state.QcInspectorID)
		}
		if state.ReworkCycles > 0 {
			fmt.Fprintf(w, "  rework=%d", state.ReworkCycles)
		}
		if state.LastFailReason != "" {
			fmt.Fprintf(w, "  last_fail=%s", state.LastFailReason)
		}
		fmt.Fprintln(w)
		for _, an := range state.Anomalies {
			fmt.Fprintf(w, "  ! corrupt history at seq %d (%s): %s\n", an.Seq, an.EventID, an.Detail)
		}
	})
}
