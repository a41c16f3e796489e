// Package cli implements the floorlog command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
	As      string
	Role    string

	// remoteURL is set by `sync --remote` and points the device at an http
	// authority for that run.
	remoteURL string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the floorlog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "floorlog",
		Short: "floorlog - shop floor work item log",
		Long: `Record work item lifecycle events on a shop floor tablet.

Every action is appended to a local event log and queued for delivery to the
remote authority, so operators keep working while offline. QC outcomes must be
backed by evidence that satisfies the active QC policy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (.toml, .yaml or .json)")
	cmd.PersistentFlags().StringVar(&opts.As, "as", "", "operator id (env FLOORLOG_ACTOR)")
	cmd.PersistentFlags().StringVar(&opts.Role, "role", "", "operator role: assembler, qc_inspector or supervisor (env FLOORLOG_ROLE)")

	cmd.AddCommand(newActionCommands(opts)...)
	cmd.AddCommand(NewQcCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewItemsCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewEvidenceCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
