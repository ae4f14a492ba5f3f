// Package cli implements the gridsync command line.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the gridsync CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gridsync",
		Short: "Real-time collaborative grid editing server",
		Long: `gridsync lets several people edit one table at once.

Each cell is edited by at most one participant at a time; everyone else sees who
holds it, watches the draft, and receives the committed value as soon as it is stored.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewTokenCommand())
	cmd.AddCommand(NewKeygenCommand())
	cmd.AddCommand(NewWatchCommand())

	return cmd
}
