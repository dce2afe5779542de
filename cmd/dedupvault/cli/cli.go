// Package cli implements the dedupvault command tree: the §6.6 CLI
// surface over a local datastore, tape pipeline, changer, and drive.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dedupvault/internal/apperr"
)

// runner carries what every subcommand constructor shares: the logger.
type runner struct {
	log *slog.Logger
}

// NewRootCommand returns the root "dedupvault" command with every verb
// wired in.
func NewRootCommand(logger *slog.Logger) *cobra.Command {
	r := &runner{log: logger}

	root := &cobra.Command{
		Use:           "dedupvault",
		Short:         "Deduplicating backup server with tape archival",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("output-format", "o", "text", "output format: text|json|json-pretty")

	root.AddCommand(
		r.newBackupCmd(),
		r.newRestoreCmd(),
		r.newPruneCmd(),
		r.newGarbageCollectCmd(),
		r.newIndexCmd(),
		r.newTapeCmd(),
		r.newChangerCmd(),
		r.newDriveCmd(),
		r.newScheduleCmd(),
	)
	return root
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output-format")
	return f
}

// Execute runs root and maps the result to the §6.6/§7 exit codes: 0
// success, 1 runtime error, 2 usage. Flag-parsing and positional-argument
// errors are classified BadInput here, so they exit 2 like any other
// BadInput error.
func Execute(root *cobra.Command) int {
	root.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return apperr.Wrap(apperr.ClassBadInput, c.CommandPath(), err)
	})
	var classifyArgs func(c *cobra.Command)
	classifyArgs = func(c *cobra.Command) {
		if check := c.Args; check != nil {
			c.Args = func(cmd *cobra.Command, args []string) error {
				return apperr.Wrap(apperr.ClassBadInput, cmd.CommandPath(), check(cmd, args))
			}
		}
		for _, sub := range c.Commands() {
			classifyArgs(sub)
		}
	}
	classifyArgs(root)
	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "dedupvault:", err)
	if apperr.Is(err, apperr.ClassBadInput) {
		return 2
	}
	return 1
}
