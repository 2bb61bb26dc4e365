package main

import (
	"github.com/spf13/cobra"
)

// newVersionCmd reports the build version as structured output, in
// addition to the --version flag cobra wires automatically on the root
// command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tescmd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeResult(cmd.OutOrStdout(), flagFormat, "version",
				map[string]any{"version": version, "git_commit": gitCommit}, nil)
		},
	}
}
