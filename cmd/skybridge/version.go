package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pqsky/skybridge/pkg/version"
)

// Build-time variables (set via -ldflags).
var (
	buildTime = "unknown"
	gitCommit = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, version.Full())
			if buildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", buildTime)
			}
			if gitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			}
		},
	}
}
