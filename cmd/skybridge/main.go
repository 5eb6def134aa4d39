// Command skybridge runs a post-quantum UDP tunnel endpoint and ships the
// small operational helpers that go with it: suite listing, key material
// generation and version reporting.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "skybridge",
		Short:         "Post-quantum bump-in-the-wire UDP tunnel",
		Long:          "skybridge protects a UDP link between a drone and its ground control\nstation with ML-KEM key establishment, ML-DSA authentication and AEAD framing.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newSuitesCmd(),
		newKeygenCmd(),
		newVersionCmd(),
	)
	return root
}
