package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pqsky/skybridge/pkg/suites"
)

func newSuitesCmd() *cobra.Command {
	var level int

	cmd := &cobra.Command{
		Use:   "suites",
		Short: "List the registered cipher suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			list := suites.List()
			if level > 0 {
				list = suites.ForLevel(level)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SUITE\tLEVEL\tKEM\tSIGNATURE\tAEAD")
			for _, s := range list {
				def := ""
				if s.ID == suites.DefaultSuiteID {
					def = " (default)"
				}
				fmt.Fprintf(w, "%s%s\t%d\t%s\t%s\t%s\n",
					s.ID, def, s.Level, s.KEM.Name, s.Sig.Name, s.AEAD.Name)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&level, "level", 0, "only suites at this NIST level (1, 3 or 5)")
	return cmd
}
