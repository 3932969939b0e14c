package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the driving presets available to preset-based providers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		names := a.presets.Names()
		if len(names) == 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "no presets in %s\n", a.presets.Dir())
			return nil
		}
		def := a.presets.Default()
		for _, name := range names {
			marker := " "
			if name == def {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
		}
		return nil
	},
}
