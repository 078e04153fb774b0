package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags, grounded on Raven's
// cmd/raven version command.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the wfhostd version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}
