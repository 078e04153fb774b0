package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Global flag values, grounded on Raven's root.go pattern of package-level
// flag vars bound once in init and read from PersistentPreRunE.
var (
	flagConfig  string
	flagVerbose bool
)

var log *zap.Logger

var rootCmd = &cobra.Command{
	Use:           "wfhostd",
	Short:         "Durable workflow execution host",
	Long:          `wfhostd runs the Scheduler/Host (C5): it leases runnable workflow instances, executes their steps, and serves the HTTP Control API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if flagVerbose {
			log, err = zap.NewDevelopment()
		} else {
			log, err = zap.NewProduction()
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to wfhostd config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(Execute())
}
