// Package cli implements the oprd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LeJamon/goOPRd/internal/logging"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "oprd",
	Short: "oprd - Open Product Recovery federation node",
	Long: `oprd hosts one or more product recovery organizations: it ingests
offers from configured producers, lists them to federated peers under
the configured policies and serves the accept, reject, reserve and
history operations of the federation API.`,
	Version: "0.1.0-dev",
}

// Execute runs the command tree. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output to console after startup")
}

// newLogger picks the logger the global flags ask for.
func newLogger() logging.Logger {
	if quiet {
		return logging.NopLogger{}
	}
	if debug || verbose {
		return logging.NewDebugLogger()
	}
	return logging.NewDefaultLogger()
}
