package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd starts the interactive shell when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blescope",
	Short: "Interactive Bluetooth Low Energy explorer",
	Long: `Interactive Bluetooth Low Energy (BLE) terminal tool that provides:

- Continuous discovery of nearby BLE devices
- Connecting to one device and browsing its GATT services
- Reading, writing and subscribing to characteristics
- A live log of notifications and operations
- A simulated peripheral (server mode) with served values and notifications

Run without arguments to open the interactive shell; type 'help' inside it.`,
	Version:       formatVersion(version),
	Args:          cobra.NoArgs,
	RunE:          runShell,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "blescope %s (commit %s, built %s)\n", formatVersion(version), commit, date)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")

	rootCmd.Flags().String("mode", "", "Initial mode (client, server)")
	rootCmd.Flags().String("policy", "", "Connection conflict policy (reject, replace)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
