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

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bleng",
	Short: "BLE central engine",
	Long: `Host-side Bluetooth Low Energy central engine:

- Scan and discover nearby BLE devices
- Connect with automatic pairing, bonding and MTU negotiation
- Issue correlated request/response commands over GATT characteristics
- Manage persisted bonding keys

Runs against the kernel HCI user channel; the adapter must be down
(hciconfig hciN down) and the process needs CAP_NET_ADMIN.`,
	Version: formatVersion(version),
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
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(keysCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("adapter", -1, "HCI adapter index (overrides config)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
