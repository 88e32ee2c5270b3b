// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loopwire",
	Short: "Loopwire - reliable transport over a simulated lossy network",
	Long: `Loopwire delivers arbitrary-length byte transmissions reliably between
sender and receiver roles in the same process, on top of a deliberately
unreliable packetized channel.

The engine stacks three layers:
  - a network simulator with propagation latency, serialization delay and
    configurable drop/duplicate/corrupt/reorder perturbation
  - a sliding-window sender with acknowledgement bitmaps and retransmission
  - a multi-transmission receiver reassembling out-of-order packets`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when omitted)")
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
