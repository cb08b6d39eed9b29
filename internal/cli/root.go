// Package cli wires the cobra command tree for the nettingd daemon.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nettingd",
	Short: "nettingd - temporal netting settlement daemon",
	Long: `nettingd accepts signed off-chain trade intents from session keys,
nets them in time windows into per-item final transfers and per-wallet net
cash deltas, and commits each batch to the settlement ledger as a Merkle
root with a data-availability pointer. A shadow indexer rebuilds queryable
ownership and balance state from the committed stream.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output to console after startup")
}
