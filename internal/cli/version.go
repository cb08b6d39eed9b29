package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the daemon version string.
const Version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nettingd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nettingd %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
