// Package cli implements the x402pay command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "x402pay",
		Short: "Pay for HTTP resources that answer 402 Payment Required",
		Long: `x402pay settles x402 payment challenges on Solana.

It pays with a local key (custodial mode) or hands each transaction to a
wallet for approval (interactive mode), then replays the request with the
payment proof attached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default $X402_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

// Execute runs the root command
func Execute(version string) error {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(attemptsCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(keygenCmd)

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
