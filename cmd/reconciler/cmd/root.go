package cmd

import (
	"github.com/spf13/cobra"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Keeps a trade ledger in sync with Bitget USDT-M futures accounts",
	Long: `Reconciler polls each configured user's Bitget futures positions and
keeps a local trade ledger consistent with them: new positions are recorded,
changed ones updated, and vanished ones closed from the exchange's position
history with realized PnL, fees and ROE.

Run "reconciler serve" for the scheduler and internal HTTP API, or use the
one-shot subcommands for a single user.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./configs", "directory containing config.yml and .env")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(credentialsCmd)
}
