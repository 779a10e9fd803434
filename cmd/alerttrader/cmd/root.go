package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "alerttrader",
	Short: "Alert-driven small-account equity trader",
	Long: `Alerttrader turns scanner alerts into managed small-account equity trades.

It provides tools for:
  - Running the live/paper trading service against Alpaca
  - Reconciling local state with the broker after a restart
  - Backtesting entry/exit parameters over historical minute bars
  - Inspecting the order ledger and the orphan audit trail`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
