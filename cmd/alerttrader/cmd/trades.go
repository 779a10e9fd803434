package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List completed trades",
	Long:  `List completed round trips recorded in the ledger for a date range.`,
	RunE:  runTrades,
}

var (
	tradesFrom string
	tradesTo   string
)

func init() {
	rootCmd.AddCommand(tradesCmd)

	tradesCmd.Flags().StringVarP(&ordersConfigPath, "config", "f", "", "path to config file (required)")
	tradesCmd.MarkFlagRequired("config")
	tradesCmd.Flags().StringVar(&tradesFrom, "from", "", "start date (YYYY-MM-DD), default 7 days ago")
	tradesCmd.Flags().StringVar(&tradesTo, "to", "", "end date (YYYY-MM-DD), default tomorrow")
}

func runTrades(cmd *cobra.Command, args []string) error {
	store, _, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now().UTC().AddDate(0, 0, -7)
	end := time.Now().UTC().AddDate(0, 0, 1)
	if tradesFrom != "" {
		if start, err = time.Parse("2006-01-02", tradesFrom); err != nil {
			return fmt.Errorf("bad --from: %w", err)
		}
	}
	if tradesTo != "" {
		if end, err = time.Parse("2006-01-02", tradesTo); err != nil {
			return fmt.Errorf("bad --to: %w", err)
		}
		end = end.AddDate(0, 0, 1)
	}

	trades, err := store.ListTradesClosedBetween(start, end)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Println("No trades in range.")
		return nil
	}

	var pnl float64
	for _, t := range trades {
		pnl += t.PnL
		fmt.Printf("%s  %-5s %4d sh  in %.4f  out %.4f  %+6.2f%%  $%+8.2f  %s\n",
			t.ExitTime.Format("2006-01-02 15:04"), t.Ticker, t.Shares,
			t.EntryPrice, t.ExitPrice, t.ReturnPct, t.PnL, t.ExitReason)
	}
	fmt.Printf("\n%d trades, net P/L $%+.2f\n", len(trades), pnl)
	return nil
}
