package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/alerttrader/backtest"
	"github.com/rustyeddy/alerttrader/broker/alpaca"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/market"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Backtest the strategy over historical minute bars",
	Long: `Replay historical minute bars through the live entry/exit rules.

Bars come either from a CSV file (time,open,high,low,close,volume) or are
fetched from the Alpaca data API when --from/--to are given.

Examples:
  alerttrader backtest -f config.yaml --ticker ABCD --csv bars.csv
  alerttrader backtest -f config.yaml --ticker ABCD --from 2026-08-01 --to 2026-08-28`,
	RunE: runBacktest,
}

var (
	btConfigPath string
	btTicker     string
	btCSVPath    string
	btFrom       string
	btTo         string
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	backtestCmd.Flags().StringVarP(&btConfigPath, "config", "f", "", "path to config file (required)")
	backtestCmd.MarkFlagRequired("config")
	backtestCmd.Flags().StringVar(&btTicker, "ticker", "", "ticker to backtest (required)")
	backtestCmd.MarkFlagRequired("ticker")
	backtestCmd.Flags().StringVar(&btCSVPath, "csv", "", "CSV file of minute bars")
	backtestCmd.Flags().StringVar(&btFrom, "from", "", "fetch start date (YYYY-MM-DD)")
	backtestCmd.Flags().StringVar(&btTo, "to", "", "fetch end date (YYYY-MM-DD)")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(btConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bars, err := loadBars()
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return fmt.Errorf("no bars to replay")
	}

	sim := backtest.NewSimulator(cfg.Strategy)
	results := sim.Run(btTicker, bars)

	backtest.Print(os.Stdout, btTicker, backtest.Summarize(results))

	for _, r := range results {
		flag := ""
		if r.EndOfData {
			flag = " (end of data)"
		}
		fmt.Printf("%s  %4d sh  in %.4f  out %.4f  %+6.2f%%  %s%s\n",
			r.EntryTime.Format("2006-01-02 15:04"), r.Shares,
			r.EntryPrice, r.ExitPrice, r.ReturnPct(), r.Reason, flag)
	}
	return nil
}

func loadBars() ([]market.Bar, error) {
	if btCSVPath != "" {
		return backtest.LoadBarsCSV(btCSVPath)
	}
	if btFrom == "" || btTo == "" {
		return nil, fmt.Errorf("either --csv or both --from and --to are required")
	}

	from, err := time.Parse("2006-01-02", btFrom)
	if err != nil {
		return nil, fmt.Errorf("bad --from: %w", err)
	}
	to, err := time.Parse("2006-01-02", btTo)
	if err != nil {
		return nil, fmt.Errorf("bad --to: %w", err)
	}

	key, secret, err := brokerCreds()
	if err != nil {
		return nil, err
	}
	client := alpaca.NewClient(key, secret, true)
	return client.GetBars(context.Background(), btTicker, from, to.Add(24*time.Hour))
}
