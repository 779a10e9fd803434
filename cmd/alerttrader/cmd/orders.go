package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/alerttrader/audit"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/ledger"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect the order ledger",
	Long: `Inspect the durable order ledger.

By default lists open orders. With --events, prints the append-only event
stream for one order. With --counts, prints order counts per status.`,
	RunE: runOrders,
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Inspect the orphan audit trail",
	Long: `List broker orders discovered without local tracking.

By default lists orphans resolved by the age-based auto-cancel. With
--by-ticker, prints orphan counts per ticker instead.`,
	RunE: runOrphans,
}

var (
	ordersConfigPath string
	ordersEventsID   string
	ordersCounts     bool
	orphansByTicker  bool
)

func init() {
	rootCmd.AddCommand(ordersCmd)
	rootCmd.AddCommand(orphansCmd)

	ordersCmd.Flags().StringVarP(&ordersConfigPath, "config", "f", "", "path to config file (required)")
	ordersCmd.MarkFlagRequired("config")
	ordersCmd.Flags().StringVar(&ordersEventsID, "events", "", "print the event stream for this order id")
	ordersCmd.Flags().BoolVar(&ordersCounts, "counts", false, "print order counts per status")

	orphansCmd.Flags().StringVarP(&ordersConfigPath, "config", "f", "", "path to config file (required)")
	orphansCmd.MarkFlagRequired("config")
	orphansCmd.Flags().BoolVar(&orphansByTicker, "by-ticker", false, "print orphan counts per ticker")
}

func openLedger() (*ledger.Store, *config.Config, error) {
	cfg, err := config.LoadFromFile(ordersConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := ledger.NewStore(cfg.Service.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, cfg, nil
}

func runOrders(cmd *cobra.Command, args []string) error {
	store, cfg, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	if ordersEventsID != "" {
		events, err := store.EventsForOrder(ordersEventsID)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%3d  %-13s  delta %4d  $%.4f  %s  [%s]\n",
				ev.Seq, ev.Kind, ev.SharesDelta, ev.Price,
				ev.Time.Format("2006-01-02 15:04:05"), ev.BrokerEventID)
		}
		return nil
	}

	if ordersCounts {
		counts, err := store.CountOrdersByStatus()
		if err != nil {
			return err
		}
		for status, n := range counts {
			fmt.Printf("%-18s %d\n", status, n)
		}
		return nil
	}

	open, err := store.GetOpenOrders(cfg.Strategy.ID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Println("No open orders.")
		return nil
	}
	for _, o := range open {
		fmt.Printf("%s  %-4s %-5s %4d/%4d  %-17s  %s  broker=%s\n",
			o.ID, o.Side, o.Ticker, o.FilledShares, o.RequestedShares,
			o.Status, o.CreatedAt.Format("2006-01-02 15:04:05"), o.BrokerOrderID)
	}
	return nil
}

func runOrphans(cmd *cobra.Command, args []string) error {
	store, _, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	auditStore, err := audit.NewStoreWithDB(store.DB())
	if err != nil {
		return err
	}

	if orphansByTicker {
		counts, err := auditStore.CountByTicker()
		if err != nil {
			return err
		}
		for ticker, n := range counts {
			fmt.Printf("%-6s %d\n", ticker, n)
		}
		return nil
	}

	orphans, err := auditStore.ListAutoCancelled()
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Println("No auto-cancelled orphan orders.")
		return nil
	}
	for _, o := range orphans {
		fmt.Printf("%s  %-4s %-5s %4d sh  created %s  cancelled %s\n",
			o.BrokerOrderID, o.Side, o.Ticker, o.Shares,
			o.OrderCreatedAt.Format("2006-01-02 15:04:05"),
			o.CancelledAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
