package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/alerttrader/audit"
	"github.com/rustyeddy/alerttrader/broker/alpaca"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/ledger"
	"github.com/rustyeddy/alerttrader/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile local state with the broker",
	Long: `Run one reconciliation pass without starting the trading service.

Orphaned broker orders are recorded and, past their age limit, cancelled;
local open orders are settled against broker truth; position quantities are
corrected to match the broker.

With --dry-run nothing is written or cancelled, only reported.`,
	RunE: runReconcile,
}

var (
	reconcileConfigPath string
	reconcileDryRun     bool
	reconcileDisable    bool
)

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVarP(&reconcileConfigPath, "config", "f", "", "path to config file (required)")
	reconcileCmd.MarkFlagRequired("config")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report actions without taking them")
	reconcileCmd.Flags().BoolVar(&reconcileDisable, "disable", false, "liquidate all positions so the strategy can be disabled")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(reconcileConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	key, secret, err := brokerCreds()
	if err != nil {
		return err
	}

	store, err := ledger.NewStore(cfg.Service.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	auditStore, err := audit.NewStoreWithDB(store.DB())
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}

	client := alpaca.NewClient(key, secret, cfg.Broker.Paper)
	rec := reconcile.New(cfg, store, auditStore, client)
	rec.DryRun = reconcileDryRun

	ctx := context.Background()
	rep, err := rec.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Broker open orders:    %d\n", rep.BrokerOpenOrders)
	fmt.Printf("Broker positions:      %d\n", rep.BrokerPositions)
	fmt.Printf("Orphan orders:         %d (auto-cancelled %d, cancel failed %d)\n",
		rep.OrphanOrders, rep.AutoCancelled, rep.CancelFailed)
	fmt.Printf("Orphan positions:      %d\n", rep.OrphanPositions)
	fmt.Printf("Local orders replayed: %d\n", rep.LocalOrdersReplayed)
	fmt.Printf("Local orders failed:   %d\n", rep.LocalOrdersFailed)
	fmt.Printf("Positions corrected:   %d\n", rep.PositionsCorrected)
	fmt.Printf("Positions closed:      %d\n", rep.PositionsClosed)

	if !reconcileDisable {
		return nil
	}

	if err := rec.DisableStrategy(ctx); err != nil {
		return fmt.Errorf("strategy must stay enabled: %w", err)
	}
	fmt.Println("All positions closed; strategy may be disabled in the config.")
	return nil
}
