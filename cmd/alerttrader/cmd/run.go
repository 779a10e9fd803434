package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"github.com/rustyeddy/alerttrader/alert"
	"github.com/rustyeddy/alerttrader/audit"
	"github.com/rustyeddy/alerttrader/broker/alpaca"
	"github.com/rustyeddy/alerttrader/config"
	"github.com/rustyeddy/alerttrader/dispatch"
	"github.com/rustyeddy/alerttrader/ledger"
	"github.com/rustyeddy/alerttrader/reconcile"
	"github.com/rustyeddy/alerttrader/strategy"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading service",
	Long: `Run the alert-driven trading service.

Startup order matters: the event loop and broker streams come up first, then
reconciliation settles local state against the broker, and only then are new
entries enabled. Alerts arriving before that are dropped.

Credentials come from ALPACA_KEY_ID and ALPACA_SECRET_KEY.

Example:
  alerttrader run -f config.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.MarkFlagRequired("config")
}

func brokerCreds() (string, string, error) {
	key := os.Getenv("ALPACA_KEY_ID")
	secret := os.Getenv("ALPACA_SECRET_KEY")
	if key == "" || secret == "" {
		return "", "", fmt.Errorf("ALPACA_KEY_ID and ALPACA_SECRET_KEY must be set")
	}
	return key, secret, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	key, secret, err := brokerCreds()
	if err != nil {
		return err
	}

	env := "live"
	if cfg.Broker.Paper {
		env = "paper"
	}
	logs.Infof("starting alerttrader (%s), strategy %s, db %s", env, cfg.Strategy.ID, cfg.Service.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	rt := strategy.NewRuntime(cfg.Strategy)
	d := dispatch.New(cfg, store, client, rt)

	dataStream := alpaca.NewDataStream(key, secret, d)
	rt.OnSubscribe = dataStream.Subscribe
	rt.OnUnsubscribe = dataStream.Unsubscribe

	tradeStream := alpaca.NewStream(key, secret, cfg.Broker.Paper, d)

	go d.Run(ctx)
	go tradeStream.Run(ctx)
	go dataStream.Run(ctx)

	rec := reconcile.New(cfg, store, auditStore, client)
	if _, err := rec.Run(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	if err := restorePositions(cfg, store, rt); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	d.MarkReady()

	srv := alert.NewServer(cfg.Service.AlertPort, d)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("alert server: %w", err)
	}

	logs.Info("shutting down")
	d.Close()
	return nil
}

// restorePositions seeds the runtime from ledger rows that survived the
// restart, after reconciliation has already corrected their quantities.
func restorePositions(cfg *config.Config, store *ledger.Store, rt *strategy.Runtime) error {
	positions, err := store.GetOpenPositions(cfg.Strategy.ID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		levels := strategy.ExitLevels{
			Stop:        p.StopPrice,
			Take:        p.TakePrice,
			TrailingPct: p.TrailingPct,
			Timeout:     cfg.Strategy.Timeout(),
			StopFirst:   cfg.Strategy.StopFirst,
		}
		rt.RestorePosition(p.Ticker, p.Shares, p.AvgEntryPrice, p.HighestSinceEntry, p.EntryTime, levels)
		logs.Infof("[%s] restored position: %d shares @ $%.4f", p.Ticker, p.Shares, p.AvgEntryPrice)
	}
	return nil
}
