// Command erc20payment runs the ERC-20 payment driver: it loads a TOML
// configuration file, opens its SQLite store, and runs the scheduler for
// every configured chain until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/config"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/engine"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/metrics"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/signer"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "erc20payment",
		Usage: "ERC-20 payment driver service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.toml", Usage: "path to the TOML configuration file"},
			&cli.StringFlag{Name: "db", Value: "erc20payment.sqlite", Usage: "path to the SQLite database file"},
			&cli.StringFlag{Name: "private-keys", EnvVars: []string{"ETH_PRIVATE_KEYS"}, Usage: "comma-separated hex-encoded signing keys"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug-level logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := buildLogger(c.Bool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(c.String("db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keys := signer.ParseKeyList(c.String("private-keys"))
	if len(keys) == 0 {
		return fmt.Errorf("missing --private-keys or ETH_PRIVATE_KEYS")
	}
	sgnr, err := signer.NewKeySetSigner(keys)
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}

	rec := metrics.NewPrometheus(prometheus.DefaultRegisterer)

	eng := engine.New(log, cfg, st, sgnr, rec)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("engine starting", zap.Strings("signer_addresses", sgnr.Addresses()), zap.Int("chains", len(cfg.Chain)))
	eng.Run(ctx)
	log.Info("engine stopped")
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
