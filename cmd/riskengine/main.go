package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "riskengine"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time risk management and order execution engine",
		Version: version,
		Long: `riskengine monitors funded trading accounts against live market data:
pending-order triggers, stop-loss and take-profit execution, drawdown
rule enforcement, and demo-to-live account promotion.`,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the risk engine against live market feeds",
		Long: `Connects the market data gateway, rebuilds monitoring state from the
durable store, and runs the per-tick risk pipeline until interrupted.`,
		RunE: runMonitor,
	}
	monitorCmd.Flags().String("config", "", "Path to YAML configuration file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running engine's health endpoint",
		RunE:  runHealth,
	}
	healthCmd.Flags().String("config", "", "Path to YAML configuration file")

	rootCmd.AddCommand(monitorCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
