package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/propshift/riskengine/internal/closure"
	"github.com/propshift/riskengine/internal/config"
	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/engine"
	"github.com/propshift/riskengine/internal/events"
	"github.com/propshift/riskengine/internal/gateway"
	"github.com/propshift/riskengine/internal/hotstore"
	"github.com/propshift/riskengine/internal/lifecycle"
	"github.com/propshift/riskengine/internal/ops"
	"github.com/propshift/riskengine/internal/orders"
	"github.com/propshift/riskengine/internal/store"
	"github.com/propshift/riskengine/internal/store/postgres"
)

func runMonitor(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect durable store: %w", err)
	}
	defer manager.Close()
	repo := manager.Repository()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.HotStore.Addr,
		Password: cfg.HotStore.Password,
		DB:       cfg.HotStore.DB,
	})
	defer rdb.Close()
	hot := hotstore.NewRedisStore(rdb, cfg.HotStore.Timeout)
	if err := hot.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect hot store: %w", err)
	}

	publisher := events.NewPublisher()
	defer publisher.Close()
	go consumeEvents(publisher.Subscribe())

	guard := lifecycle.NewManager(hot)
	gw := gateway.New(cfg.Gateway, guard)
	defer gw.Close()

	closer, _ := closure.NewServices(repo, hot, publisher, cfg.Engine.MinProfitDays)

	eng := engine.New(repo, hot, closer, guard, gw, publisher, cfg.Engine)
	gw.OnTick(eng.HandleTick)
	eng.Start(ctx)
	defer eng.Stop()

	for _, market := range cfg.Gateway.Markets {
		if !market.Enabled {
			continue
		}
		if err := gw.InitializeMarket(market.Name); err != nil {
			return fmt.Errorf("failed to initialize market %s: %w", market.Name, err)
		}
	}

	if err := recoverMonitoring(ctx, repo, eng); err != nil {
		return err
	}

	orderSvc := orders.NewService(repo, hot, eng, gw, cfg.Orders.SpreadRate)

	server := ops.NewServer(cfg.Ops, hot, manager, orderSvc)
	server.Start()

	log.Info().Msg("Risk engine running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ops server shutdown failed")
	}
	return nil
}

// recoverMonitoring re-enrolls every open trade and pending order after a
// restart. Per-trade enrollment faults are logged and skipped so one bad
// record cannot hold the whole engine down.
func recoverMonitoring(ctx context.Context, repo *store.Repository, eng *engine.Engine) error {
	trades, err := repo.Trades.AllActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active trades for recovery: %w", err)
	}

	recovered := 0
	for _, trade := range trades {
		var err error
		switch trade.Status {
		case domain.TradeOpen:
			err = eng.MonitorTrade(ctx, trade)
		case domain.TradePending:
			err = eng.MonitorOrder(ctx, trade)
		}
		if err != nil {
			log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to recover trade monitoring")
			continue
		}
		recovered++
	}

	log.Info().Int("recovered", recovered).Int("total", len(trades)).Msg("Monitoring state rebuilt")
	return nil
}

// consumeEvents drains the notification stream. Downstream delivery
// (email, webhooks) hangs off this subscription.
func consumeEvents(ch <-chan events.Event) {
	for event := range ch {
		switch event.Type {
		case events.TypeAccountStatusChanged:
			log.Info().Str("account_id", event.AccountID).Str("status", string(event.Status)).
				Msg("Account status changed")
		case events.TypeTradeClosed:
			log.Info().Str("trade_id", event.TradeID).Str("reason", string(event.Reason)).
				Float64("pnl", event.PnL).Msg("Trade closed")
		case events.TypePromotion:
			log.Info().Str("old_account_id", event.OldAccountID).Str("new_account_id", event.NewAccountID).
				Msg("Account promoted to live")
		}
	}
}
