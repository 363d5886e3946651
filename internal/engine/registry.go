package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/domain"
)

// TickChannel is the vendor channel carrying price ticks.
const TickChannel = "ticks"

// MonitorTrade enrolls an open trade in per-tick monitoring: risk
// snapshot bootstrap, hot registration, active-symbol tracking, and a
// gateway subscription keyed by the trade id.
func (e *Engine) MonitorTrade(ctx context.Context, trade *domain.Trade) error {
	if err := e.ensureRisk(ctx, trade.AccountID); err != nil {
		return err
	}

	hot := &domain.HotTrade{
		ID:         trade.ID,
		AccountID:  trade.AccountID,
		Market:     trade.Market,
		Symbol:     trade.Symbol,
		Side:       trade.Side,
		Units:      trade.Units,
		EntryPrice: trade.EntryPrice,
		StopLoss:   trade.StopLoss,
		TakeProfit: trade.TakeProfit,
	}
	if err := e.hot.SetOpenTrade(ctx, hot); err != nil {
		return err
	}
	if err := e.hot.SetTradePnL(ctx, trade.AccountID, trade.ID, 0); err != nil {
		return err
	}
	if err := e.hot.AddAccountSymbol(ctx, trade.AccountID, trade.Symbol); err != nil {
		return err
	}
	if err := e.gateway.Subscribe(trade.ID, trade.Market, trade.Symbol, TickChannel); err != nil {
		return fmt.Errorf("failed to subscribe %s to %s: %w", trade.ID, trade.Symbol, err)
	}
	return nil
}

// MonitorOrder enrolls a pending order: risk snapshot bootstrap, hot
// pending record, and the gateway subscription that will deliver its
// trigger tick.
func (e *Engine) MonitorOrder(ctx context.Context, trade *domain.Trade) error {
	if trade.TriggerPrice == nil {
		return fmt.Errorf("pending order %s has no trigger price", trade.ID)
	}
	if err := e.ensureRisk(ctx, trade.AccountID); err != nil {
		return err
	}

	hot := &domain.HotOrder{
		ID:           trade.ID,
		AccountID:    trade.AccountID,
		Market:       trade.Market,
		Symbol:       trade.Symbol,
		Side:         trade.Side,
		Units:        trade.Units,
		OrderType:    trade.OrderType,
		TriggerPrice: *trade.TriggerPrice,
		StopLoss:     trade.StopLoss,
		TakeProfit:   trade.TakeProfit,
		Margin:       trade.MarginRequired,
	}
	if err := e.hot.SetPendingOrder(ctx, hot); err != nil {
		return err
	}
	if err := e.gateway.Subscribe(trade.ID, trade.Market, trade.Symbol, TickChannel); err != nil {
		return fmt.Errorf("failed to subscribe %s to %s: %w", trade.ID, trade.Symbol, err)
	}
	return nil
}

// ensureRisk bootstraps the account's risk snapshot from the durable
// store on its first monitored trade or order.
func (e *Engine) ensureRisk(ctx context.Context, accountID string) error {
	snap, err := e.hot.GetRisk(ctx, accountID)
	if err != nil {
		return err
	}
	if snap != nil {
		return nil
	}

	account, err := e.repo.Accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}

	return e.hot.SetRisk(ctx, &domain.RiskSnapshot{
		AccountID:            account.ID,
		InitialBalance:       account.InitialBalance,
		DailyDrawdownLimit:   account.DailyDrawdownLimit,
		MaxDrawdownLimit:     account.MaxDrawdownLimit,
		CurrentBalance:       account.Balance,
		CurrentEquity:        account.Equity,
		HighestEquity:        account.Equity,
		MaxDrawdownThreshold: domain.MaxDrawdownThreshold(account.InitialBalance, account.MaxDrawdownLimit),
		CurrentDayEquity:     account.Equity,
		Day:                  e.now().UTC().Format(dayLayout),
	})
}

const dayLayout = "2006-01-02"

// deregister removes a settled trade from monitoring: hot record and PnL
// deletion, symbol-set maintenance, then the lifecycle-gated gateway
// unsubscribe.
func (e *Engine) deregister(ctx context.Context, trade *domain.HotTrade) {
	if err := e.hot.DeleteOpenTrade(ctx, trade); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Failed to delete hot trade")
	}

	remaining, err := e.hot.TradesByAccount(ctx, trade.AccountID)
	if err == nil {
		stillActive := false
		for _, other := range remaining {
			if other.Symbol == trade.Symbol {
				stillActive = true
				break
			}
		}
		if !stillActive {
			if err := e.hot.RemoveAccountSymbol(ctx, trade.AccountID, trade.Symbol); err != nil {
				log.Warn().Err(err).Str("account_id", trade.AccountID).Msg("Failed to update symbol set")
			}
		}
	}

	if err := e.gateway.Unsubscribe(trade.ID, trade.Market, trade.Symbol, TickChannel); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Failed to unsubscribe settled trade")
	}
}
