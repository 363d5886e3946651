// Package engine is the per-tick risk and order state machine. Each
// canonical tick runs an ordered pipeline: pending-order triggers, SL/TP
// and PnL refresh, per-account equity aggregation, drawdown rules,
// liquidation, then individual closures. Ticks for one symbol are always
// processed in order; distinct symbols run concurrently on a sharded
// worker pool.
package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/closure"
	"github.com/propshift/riskengine/internal/config"
	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/events"
	"github.com/propshift/riskengine/internal/hotstore"
	"github.com/propshift/riskengine/internal/lifecycle"
	"github.com/propshift/riskengine/internal/metrics"
	"github.com/propshift/riskengine/internal/store"
)

// MarketGateway is the slice of the gateway the engine drives: symbol
// interest registration keyed by a subscriber id.
type MarketGateway interface {
	Subscribe(subscriberID, market, symbol, channel string) error
	Unsubscribe(subscriberID, market, symbol, channel string) error
}

// Engine monitors every live trade and pending order against the price
// stream.
type Engine struct {
	repo      *store.Repository
	hot       hotstore.Store
	closer    *closure.Service
	guard     *lifecycle.Manager
	gateway   MarketGateway
	publisher *events.Publisher
	cfg       config.EngineConfig

	stopMu  sync.RWMutex
	stopped bool
	workers []chan *domain.CanonicalTick
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	now     func() time.Time
}

// New wires the engine. Start must be called before ticks are handled.
func New(repo *store.Repository, hot hotstore.Store, closer *closure.Service, guard *lifecycle.Manager, gateway MarketGateway, publisher *events.Publisher, cfg config.EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 1024
	}
	return &Engine{
		repo:      repo,
		hot:       hot,
		closer:    closer,
		guard:     guard,
		gateway:   gateway,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start launches the symbol-sharded worker pool.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.workers = make([]chan *domain.CanonicalTick, e.cfg.Workers)
	for i := range e.workers {
		ch := make(chan *domain.CanonicalTick, e.cfg.TickBuffer)
		e.workers[i] = ch
		e.wg.Add(1)
		go e.worker(ctx, ch)
	}

	log.Info().Int("workers", e.cfg.Workers).Msg("Risk engine started")
}

// Stop closes the worker queues, drains the buffered ticks, and waits for
// in-flight processing.
func (e *Engine) Stop() {
	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return
	}
	e.stopped = true
	for _, ch := range e.workers {
		close(ch)
	}
	e.stopMu.Unlock()

	e.wg.Wait()
	if e.cancel != nil {
		e.cancel()
	}
	log.Info().Msg("Risk engine stopped")
}

// HandleTick routes a canonical tick to its symbol's worker. The same
// symbol always lands on the same worker, which preserves the pipeline
// order; a full worker drops the tick rather than block the gateway.
func (e *Engine) HandleTick(tick *domain.CanonicalTick) {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped || len(e.workers) == 0 {
		return
	}
	idx := shard(tick.Symbol, len(e.workers))
	select {
	case e.workers[idx] <- tick:
	default:
		log.Warn().Str("symbol", tick.Symbol).Msg("Worker queue full, dropping tick")
	}
}

func (e *Engine) worker(ctx context.Context, ch <-chan *domain.CanonicalTick) {
	defer e.wg.Done()
	for tick := range ch {
		e.ProcessTick(ctx, tick)
	}
}

func shard(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// ProcessTick runs the full pipeline for one tick. Faults on one trade or
// account are logged and skipped; the rest of the tick proceeds.
func (e *Engine) ProcessTick(ctx context.Context, tick *domain.CanonicalTick) {
	start := e.now()

	e.checkPendingOrders(ctx, tick)

	hits, accounts := e.refreshTrades(ctx, tick)

	violations := e.evaluateAccounts(ctx, tick, accounts)

	for accountID, reason := range violations {
		e.liquidate(ctx, accountID, reason, tick)
	}

	for _, hit := range hits {
		if _, liquidated := violations[hit.trade.AccountID]; liquidated {
			continue
		}
		e.closeHit(ctx, hit, tick)
	}

	metrics.TickLatency.Observe(e.now().Sub(start).Seconds())
}

// tradeHit is an open trade whose SL or TP was reached this tick.
type tradeHit struct {
	trade  *domain.HotTrade
	reason domain.CloseReason
}

// checkPendingOrders evaluates every pending order on the tick's symbol
// and converts triggered ones into open trades.
func (e *Engine) checkPendingOrders(ctx context.Context, tick *domain.CanonicalTick) {
	orders, err := e.hot.PendingOrdersBySymbol(ctx, tick.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to scan pending orders")
		return
	}

	for _, order := range orders {
		if !domain.ShouldTrigger(order.OrderType, order.Side, order.TriggerPrice, tick.Price) {
			continue
		}

		claimed, err := e.hot.ClaimPendingOrder(ctx, order.ID)
		if err != nil {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to claim pending order")
			continue
		}
		if claimed == nil {
			// Already executed or cancelled elsewhere.
			metrics.ClaimsLost.Inc()
			continue
		}

		if err := e.executeOrder(ctx, claimed, tick); err != nil {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to execute triggered order")
		}
	}
}

// executeOrder converts a claimed pending order into an open trade at the
// tick price, or cancels it when the account can no longer trade.
func (e *Engine) executeOrder(ctx context.Context, order *domain.HotOrder, tick *domain.CanonicalTick) error {
	account, err := e.repo.Accounts.Get(ctx, order.AccountID)
	if err != nil {
		return err
	}

	if !account.Tradable() {
		log.Info().Str("order_id", order.ID).Str("account_id", order.AccountID).
			Str("status", string(account.Status)).Msg("Cancelling triggered order on untradable account")
		if err := e.repo.Trades.Cancel(ctx, order.ID); err != nil {
			return err
		}
		return e.repo.Accounts.ReleasePendingMargin(ctx, order.AccountID, order.Margin)
	}

	executedAt := e.now().UTC()
	if err := e.repo.Trades.ExecutePending(ctx, order.ID, tick.Price, executedAt); err != nil {
		return err
	}
	if err := e.repo.Accounts.ActivatePendingMargin(ctx, order.AccountID, order.Margin); err != nil {
		return err
	}

	hot := &domain.HotTrade{
		ID:         order.ID,
		AccountID:  order.AccountID,
		Market:     order.Market,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Units:      order.Units,
		EntryPrice: tick.Price,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
	}
	if err := e.hot.SetOpenTrade(ctx, hot); err != nil {
		return err
	}
	if err := e.hot.AddAccountSymbol(ctx, order.AccountID, order.Symbol); err != nil {
		return err
	}

	metrics.OrdersTriggered.Inc()
	log.Info().Str("order_id", order.ID).Str("symbol", order.Symbol).
		Float64("entry", tick.Price).Msg("Pending order executed")
	return nil
}

// refreshTrades recomputes unrealized PnL for every open trade on the
// symbol and collects SL/TP hits plus the set of touched accounts. PnL is
// stored every tick whether or not anything hit.
func (e *Engine) refreshTrades(ctx context.Context, tick *domain.CanonicalTick) ([]tradeHit, map[string]struct{}) {
	trades, err := e.hot.TradesBySymbol(ctx, tick.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to scan open trades")
		return nil, nil
	}

	var hits []tradeHit
	accounts := make(map[string]struct{})

	for _, trade := range trades {
		pnl := domain.UnrealizedPnL(trade.EntryPrice, tick.Price, trade.Units, trade.Side)
		if err := e.hot.SetTradePnL(ctx, trade.AccountID, trade.ID, pnl); err != nil {
			log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to store trade PnL")
			continue
		}
		accounts[trade.AccountID] = struct{}{}

		switch {
		case trade.StopLoss != nil && domain.HitStopLoss(trade.Side, *trade.StopLoss, tick.Price):
			hits = append(hits, tradeHit{trade: trade, reason: domain.ReasonStopLoss})
		case trade.TakeProfit != nil && domain.HitTakeProfit(trade.Side, *trade.TakeProfit, tick.Price):
			hits = append(hits, tradeHit{trade: trade, reason: domain.ReasonTakeProfit})
		}
	}
	return hits, accounts
}

// evaluateAccounts recomputes equity for every touched account, persists
// it to the risk snapshot, and returns the accounts violating a drawdown
// rule. Max drawdown takes precedence over daily drawdown.
func (e *Engine) evaluateAccounts(ctx context.Context, tick *domain.CanonicalTick, accounts map[string]struct{}) map[string]domain.CloseReason {
	violations := make(map[string]domain.CloseReason)

	for accountID := range accounts {
		total, err := e.hot.TotalOpenPnL(ctx, accountID)
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("Failed to total open PnL")
			continue
		}

		day := e.now().UTC().Format(dayLayout)
		snap, err := e.hot.MergeRisk(ctx, accountID, func(s *domain.RiskSnapshot) {
			equity := s.CurrentBalance + total
			s.CurrentEquity = equity
			if equity > s.HighestEquity {
				s.HighestEquity = equity
			}
			// Calendar-day rollover resets the daily baseline to the
			// first equity observed on the new day.
			if s.Day != day {
				s.Day = day
				s.CurrentDayEquity = equity
			}
		})
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("Failed to merge risk snapshot")
			continue
		}
		if snap == nil {
			// Not monitored: no bootstrap happened for this account.
			continue
		}

		switch {
		case domain.ViolatesMaxDrawdown(snap.CurrentEquity, snap.MaxDrawdownThreshold):
			violations[accountID] = domain.ReasonMaxDrawdown
		case domain.ViolatesDailyDrawdown(snap.CurrentDayEquity, snap.CurrentEquity, snap.DailyDrawdownLimit):
			violations[accountID] = domain.ReasonDailyDrawdown
		}
	}
	return violations
}

// liquidate fails the account and closes every open trade at the tick
// price with the violated-rule reason. Per-trade faults are logged and
// the sweep continues.
func (e *Engine) liquidate(ctx context.Context, accountID string, reason domain.CloseReason, tick *domain.CanonicalTick) {
	snap, err := e.hot.GetRisk(ctx, accountID)
	if err != nil || snap == nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to load risk snapshot for liquidation")
		return
	}

	log.Warn().Str("account_id", accountID).Str("rule", string(reason)).
		Float64("equity", snap.CurrentEquity).Msg("Liquidating account")

	if err := e.repo.Accounts.MarkFailed(ctx, accountID, reason, snap.CurrentEquity); err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to mark account failed")
		return
	}

	trades, err := e.hot.TradesByAccount(ctx, accountID)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to scan trades for liquidation")
		trades = nil
	}

	for _, trade := range trades {
		price := tick.Price
		if trade.Symbol != tick.Symbol {
			price = markedPrice(trade, e.tradePnL(ctx, trade))
		}
		if _, err := e.closer.CloseTradeNoPromotion(ctx, trade.ID, price, reason); err != nil {
			log.Error().Err(err).Str("trade_id", trade.ID).Msg("Liquidation sweep failed for trade, continuing")
			continue
		}
		e.deregister(ctx, trade)
	}

	if err := e.hot.PurgeAccount(ctx, accountID); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("Failed to purge liquidated account")
	}

	metrics.Liquidations.WithLabelValues(string(reason)).Inc()
	e.publisher.Publish(events.Event{
		Type:      events.TypeAccountStatusChanged,
		AccountID: accountID,
		Status:    domain.StatusFailed,
	})
}

// closeHit settles one SL/TP hit through the closure service and
// deregisters the trade from monitoring.
func (e *Engine) closeHit(ctx context.Context, hit tradeHit, tick *domain.CanonicalTick) {
	result, err := e.closer.CloseTrade(ctx, hit.trade.ID, tick.Price, hit.reason)
	if err != nil {
		log.Error().Err(err).Str("trade_id", hit.trade.ID).Msg("Failed to close hit trade")
		return
	}
	if result.Trade == nil {
		return
	}
	e.deregister(ctx, hit.trade)
}

// tradePnL reads one trade's stored unrealized PnL, defaulting to flat.
func (e *Engine) tradePnL(ctx context.Context, trade *domain.HotTrade) float64 {
	pnls, err := e.hot.AllTradePnL(ctx, trade.AccountID)
	if err != nil {
		return 0
	}
	return pnls[trade.ID]
}

// markedPrice recovers the price implied by a stored unrealized PnL for
// trades on symbols other than the current tick's.
func markedPrice(trade *domain.HotTrade, pnl float64) float64 {
	if pnl == 0 || trade.Units == 0 || trade.EntryPrice == 0 {
		return trade.EntryPrice
	}
	return trade.EntryPrice + pnl*trade.EntryPrice/(trade.Units*trade.Side.Direction())
}
