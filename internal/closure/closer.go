// Package closure implements the idempotent open-to-closed trade
// transition and the evaluation-to-funded account promotion it can
// trigger. The same trade may be reached by an SL/TP hit, a liquidation
// sweep, and a user close at once; the re-fetch-and-conditional-update
// idiom here resolves every such race to exactly one settlement.
package closure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/events"
	"github.com/propshift/riskengine/internal/hotstore"
	"github.com/propshift/riskengine/internal/metrics"
	"github.com/propshift/riskengine/internal/store"
)

const closureRetries = 3

// Result is what a closure returns. Callers must branch on Promoted: a
// closing trade that completes an evaluation yields a promotion result
// instead of a plain trade result.
type Result struct {
	Trade     *domain.Trade
	Account   *domain.Account
	Promoted  bool
	Promotion *PromotionResult
}

// Service closes trades against the durable store and reconciles the hot
// store afterwards.
type Service struct {
	repo      *store.Repository
	hot       hotstore.Store
	publisher *events.Publisher
	promoter  *Promoter

	// minProfitDayFraction is the share of initial balance a day's profit
	// must reach to count toward the funded trading-days requirement.
	minProfitDayFraction float64

	now func() time.Time
}

// NewService wires the closure service. The promoter handles accounts
// that hit their profit target on the closing trade.
func NewService(repo *store.Repository, hot hotstore.Store, publisher *events.Publisher, promoter *Promoter, minProfitDayFraction float64) *Service {
	return &Service{
		repo:                 repo,
		hot:                  hot,
		publisher:            publisher,
		promoter:             promoter,
		minProfitDayFraction: minProfitDayFraction,
		now:                  time.Now,
	}
}

// CloseTrade settles an open trade at execPrice. Calling it twice on the
// same trade id yields the same final balance as calling it once: the
// second call observes the closed status and returns the existing record
// unchanged.
func (s *Service) CloseTrade(ctx context.Context, tradeID string, execPrice float64, reason domain.CloseReason) (*Result, error) {
	return s.closeTrade(ctx, tradeID, execPrice, reason, true)
}

// CloseTradeNoPromotion settles a trade with the promotion check
// suppressed. The liquidation sweep uses it: a failed account stays
// failed even when settling a winning trade pushes its balance past the
// profit target.
func (s *Service) CloseTradeNoPromotion(ctx context.Context, tradeID string, execPrice float64, reason domain.CloseReason) (*Result, error) {
	return s.closeTrade(ctx, tradeID, execPrice, reason, false)
}

func (s *Service) closeTrade(ctx context.Context, tradeID string, execPrice float64, reason domain.CloseReason, checkPromotion bool) (*Result, error) {
	// Idempotency guard: the durable record decides whether there is
	// anything left to do.
	trade, err := s.repo.Trades.Get(ctx, tradeID)
	if errors.Is(err, store.ErrTradeNotFound) {
		log.Debug().Str("trade_id", tradeID).Msg("Close of unknown trade is a no-op")
		return &Result{}, nil
	}
	if err != nil {
		return nil, err
	}
	if trade.Status != domain.TradeOpen {
		return &Result{Trade: trade}, nil
	}

	pnl := domain.UnrealizedPnL(trade.EntryPrice, execPrice, trade.Notional(), trade.Side)
	closedAt := s.now().UTC()

	err = s.repo.Trades.Close(ctx, trade.ID, execPrice, pnl, reason, closedAt)
	if errors.Is(err, store.ErrIllegalTransition) {
		// Lost the settlement race; return whatever won.
		settled, getErr := s.repo.Trades.Get(ctx, trade.ID)
		if getErr != nil {
			return nil, getErr
		}
		return &Result{Trade: settled}, nil
	}
	if err != nil {
		return nil, err
	}

	trade.Status = domain.TradeClosed
	trade.ExitPrice = &execPrice
	trade.PnL = pnl
	trade.CloseReason = &reason
	trade.ClosedAt = &closedAt

	account, err := s.settleAccount(ctx, trade, pnl, closedAt)
	if err != nil {
		return nil, err
	}

	metrics.TradesClosed.WithLabelValues(string(reason)).Inc()
	s.publisher.Publish(events.Event{
		Type:    events.TypeTradeClosed,
		TradeID: trade.ID,
		Reason:  reason,
		PnL:     pnl,
	})

	if checkPromotion && domain.PromotionEligible(account) {
		promo, err := s.promoter.PromoteToLive(ctx, account.ID, "profit target reached")
		if err != nil {
			// The closure itself is durable; promotion will be retried on
			// the next qualifying closure.
			log.Error().Err(err).Str("account_id", account.ID).Msg("Promotion failed after qualifying closure")
			return &Result{Trade: trade, Account: account}, nil
		}
		return &Result{Trade: trade, Account: account, Promoted: true, Promotion: promo}, nil
	}

	// Reconcile the cache to the durable write.
	if _, err := s.hot.MergeRisk(ctx, account.ID, func(snap *domain.RiskSnapshot) {
		snap.CurrentBalance = account.Balance
		snap.CurrentEquity = account.Equity
	}); err != nil {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to reconcile risk snapshot after closure")
	}

	return &Result{Trade: trade, Account: account}, nil
}

// settleAccount performs the ledger upsert, the trading-days recount, and
// the single durable account mutation, retrying lost version races.
func (s *Service) settleAccount(ctx context.Context, trade *domain.Trade, pnl float64, closedAt time.Time) (*domain.Account, error) {
	for attempt := 0; attempt < closureRetries; attempt++ {
		account, err := s.repo.Accounts.Get(ctx, trade.AccountID)
		if err != nil {
			return nil, err
		}

		day := closedAt.Truncate(24 * time.Hour)
		if err := s.upsertLedger(ctx, account, day, pnl); err != nil {
			return nil, err
		}

		days, err := s.tradedDays(ctx, account)
		if err != nil {
			return nil, err
		}

		updated, err := s.repo.Accounts.ApplyClosure(ctx, store.ClosureUpdate{
			AccountID:          account.ID,
			MarginReleased:     trade.MarginRequired,
			RealizedPnL:        pnl,
			ActivelyTradedDays: days,
			ExpectedVersion:    account.Version,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to settle account %s: %w", trade.AccountID, store.ErrVersionConflict)
}

// upsertLedger creates or refreshes today's profit-ledger row. The
// starting balance is the balance before this closure for a fresh day,
// or the stored day-start balance otherwise.
func (s *Service) upsertLedger(ctx context.Context, account *domain.Account, day time.Time, pnl float64) error {
	existing, err := s.repo.DailyProfits.Get(ctx, account.ID, day)
	if err != nil {
		return err
	}

	starting := account.Balance
	if existing != nil {
		starting = existing.StartingBalance
	}
	ending := account.Balance + pnl
	profit := ending - starting

	var pct float64
	if starting != 0 {
		pct = profit / starting * 100
	}

	return s.repo.DailyProfits.Upsert(ctx, &domain.DailyProfit{
		AccountID:       account.ID,
		Day:             day,
		StartingBalance: starting,
		EndingBalance:   ending,
		ProfitAmount:    profit,
		Percentage:      pct,
		MeetsMinimum:    profit >= account.InitialBalance*s.minProfitDayFraction,
	})
}

// tradedDays recomputes the actively-traded-days counter: funded accounts
// count only days meeting the minimum-profit rule, evaluation accounts
// count every day with a closure.
func (s *Service) tradedDays(ctx context.Context, account *domain.Account) (int, error) {
	if account.AccountType == domain.AccountLive {
		return s.repo.DailyProfits.QualifyingDays(ctx, account.ID)
	}
	return s.repo.DailyProfits.TradedDays(ctx, account.ID)
}
