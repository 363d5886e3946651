package closure

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/events"
	"github.com/propshift/riskengine/internal/hotstore"
	"github.com/propshift/riskengine/internal/metrics"
	"github.com/propshift/riskengine/internal/store"
)

// PromotionResult is distinguishable from a normal closure result: it
// names the funded account that replaced the evaluation account.
type PromotionResult struct {
	Success      bool                 `json:"success"`
	Promoted     bool                 `json:"promoted"`
	AccountID    string               `json:"accountId"`
	OldAccountID string               `json:"oldAccountId"`
	NewBalance   float64              `json:"newBalance"`
	AccountType  domain.AccountType   `json:"accountType"`
	Status       domain.AccountStatus `json:"status"`
}

// Promoter converts a qualifying evaluation account into a funded one
// exactly once.
type Promoter struct {
	repo      *store.Repository
	hot       hotstore.Store
	publisher *events.Publisher
	closer    *Service
	now       func() time.Time
}

// NewServices builds the closure service and the promoter and links them:
// a qualifying closure delegates to the promoter, and the promoter closes
// residual trades through the service.
func NewServices(repo *store.Repository, hot hotstore.Store, publisher *events.Publisher, minProfitDayFraction float64) (*Service, *Promoter) {
	promoter := &Promoter{
		repo:      repo,
		hot:       hot,
		publisher: publisher,
		now:       time.Now,
	}
	service := NewService(repo, hot, publisher, promoter, minProfitDayFraction)
	promoter.closer = service
	return service, promoter
}

// PromoteToLive closes the evaluation account and creates its funded
// successor: residual positions are liquidated, the accounts are
// cross-linked, and the user's active account reference moves to the new
// one. A second call for an already-closed account is a no-op error.
func (p *Promoter) PromoteToLive(ctx context.Context, accountID string, reason string) (*PromotionResult, error) {
	account, err := p.repo.Accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("account_id", accountID).Str("reason", reason).Msg("Promoting account to funded")

	p.closeResiduals(ctx, account)
	p.cancelResiduals(ctx, account)

	now := p.now().UTC()
	newAccount := &domain.Account{
		ID:                 uuid.NewString(),
		UserID:             account.UserID,
		AccountType:        domain.AccountLive,
		Status:             domain.StatusActive,
		InitialBalance:     account.InitialBalance,
		Balance:            account.InitialBalance,
		Equity:             account.InitialBalance,
		Leverage:           account.Leverage,
		DailyDrawdownLimit: account.DailyDrawdownLimit,
		MaxDrawdownLimit:   account.MaxDrawdownLimit,
		ProfitTarget:       account.ProfitTarget,
		MinTradingDays:     account.MinTradingDays,
		IsActive:           true,
		DemoAccountID:      &account.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := p.repo.Accounts.Promote(ctx, account.ID, newAccount); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			log.Warn().Str("account_id", accountID).Msg("Account already promoted, skipping")
		}
		return nil, err
	}

	if err := p.hot.PurgeAccount(ctx, account.ID); err != nil {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to purge hot state after promotion")
	}

	metrics.Promotions.Inc()
	p.publisher.Publish(events.Event{
		Type:      events.TypeAccountStatusChanged,
		AccountID: account.ID,
		Status:    domain.StatusClosed,
	})
	p.publisher.Publish(events.Event{
		Type:         events.TypePromotion,
		OldAccountID: account.ID,
		NewAccountID: newAccount.ID,
	})

	return &PromotionResult{
		Success:      true,
		Promoted:     true,
		AccountID:    newAccount.ID,
		OldAccountID: account.ID,
		NewBalance:   newAccount.Balance,
		AccountType:  domain.AccountLive,
		Status:       domain.StatusActive,
	}, nil
}

// closeResiduals settles any open trades still on the account at their
// last marked price. Faults are per-trade: one bad trade does not block
// the rest.
func (p *Promoter) closeResiduals(ctx context.Context, account *domain.Account) {
	open, err := p.repo.Trades.OpenByAccount(ctx, account.ID)
	if err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("Failed to list residual open trades")
		return
	}

	pnls, err := p.hot.AllTradePnL(ctx, account.ID)
	if err != nil {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("Marking residual trades without hot PnL")
		pnls = map[string]float64{}
	}

	for _, trade := range open {
		price := markedPrice(trade, pnls[trade.ID])
		if _, err := p.closer.closeTrade(ctx, trade.ID, price, domain.ReasonAccountPromoted, false); err != nil {
			log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to close residual trade")
			continue
		}
		if hot, err := p.hot.GetOpenTrade(ctx, trade.ID); err == nil && hot != nil {
			if err := p.hot.DeleteOpenTrade(ctx, hot); err != nil {
				log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Failed to deregister residual trade")
			}
		}
	}
}

// cancelResiduals claims and cancels any pending orders still on the
// account, releasing their reserved margin.
func (p *Promoter) cancelResiduals(ctx context.Context, account *domain.Account) {
	pending, err := p.repo.Trades.PendingByAccount(ctx, account.ID)
	if err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("Failed to list residual pending orders")
		return
	}

	for _, trade := range pending {
		claimed, err := p.hot.ClaimPendingOrder(ctx, trade.ID)
		if err != nil {
			log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to claim residual pending order")
			continue
		}
		if claimed == nil {
			// The engine is executing it concurrently; it will settle as a
			// trade and be closed by the residual sweep of the next call,
			// or remain on the closed old account.
			continue
		}
		if err := p.repo.Trades.Cancel(ctx, trade.ID); err != nil && !errors.Is(err, store.ErrIllegalTransition) {
			log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to cancel residual pending order")
			continue
		}
		if err := p.repo.Accounts.ReleasePendingMargin(ctx, account.ID, claimed.Margin); err != nil {
			log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to release pending margin")
		}
	}
}

// markedPrice recovers the exec price implied by a trade's last stored
// unrealized PnL; with no PnL entry the trade closes flat at entry.
func markedPrice(trade *domain.Trade, pnl float64) float64 {
	if pnl == 0 || trade.Notional() == 0 || trade.EntryPrice == 0 {
		return trade.EntryPrice
	}
	return trade.EntryPrice + pnl*trade.EntryPrice/(trade.Notional()*trade.Side.Direction())
}
