// Package store is the durable system of record for accounts and trades.
// Balance and status mutate only through these repositories; the hot
// store is reconciled to whatever is written here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/propshift/riskengine/internal/domain"
)

var (
	// ErrAccountNotFound is a hard failure on the closure path.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTradeNotFound makes closure a no-op.
	ErrTradeNotFound = errors.New("trade not found")
	// ErrVersionConflict reports a lost optimistic-concurrency race; the
	// caller re-fetches and re-evaluates.
	ErrVersionConflict = errors.New("account version conflict")
	// ErrIllegalTransition reports a conditional update that matched no
	// row because the entity already left the expected status.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// ClosureUpdate is the single durable account mutation a trade closure
// performs: margin release, realized PnL applied to balance, equity reset
// to balance, and the trading-days recount.
type ClosureUpdate struct {
	AccountID          string
	MarginReleased     float64
	RealizedPnL        float64
	ActivelyTradedDays int
	ExpectedVersion    int64
}

// AccountsRepo persists Account documents.
type AccountsRepo interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
	Create(ctx context.Context, account *domain.Account) error
	ApplyClosure(ctx context.Context, update ClosureUpdate) (*domain.Account, error)
	MarkFailed(ctx context.Context, id string, reason domain.CloseReason, equity float64) error
	ReleasePendingMargin(ctx context.Context, id string, margin float64) error
	ReservePendingMargin(ctx context.Context, id string, margin float64) error
	ActivatePendingMargin(ctx context.Context, id string, margin float64) error
	DebitSpread(ctx context.Context, id string, amount, marginUsed float64) error
	Promote(ctx context.Context, oldID string, newAccount *domain.Account) error
}

// TradesRepo persists Trade documents. Status-conditional updates are the
// concurrency-control primitive: an update that matches no row means the
// trade already settled elsewhere.
type TradesRepo interface {
	Get(ctx context.Context, id string) (*domain.Trade, error)
	Create(ctx context.Context, trade *domain.Trade) error
	ExecutePending(ctx context.Context, id string, entryPrice float64, executedAt time.Time) error
	Close(ctx context.Context, id string, exitPrice, pnl float64, reason domain.CloseReason, closedAt time.Time) error
	Cancel(ctx context.Context, id string) error
	OpenByAccount(ctx context.Context, accountID string) ([]*domain.Trade, error)
	PendingByAccount(ctx context.Context, accountID string) ([]*domain.Trade, error)
	AllActive(ctx context.Context) ([]*domain.Trade, error)
}

// DailyProfitsRepo persists the per-day profit ledger.
type DailyProfitsRepo interface {
	Upsert(ctx context.Context, entry *domain.DailyProfit) error
	Get(ctx context.Context, accountID string, day time.Time) (*domain.DailyProfit, error)
	TradedDays(ctx context.Context, accountID string) (int, error)
	QualifyingDays(ctx context.Context, accountID string) (int, error)
}

// Repository bundles the repos a service receives.
type Repository struct {
	Accounts     AccountsRepo
	Trades       TradesRepo
	DailyProfits DailyProfitsRepo
}
