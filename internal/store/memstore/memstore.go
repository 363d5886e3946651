// Package memstore is an in-memory store.Repository with the same
// concurrency semantics as the PostgreSQL implementation: version
// predicates on account mutations and status-conditional trade
// transitions. It backs service-level tests and single-node development
// runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/store"
)

// New creates an empty in-memory repository set sharing one lock.
func New() *store.Repository {
	s := &state{
		accounts: make(map[string]*domain.Account),
		trades:   make(map[string]*domain.Trade),
		profits:  make(map[string]map[string]*domain.DailyProfit),
	}
	return &store.Repository{
		Accounts:     &accountsRepo{s: s},
		Trades:       &tradesRepo{s: s},
		DailyProfits: &profitsRepo{s: s},
	}
}

type state struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	trades   map[string]*domain.Trade
	profits  map[string]map[string]*domain.DailyProfit
}

const dayKeyLayout = "2006-01-02"

type accountsRepo struct {
	s *state
}

func (r *accountsRepo) Get(ctx context.Context, id string) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	account, ok := r.s.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (r *accountsRepo) Create(ctx context.Context, account *domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *account
	r.s.accounts[account.ID] = &cp
	return nil
}

func (r *accountsRepo) ApplyClosure(ctx context.Context, update store.ClosureUpdate) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	account, ok := r.s.accounts[update.AccountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if account.Version != update.ExpectedVersion {
		return nil, store.ErrVersionConflict
	}
	account.Balance += update.RealizedPnL
	account.Equity = account.Balance
	account.MarginUsed -= update.MarginReleased
	if account.MarginUsed < 0 {
		account.MarginUsed = 0
	}
	account.ActivelyTradedDays = update.ActivelyTradedDays
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	cp := *account
	return &cp, nil
}

func (r *accountsRepo) MarkFailed(ctx context.Context, id string, reason domain.CloseReason, equity float64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	account, ok := r.s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	reasonStr := string(reason)
	account.Status = domain.StatusFailed
	account.Equity = equity
	account.FailureReason = &reasonStr
	account.Version++
	return nil
}

func (r *accountsRepo) ReleasePendingMargin(ctx context.Context, id string, margin float64) error {
	return r.adjust(id, func(a *domain.Account) {
		a.MarginPending -= margin
		if a.MarginPending < 0 {
			a.MarginPending = 0
		}
	})
}

func (r *accountsRepo) ReservePendingMargin(ctx context.Context, id string, margin float64) error {
	return r.adjust(id, func(a *domain.Account) {
		a.MarginPending += margin
	})
}

func (r *accountsRepo) ActivatePendingMargin(ctx context.Context, id string, margin float64) error {
	return r.adjust(id, func(a *domain.Account) {
		a.MarginPending -= margin
		if a.MarginPending < 0 {
			a.MarginPending = 0
		}
		a.MarginUsed += margin
	})
}

func (r *accountsRepo) DebitSpread(ctx context.Context, id string, amount, marginUsed float64) error {
	return r.adjust(id, func(a *domain.Account) {
		a.Balance -= amount
		a.Equity -= amount
		a.MarginUsed += marginUsed
	})
}

func (r *accountsRepo) Promote(ctx context.Context, oldID string, newAccount *domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.accounts[oldID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if old.Status == domain.StatusClosed {
		return store.ErrIllegalTransition
	}
	now := time.Now().UTC()
	old.Status = domain.StatusClosed
	old.IsActive = false
	old.LiveAccountID = &newAccount.ID
	old.PromotedAt = &now
	old.Version++
	cp := *newAccount
	r.s.accounts[newAccount.ID] = &cp
	return nil
}

func (r *accountsRepo) adjust(id string, fn func(*domain.Account)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	account, ok := r.s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	fn(account)
	account.Version++
	return nil
}

type tradesRepo struct {
	s *state
}

func (r *tradesRepo) Get(ctx context.Context, id string) (*domain.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	trade, ok := r.s.trades[id]
	if !ok {
		return nil, store.ErrTradeNotFound
	}
	cp := *trade
	return &cp, nil
}

func (r *tradesRepo) Create(ctx context.Context, trade *domain.Trade) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *trade
	r.s.trades[trade.ID] = &cp
	return nil
}

func (r *tradesRepo) ExecutePending(ctx context.Context, id string, entryPrice float64, executedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	trade, ok := r.s.trades[id]
	if !ok || trade.Status != domain.TradePending {
		return store.ErrIllegalTransition
	}
	trade.Status = domain.TradeOpen
	trade.EntryPrice = entryPrice
	trade.ExecutedAt = &executedAt
	return nil
}

func (r *tradesRepo) Close(ctx context.Context, id string, exitPrice, pnl float64, reason domain.CloseReason, closedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	trade, ok := r.s.trades[id]
	if !ok || trade.Status != domain.TradeOpen {
		return store.ErrIllegalTransition
	}
	trade.Status = domain.TradeClosed
	trade.ExitPrice = &exitPrice
	trade.PnL = pnl
	trade.CloseReason = &reason
	trade.ClosedAt = &closedAt
	return nil
}

func (r *tradesRepo) Cancel(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	trade, ok := r.s.trades[id]
	if !ok || trade.Status != domain.TradePending {
		return store.ErrIllegalTransition
	}
	now := time.Now().UTC()
	trade.Status = domain.TradeCancelled
	trade.ClosedAt = &now
	return nil
}

func (r *tradesRepo) OpenByAccount(ctx context.Context, accountID string) ([]*domain.Trade, error) {
	return r.list(func(t *domain.Trade) bool {
		return t.AccountID == accountID && t.Status == domain.TradeOpen
	}), nil
}

func (r *tradesRepo) PendingByAccount(ctx context.Context, accountID string) ([]*domain.Trade, error) {
	return r.list(func(t *domain.Trade) bool {
		return t.AccountID == accountID && t.Status == domain.TradePending
	}), nil
}

func (r *tradesRepo) AllActive(ctx context.Context) ([]*domain.Trade, error) {
	return r.list(func(t *domain.Trade) bool {
		return t.Status == domain.TradeOpen || t.Status == domain.TradePending
	}), nil
}

func (r *tradesRepo) list(match func(*domain.Trade) bool) []*domain.Trade {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Trade
	for _, trade := range r.s.trades {
		if match(trade) {
			cp := *trade
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type profitsRepo struct {
	s *state
}

func (r *profitsRepo) Upsert(ctx context.Context, entry *domain.DailyProfit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byDay, ok := r.s.profits[entry.AccountID]
	if !ok {
		byDay = make(map[string]*domain.DailyProfit)
		r.s.profits[entry.AccountID] = byDay
	}
	key := entry.Day.UTC().Format(dayKeyLayout)
	cp := *entry
	if existing, ok := byDay[key]; ok {
		cp.StartingBalance = existing.StartingBalance
	}
	byDay[key] = &cp
	return nil
}

func (r *profitsRepo) Get(ctx context.Context, accountID string, day time.Time) (*domain.DailyProfit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.profits[accountID][day.UTC().Format(dayKeyLayout)]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (r *profitsRepo) TradedDays(ctx context.Context, accountID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.profits[accountID]), nil
}

func (r *profitsRepo) QualifyingDays(ctx context.Context, accountID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, entry := range r.s.profits[accountID] {
		if entry.MeetsMinimum {
			count++
		}
	}
	return count, nil
}
