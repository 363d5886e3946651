package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/hotstore"
	"github.com/propshift/riskengine/internal/store"
	"github.com/propshift/riskengine/internal/store/memstore"
)

type fakeMonitor struct {
	mu     sync.Mutex
	trades []string
	orders []string
}

func (f *fakeMonitor) MonitorTrade(ctx context.Context, trade *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trade.ID)
	return nil
}

func (f *fakeMonitor) MonitorOrder(ctx context.Context, trade *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, trade.ID)
	return nil
}

type fakeGateway struct {
	mu     sync.Mutex
	unsubs []string
}

func (f *fakeGateway) Subscribe(subscriberID, market, symbol, channel string) error { return nil }

func (f *fakeGateway) Unsubscribe(subscriberID, market, symbol, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, subscriberID)
	return nil
}

func newFixture(t *testing.T) (*store.Repository, hotstore.Store, *fakeMonitor, *fakeGateway, *Service) {
	t.Helper()
	repo := memstore.New()
	hot := hotstore.NewMemoryStore()
	monitor := &fakeMonitor{}
	gw := &fakeGateway{}
	svc := NewService(repo, hot, monitor, gw, 0.0001)
	return repo, hot, monitor, gw, svc
}

func seedAccount(t *testing.T, repo *store.Repository) {
	t.Helper()
	require.NoError(t, repo.Accounts.Create(context.Background(), &domain.Account{
		ID:             "acct-1",
		UserID:         "user-1",
		AccountType:    domain.AccountDemo,
		Status:         domain.StatusActive,
		InitialBalance: 100000,
		Balance:        100000,
		Equity:         100000,
		Leverage:       100,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}))
}

func marketRequest() TradeCreationRequest {
	return TradeCreationRequest{
		AccountID:  "acct-1",
		Market:     "fx",
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Units:      10000,
		OrderType:  domain.OrderMarket,
		EntryPrice: 100,
	}
}

func TestPlaceMarketOrderFillsImmediately(t *testing.T) {
	repo, _, monitor, _, svc := newFixture(t)
	ctx := context.Background()
	seedAccount(t, repo)

	trade, err := svc.PlaceOrder(ctx, marketRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.TradeOpen, trade.Status)
	assert.InDelta(t, 100, trade.EntryPrice, 1e-9)
	assert.NotNil(t, trade.ExecutedAt)
	// Units / leverage.
	assert.InDelta(t, 100, trade.MarginRequired, 1e-9)
	assert.Equal(t, []string{trade.ID}, monitor.trades)

	account, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	// Spread of units * 0.0001 = 1 debited from balance and equity.
	assert.InDelta(t, 99999, account.Balance, 1e-9)
	assert.InDelta(t, 99999, account.Equity, 1e-9)
	assert.InDelta(t, 100, account.MarginUsed, 1e-9)

	stored, err := repo.Trades.Get(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, stored.Status)
}

func TestPlaceLimitOrderReservesMargin(t *testing.T) {
	repo, _, monitor, _, svc := newFixture(t)
	ctx := context.Background()
	seedAccount(t, repo)

	req := marketRequest()
	req.OrderType = domain.OrderLimit
	req.EntryPrice = 0
	req.TriggerPrice = 95

	trade, err := svc.PlaceOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.TradePending, trade.Status)
	require.NotNil(t, trade.TriggerPrice)
	assert.InDelta(t, 95, *trade.TriggerPrice, 1e-9)
	assert.Equal(t, []string{trade.ID}, monitor.orders)

	account, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	// No spread on pending placement; margin is reserved, not used.
	assert.InDelta(t, 100000, account.Balance, 1e-9)
	assert.InDelta(t, 100, account.MarginPending, 1e-9)
	assert.InDelta(t, 0, account.MarginUsed, 1e-9)
}

func TestPlaceOrderValidation(t *testing.T) {
	repo, _, _, _, svc := newFixture(t)
	seedAccount(t, repo)

	tests := []struct {
		name   string
		mutate func(*TradeCreationRequest)
	}{
		{"missing account", func(r *TradeCreationRequest) { r.AccountID = "" }},
		{"missing symbol", func(r *TradeCreationRequest) { r.Symbol = "" }},
		{"zero units", func(r *TradeCreationRequest) { r.Units = 0 }},
		{"negative units", func(r *TradeCreationRequest) { r.Units = -1 }},
		{"bad side", func(r *TradeCreationRequest) { r.Side = "long" }},
		{"bad order type", func(r *TradeCreationRequest) { r.OrderType = "trailing" }},
		{"market without entry price", func(r *TradeCreationRequest) { r.EntryPrice = 0 }},
		{"limit without trigger", func(r *TradeCreationRequest) {
			r.OrderType = domain.OrderLimit
			r.TriggerPrice = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := marketRequest()
			tt.mutate(&req)
			_, err := svc.PlaceOrder(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPlaceOrderInsufficientMargin(t *testing.T) {
	repo, _, _, _, svc := newFixture(t)
	seedAccount(t, repo)

	req := marketRequest()
	req.Units = 20000000

	_, err := svc.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrInsufficientMargin)
}

func TestPlaceOrderUntradableAccount(t *testing.T) {
	repo, _, _, _, svc := newFixture(t)
	ctx := context.Background()
	seedAccount(t, repo)
	require.NoError(t, repo.Accounts.MarkFailed(ctx, "acct-1", domain.ReasonMaxDrawdown, 92000))

	_, err := svc.PlaceOrder(ctx, marketRequest())
	assert.ErrorIs(t, err, ErrAccountNotTradable)
}

func TestCancelPendingOrder(t *testing.T) {
	repo, hot, _, gw, svc := newFixture(t)
	ctx := context.Background()
	seedAccount(t, repo)

	req := marketRequest()
	req.OrderType = domain.OrderLimit
	req.EntryPrice = 0
	req.TriggerPrice = 95
	placed, err := svc.PlaceOrder(ctx, req)
	require.NoError(t, err)

	// Mirror what monitoring enrollment does in production.
	require.NoError(t, hot.SetPendingOrder(ctx, &domain.HotOrder{
		ID:        placed.ID,
		AccountID: "acct-1",
		Market:    "fx",
		Symbol:    "EURUSD",
		Margin:    placed.MarginRequired,
	}))

	cancelled, err := svc.CancelOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, cancelled.Status)

	account, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 0, account.MarginPending, 1e-9)
	assert.Equal(t, []string{placed.ID}, gw.unsubs)

	// The hot record was consumed by the claim.
	order, err := hot.GetPendingOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestCancelLostClaimReturnsSettledState(t *testing.T) {
	repo, _, _, gw, svc := newFixture(t)
	ctx := context.Background()
	seedAccount(t, repo)

	// The engine already executed this order: no hot record, durable
	// status open.
	now := time.Now().UTC()
	require.NoError(t, repo.Trades.Create(ctx, &domain.Trade{
		ID:         "order-1",
		AccountID:  "acct-1",
		Market:     "fx",
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Units:      10000,
		OrderType:  domain.OrderLimit,
		Status:     domain.TradeOpen,
		EntryPrice: 95,
		ExecutedAt: &now,
	}))

	trade, err := svc.CancelOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, trade.Status)
	assert.Empty(t, gw.unsubs)
}

func TestCancelPendingOrderWithoutHotRecord(t *testing.T) {
	repo, _, _, gw, svc := newFixture(t)
	ctx := context.Background()
	seedAccount(t, repo)

	// Durably pending but absent from the cache, as after a crash before
	// recovery re-enrolls it. Cancellation must still work.
	trigger := 95.0
	require.NoError(t, repo.Trades.Create(ctx, &domain.Trade{
		ID:             "order-1",
		AccountID:      "acct-1",
		Market:         "fx",
		Symbol:         "EURUSD",
		Side:           domain.SideBuy,
		Units:          10000,
		OrderType:      domain.OrderLimit,
		Status:         domain.TradePending,
		TriggerPrice:   &trigger,
		MarginRequired: 100,
	}))
	require.NoError(t, repo.Accounts.ReservePendingMargin(ctx, "acct-1", 100))

	cancelled, err := svc.CancelOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, cancelled.Status)

	account, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 0, account.MarginPending, 1e-9)
	assert.Equal(t, []string{"order-1"}, gw.unsubs)
}

func TestCancelUnknownOrder(t *testing.T) {
	_, _, _, _, svc := newFixture(t)

	_, err := svc.CancelOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTradeNotFound)
}
