package closure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/events"
	"github.com/propshift/riskengine/internal/hotstore"
	"github.com/propshift/riskengine/internal/store"
	"github.com/propshift/riskengine/internal/store/memstore"
)

func newFixture(t *testing.T) (*store.Repository, hotstore.Store, *Service, *Promoter) {
	t.Helper()
	repo := memstore.New()
	hot := hotstore.NewMemoryStore()
	publisher := events.NewPublisher()
	t.Cleanup(publisher.Close)
	closer, promoter := NewServices(repo, hot, publisher, 0.005)
	return repo, hot, closer, promoter
}

func seedAccount(t *testing.T, repo *store.Repository, account *domain.Account) {
	t.Helper()
	require.NoError(t, repo.Accounts.Create(context.Background(), account))
}

func seedOpenTrade(t *testing.T, repo *store.Repository, trade *domain.Trade) {
	t.Helper()
	trade.Status = domain.TradeOpen
	require.NoError(t, repo.Trades.Create(context.Background(), trade))
}

func demoAccount(id string) *domain.Account {
	return &domain.Account{
		ID:                 id,
		UserID:             "user-1",
		AccountType:        domain.AccountDemo,
		Status:             domain.StatusActive,
		InitialBalance:     100000,
		Balance:            100000,
		Equity:             100000,
		Leverage:           100,
		DailyDrawdownLimit: 0.05,
		MaxDrawdownLimit:   0.07,
		ProfitTarget:       8000,
		MinTradingDays:     5,
		IsActive:           true,
		CreatedAt:          time.Now().UTC(),
	}
}

func TestCloseTradeAppliesRealizedPnL(t *testing.T) {
	repo, _, closer, _ := newFixture(t)
	ctx := context.Background()

	seedAccount(t, repo, demoAccount("acct-1"))
	seedOpenTrade(t, repo, &domain.Trade{
		ID:             "trade-1",
		AccountID:      "acct-1",
		Market:         "fx",
		Symbol:         "EURUSD",
		Side:           domain.SideBuy,
		Units:          10000,
		EntryPrice:     100,
		MarginRequired: 100,
	})

	result, err := closer.CloseTrade(ctx, "trade-1", 105, domain.ReasonUserClosed)
	require.NoError(t, err)
	require.NotNil(t, result.Trade)

	// (105-100) * (10000/100) * 1 = 500
	assert.Equal(t, domain.TradeClosed, result.Trade.Status)
	assert.InDelta(t, 500, result.Trade.PnL, 1e-9)
	assert.InDelta(t, 100500, result.Account.Balance, 1e-9)
	assert.InDelta(t, 100500, result.Account.Equity, 1e-9)
	assert.Equal(t, 1, result.Account.ActivelyTradedDays)
}

func TestCloseTradeIdempotent(t *testing.T) {
	repo, _, closer, _ := newFixture(t)
	ctx := context.Background()

	seedAccount(t, repo, demoAccount("acct-1"))
	seedOpenTrade(t, repo, &domain.Trade{
		ID:         "trade-1",
		AccountID:  "acct-1",
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Units:      10000,
		EntryPrice: 100,
	})

	first, err := closer.CloseTrade(ctx, "trade-1", 105, domain.ReasonUserClosed)
	require.NoError(t, err)

	// Second close at a different price must not move the balance again.
	second, err := closer.CloseTrade(ctx, "trade-1", 90, domain.ReasonStopLoss)
	require.NoError(t, err)
	require.NotNil(t, second.Trade)
	assert.Equal(t, domain.TradeClosed, second.Trade.Status)
	assert.InDelta(t, first.Trade.PnL, second.Trade.PnL, 1e-9)
	assert.Equal(t, domain.ReasonUserClosed, *second.Trade.CloseReason)

	account, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 100500, account.Balance, 1e-9)
}

func TestCloseUnknownTradeIsNoOp(t *testing.T) {
	_, _, closer, _ := newFixture(t)

	result, err := closer.CloseTrade(context.Background(), "missing", 100, domain.ReasonUserClosed)
	require.NoError(t, err)
	assert.Nil(t, result.Trade)
}

func TestCloseReleasesMargin(t *testing.T) {
	repo, _, closer, _ := newFixture(t)
	ctx := context.Background()

	account := demoAccount("acct-1")
	account.MarginUsed = 250
	seedAccount(t, repo, account)
	seedOpenTrade(t, repo, &domain.Trade{
		ID:             "trade-1",
		AccountID:      "acct-1",
		Symbol:         "EURUSD",
		Side:           domain.SideSell,
		Units:          10000,
		EntryPrice:     100,
		MarginRequired: 250,
	})

	result, err := closer.CloseTrade(ctx, "trade-1", 100, domain.ReasonUserClosed)
	require.NoError(t, err)
	assert.InDelta(t, 0, result.Account.MarginUsed, 1e-9)
}

// seedTradedDays backfills prior ledger days so the recount on closure
// reflects an account that has already traded n days.
func seedTradedDays(t *testing.T, repo *store.Repository, accountID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, repo.DailyProfits.Upsert(context.Background(), &domain.DailyProfit{
			AccountID:       accountID,
			Day:             time.Now().UTC().AddDate(0, 0, -i),
			StartingBalance: 100000,
			EndingBalance:   100100,
			ProfitAmount:    100,
		}))
	}
}

func TestQualifyingClosureTriggersPromotion(t *testing.T) {
	repo, hot, closer, _ := newFixture(t)
	ctx := context.Background()

	account := demoAccount("acct-1")
	account.Balance = 107900
	account.Equity = 107900
	account.ActivelyTradedDays = 6
	seedAccount(t, repo, account)
	seedTradedDays(t, repo, "acct-1", 6)
	seedOpenTrade(t, repo, &domain.Trade{
		ID:         "trade-1",
		AccountID:  "acct-1",
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Units:      10000,
		EntryPrice: 100,
	})
	require.NoError(t, hot.SetRisk(ctx, &domain.RiskSnapshot{AccountID: "acct-1"}))

	// +200 lands the balance at 108100, past initial+target of 108000.
	result, err := closer.CloseTrade(ctx, "trade-1", 102, domain.ReasonTakeProfit)
	require.NoError(t, err)
	require.True(t, result.Promoted)
	require.NotNil(t, result.Promotion)

	old, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, old.Status)
	assert.False(t, old.IsActive)
	require.NotNil(t, old.LiveAccountID)
	assert.Equal(t, result.Promotion.AccountID, *old.LiveAccountID)

	live, err := repo.Accounts.Get(ctx, result.Promotion.AccountID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountLive, live.AccountType)
	assert.Equal(t, domain.StatusActive, live.Status)
	assert.InDelta(t, account.InitialBalance, live.Balance, 1e-9)
	require.NotNil(t, live.DemoAccountID)
	assert.Equal(t, "acct-1", *live.DemoAccountID)

	// Hot state for the closed evaluation account is gone.
	snap, err := hot.GetRisk(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPromotionOneCentShortDoesNotPromote(t *testing.T) {
	repo, _, closer, _ := newFixture(t)
	ctx := context.Background()

	account := demoAccount("acct-1")
	account.Balance = 107900
	account.Equity = 107900
	account.ActivelyTradedDays = 6
	seedAccount(t, repo, account)
	seedTradedDays(t, repo, "acct-1", 6)
	seedOpenTrade(t, repo, &domain.Trade{
		ID:         "trade-1",
		AccountID:  "acct-1",
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Units:      9999,
		EntryPrice: 100,
	})

	// +99.99 leaves the balance at 107999.99, just under the target.
	result, err := closer.CloseTrade(ctx, "trade-1", 101, domain.ReasonTakeProfit)
	require.NoError(t, err)
	assert.False(t, result.Promoted)

	account2, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, account2.Status)
}

func TestPromotionClosesResidualTrades(t *testing.T) {
	repo, hot, _, promoter := newFixture(t)
	ctx := context.Background()

	account := demoAccount("acct-1")
	seedAccount(t, repo, account)
	seedOpenTrade(t, repo, &domain.Trade{
		ID:         "residual-1",
		AccountID:  "acct-1",
		Symbol:     "GBPUSD",
		Side:       domain.SideBuy,
		Units:      5000,
		EntryPrice: 200,
	})
	require.NoError(t, hot.SetTradePnL(ctx, "acct-1", "residual-1", 125))

	result, err := promoter.PromoteToLive(ctx, "acct-1", "manual")
	require.NoError(t, err)
	require.True(t, result.Promoted)

	residual, err := repo.Trades.Get(ctx, "residual-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, residual.Status)
	assert.Equal(t, domain.ReasonAccountPromoted, *residual.CloseReason)
	// Closed at the price implied by the stored PnL.
	assert.InDelta(t, 125, residual.PnL, 1e-9)
}

func TestPromotionCancelsResidualPendingOrders(t *testing.T) {
	repo, hot, _, promoter := newFixture(t)
	ctx := context.Background()

	account := demoAccount("acct-1")
	account.MarginPending = 50
	seedAccount(t, repo, account)
	trigger := 95.0
	require.NoError(t, repo.Trades.Create(ctx, &domain.Trade{
		ID:           "pending-1",
		AccountID:    "acct-1",
		Symbol:       "EURUSD",
		Side:         domain.SideBuy,
		Units:        5000,
		OrderType:    domain.OrderLimit,
		TriggerPrice: &trigger,
		Status:       domain.TradePending,
	}))
	require.NoError(t, hot.SetPendingOrder(ctx, &domain.HotOrder{
		ID:        "pending-1",
		AccountID: "acct-1",
		Symbol:    "EURUSD",
		Margin:    50,
	}))

	_, err := promoter.PromoteToLive(ctx, "acct-1", "manual")
	require.NoError(t, err)

	pending, err := repo.Trades.Get(ctx, "pending-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCancelled, pending.Status)

	old, err := repo.Accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 0, old.MarginPending, 1e-9)
}

func TestPromotionExactlyOnce(t *testing.T) {
	repo, _, _, promoter := newFixture(t)
	ctx := context.Background()

	seedAccount(t, repo, demoAccount("acct-1"))

	first, err := promoter.PromoteToLive(ctx, "acct-1", "manual")
	require.NoError(t, err)
	require.True(t, first.Promoted)

	_, err = promoter.PromoteToLive(ctx, "acct-1", "manual")
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestLedgerPreservesDayStartingBalance(t *testing.T) {
	repo, _, closer, _ := newFixture(t)
	ctx := context.Background()

	seedAccount(t, repo, demoAccount("acct-1"))
	for i, id := range []string{"trade-1", "trade-2"} {
		seedOpenTrade(t, repo, &domain.Trade{
			ID:         id,
			AccountID:  "acct-1",
			Symbol:     "EURUSD",
			Side:       domain.SideBuy,
			Units:      10000,
			EntryPrice: 100,
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}

	_, err := closer.CloseTrade(ctx, "trade-1", 101, domain.ReasonUserClosed)
	require.NoError(t, err)
	_, err = closer.CloseTrade(ctx, "trade-2", 102, domain.ReasonUserClosed)
	require.NoError(t, err)

	day := time.Now().UTC().Truncate(24 * time.Hour)
	entry, err := repo.DailyProfits.Get(ctx, "acct-1", day)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Day start is the balance before the first closure; profit is the
	// day's cumulative 100 + 200, still under the 500 minimum.
	assert.InDelta(t, 100000, entry.StartingBalance, 1e-9)
	assert.InDelta(t, 300, entry.ProfitAmount, 1e-9)
	assert.False(t, entry.MeetsMinimum)
}
