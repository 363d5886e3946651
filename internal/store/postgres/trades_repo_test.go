package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/store"
)

var tradeColumnList = []string{
	"id", "account_id", "market", "symbol", "side", "units", "leverage", "order_type",
	"trigger_price", "entry_price", "exit_price", "stop_loss", "take_profit", "margin_required",
	"status", "pnl", "close_reason", "executed_at", "closed_at", "created_at",
}

func tradeRow(id string, status domain.TradeStatus) *sqlmock.Rows {
	return sqlmock.NewRows(tradeColumnList).AddRow(
		id, "acct-1", "fx", "EURUSD", "buy", 10000.0, 100.0, "market",
		nil, 100.0, nil, nil, nil, 100.0,
		string(status), 0.0, nil, nil, nil, time.Now().UTC(),
	)
}

func TestTradesGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM trades WHERE id = \$1`).
		WithArgs("trade-1").
		WillReturnRows(tradeRow("trade-1", domain.TradeOpen))

	trade, err := repo.Get(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Equal(t, "trade-1", trade.ID)
	assert.Equal(t, domain.TradeOpen, trade.Status)
}

func TestTradesGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM trades WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(tradeColumnList))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTradeNotFound)
}

func TestExecutePending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	executedAt := time.Now().UTC()
	mock.ExpectExec(`UPDATE trades`).
		WithArgs("trade-1", string(domain.TradeOpen), 99.5, executedAt, string(domain.TradePending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ExecutePending(context.Background(), "trade-1", 99.5, executedAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePendingAlreadySettled(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	mock.ExpectExec(`UPDATE trades`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ExecutePending(context.Background(), "trade-1", 99.5, time.Now())
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestCloseConditionalOnOpenStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	closedAt := time.Now().UTC()
	mock.ExpectExec(`UPDATE trades`).
		WithArgs("trade-1", string(domain.TradeClosed), 97.5, -250.0,
			string(domain.ReasonStopLoss), closedAt, string(domain.TradeOpen)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Close(context.Background(), "trade-1", 97.5, -250, domain.ReasonStopLoss, closedAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseAlreadyClosed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	mock.ExpectExec(`UPDATE trades`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Close(context.Background(), "trade-1", 97.5, -250, domain.ReasonStopLoss, time.Now())
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestCancelOnlyWhilePending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	mock.ExpectExec(`UPDATE trades`).
		WithArgs("trade-1", string(domain.TradeCancelled), string(domain.TradePending)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Cancel(context.Background(), "trade-1")
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestAllActive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradesRepo(db, time.Second)

	rows := tradeRow("trade-1", domain.TradeOpen).AddRow(
		"trade-2", "acct-1", "fx", "GBPUSD", "sell", 5000.0, 100.0, "limit",
		95.0, 0.0, nil, nil, nil, 50.0,
		string(domain.TradePending), 0.0, nil, nil, nil, time.Now().UTC(),
	)
	mock.ExpectQuery(`SELECT .+ FROM trades WHERE status IN`).
		WithArgs(string(domain.TradeOpen), string(domain.TradePending)).
		WillReturnRows(rows)

	trades, err := repo.AllActive(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.TradeOpen, trades[0].Status)
	assert.Equal(t, domain.TradePending, trades[1].Status)
}
