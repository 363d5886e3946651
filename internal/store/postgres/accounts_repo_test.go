package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/store"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var accountColumnList = []string{
	"id", "user_id", "account_type", "status", "initial_balance", "balance", "equity",
	"margin_used", "margin_pending", "leverage", "daily_drawdown_limit", "max_drawdown_limit",
	"profit_target", "min_trading_days", "actively_traded_days", "is_active", "demo_account_id",
	"live_account_id", "failure_reason", "promoted_at", "created_at", "updated_at", "version",
}

func accountRow(id string, balance float64, version int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(accountColumnList).AddRow(
		id, "user-1", "demo", "active", 100000.0, balance, balance,
		0.0, 0.0, 100.0, 0.05, 0.07,
		8000.0, 5, 0, true, nil,
		nil, nil, nil, now, now, version,
	)
}

func TestAccountsGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs("acct-1").
		WillReturnRows(accountRow("acct-1", 100000, 3))

	account, err := repo.Get(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account.ID)
	assert.Equal(t, int64(3), account.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountsGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(accountColumnList))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestApplyClosure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	mock.ExpectQuery(`UPDATE accounts`).
		WithArgs("acct-1", 500.0, 100.0, 2, int64(3)).
		WillReturnRows(accountRow("acct-1", 100500, 4))

	account, err := repo.ApplyClosure(context.Background(), store.ClosureUpdate{
		AccountID:          "acct-1",
		RealizedPnL:        500,
		MarginReleased:     100,
		ActivelyTradedDays: 2,
		ExpectedVersion:    3,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100500, account.Balance, 1e-9)
	assert.Equal(t, int64(4), account.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyClosureVersionConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	// The versioned update matches nothing, but the account exists.
	mock.ExpectQuery(`UPDATE accounts`).
		WithArgs("acct-1", 500.0, 100.0, 2, int64(3)).
		WillReturnRows(sqlmock.NewRows(accountColumnList))
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs("acct-1").
		WillReturnRows(accountRow("acct-1", 100500, 4))

	_, err := repo.ApplyClosure(context.Background(), store.ClosureUpdate{
		AccountID:          "acct-1",
		RealizedPnL:        500,
		MarginReleased:     100,
		ActivelyTradedDays: 2,
		ExpectedVersion:    3,
	})
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestApplyClosureMissingAccount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	mock.ExpectQuery(`UPDATE accounts`).
		WillReturnRows(sqlmock.NewRows(accountColumnList))
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(accountColumnList))

	_, err := repo.ApplyClosure(context.Background(), store.ClosureUpdate{AccountID: "missing"})
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestMarkFailed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	mock.ExpectExec(`UPDATE accounts`).
		WithArgs("acct-1", string(domain.StatusFailed), 92900.0, string(domain.ReasonMaxDrawdown)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), "acct-1", domain.ReasonMaxDrawdown, 92900)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteExactlyOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	// The conditional close matches no row: the account is already closed.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE accounts`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Promote(context.Background(), "acct-1", &domain.Account{ID: "acct-2"})
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestPromoteCreatesFundedAccount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountsRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE accounts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO accounts`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Promote(context.Background(), "acct-1", &domain.Account{
		ID:          "acct-2",
		AccountType: domain.AccountLive,
		Status:      domain.StatusActive,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
