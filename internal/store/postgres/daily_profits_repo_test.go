package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propshift/riskengine/internal/domain"
)

func TestDailyProfitUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDailyProfitsRepo(db, time.Second)

	day := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO daily_profits`).
		WithArgs("acct-1", day, 100000.0, 100300.0, 300.0, 0.3, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Upsert(context.Background(), &domain.DailyProfit{
		AccountID:       "acct-1",
		Day:             day,
		StartingBalance: 100000,
		EndingBalance:   100300,
		ProfitAmount:    300,
		Percentage:      0.3,
		MeetsMinimum:    false,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDailyProfitGetMissingDayIsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDailyProfitsRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM daily_profits`).
		WillReturnRows(sqlmock.NewRows([]string{
			"account_id", "day", "starting_balance", "ending_balance",
			"profit_amount", "percentage", "meets_minimum",
		}))

	entry, err := repo.Get(context.Background(), "acct-1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestTradedDayCounts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDailyProfitsRepo(db, time.Second)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM daily_profits WHERE account_id = \$1$`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM daily_profits WHERE account_id = \$1 AND meets_minimum`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	traded, err := repo.TradedDays(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 7, traded)

	qualifying, err := repo.QualifyingDays(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 5, qualifying)
}
