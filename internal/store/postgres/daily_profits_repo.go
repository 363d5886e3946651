package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/store"
)

// dailyProfitsRepo implements store.DailyProfitsRepo for PostgreSQL.
type dailyProfitsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDailyProfitsRepo creates a PostgreSQL daily-profit ledger repository.
func NewDailyProfitsRepo(db *sqlx.DB, timeout time.Duration) store.DailyProfitsRepo {
	return &dailyProfitsRepo{db: db, timeout: timeout}
}

// Upsert creates or refreshes today's ledger entry. The starting balance
// of an existing row is preserved; everything else reflects the latest
// closure.
func (r *dailyProfitsRepo) Upsert(ctx context.Context, entry *domain.DailyProfit) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO daily_profits (account_id, day, starting_balance, ending_balance,
			profit_amount, percentage, meets_minimum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, day) DO UPDATE
		SET ending_balance = EXCLUDED.ending_balance,
			profit_amount = EXCLUDED.profit_amount,
			percentage = EXCLUDED.percentage,
			meets_minimum = EXCLUDED.meets_minimum`
	_, err := r.db.ExecContext(ctx, query,
		entry.AccountID, entry.Day, entry.StartingBalance, entry.EndingBalance,
		entry.ProfitAmount, entry.Percentage, entry.MeetsMinimum)
	if err != nil {
		return fmt.Errorf("failed to upsert daily profit for %s: %w", entry.AccountID, err)
	}
	return nil
}

func (r *dailyProfitsRepo) Get(ctx context.Context, accountID string, day time.Time) (*domain.DailyProfit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entry domain.DailyProfit
	query := `
		SELECT account_id, day, starting_balance, ending_balance, profit_amount, percentage, meets_minimum
		FROM daily_profits WHERE account_id = $1 AND day = $2`
	if err := r.db.GetContext(ctx, &entry, query, accountID, day); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get daily profit for %s: %w", accountID, err)
	}
	return &entry, nil
}

// TradedDays counts every ledger day with at least one closure.
func (r *dailyProfitsRepo) TradedDays(ctx context.Context, accountID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	query := `SELECT COUNT(*) FROM daily_profits WHERE account_id = $1`
	if err := r.db.GetContext(ctx, &count, query, accountID); err != nil {
		return 0, fmt.Errorf("failed to count traded days for %s: %w", accountID, err)
	}
	return count, nil
}

// QualifyingDays counts ledger days meeting the minimum-profit rule, used
// to recompute actively-traded days for funded accounts.
func (r *dailyProfitsRepo) QualifyingDays(ctx context.Context, accountID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	query := `SELECT COUNT(*) FROM daily_profits WHERE account_id = $1 AND meets_minimum`
	if err := r.db.GetContext(ctx, &count, query, accountID); err != nil {
		return 0, fmt.Errorf("failed to count qualifying days for %s: %w", accountID, err)
	}
	return count, nil
}
