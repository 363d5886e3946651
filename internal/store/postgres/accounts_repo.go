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

const accountColumns = `id, user_id, account_type, status, initial_balance, balance, equity,
	margin_used, margin_pending, leverage, daily_drawdown_limit, max_drawdown_limit,
	profit_target, min_trading_days, actively_traded_days, is_active, demo_account_id,
	live_account_id, failure_reason, promoted_at, created_at, updated_at, version`

// accountsRepo implements store.AccountsRepo for PostgreSQL.
type accountsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAccountsRepo creates a PostgreSQL accounts repository.
func NewAccountsRepo(db *sqlx.DB, timeout time.Duration) store.AccountsRepo {
	return &accountsRepo{db: db, timeout: timeout}
}

func (r *accountsRepo) Get(ctx context.Context, id string) (*domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var account domain.Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if err := r.db.GetContext(ctx, &account, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return &account, nil
}

func (r *accountsRepo) Create(ctx context.Context, account *domain.Account) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (:id, :user_id, :account_type, :status, :initial_balance, :balance, :equity,
			:margin_used, :margin_pending, :leverage, :daily_drawdown_limit, :max_drawdown_limit,
			:profit_target, :min_trading_days, :actively_traded_days, :is_active, :demo_account_id,
			:live_account_id, :failure_reason, :promoted_at, :created_at, :updated_at, :version)`
	if _, err := r.db.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("failed to create account %s: %w", account.ID, err)
	}
	return nil
}

// ApplyClosure performs the single durable mutation a trade closure makes:
// release used margin, apply realized PnL to balance, collapse equity to
// the new balance, and store the recomputed trading-days count. The
// version predicate detects concurrent closures on the same account.
func (r *accountsRepo) ApplyClosure(ctx context.Context, update store.ClosureUpdate) (*domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE accounts
		SET balance = balance + $2,
			equity = balance + $2,
			margin_used = GREATEST(margin_used - $3, 0),
			actively_traded_days = $4,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $5
		RETURNING ` + accountColumns

	var account domain.Account
	err := r.db.GetContext(ctx, &account, query,
		update.AccountID, update.RealizedPnL, update.MarginReleased,
		update.ActivelyTradedDays, update.ExpectedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing account from a lost version race.
		if _, getErr := r.Get(ctx, update.AccountID); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply closure to account %s: %w", update.AccountID, err)
	}
	return &account, nil
}

func (r *accountsRepo) MarkFailed(ctx context.Context, id string, reason domain.CloseReason, equity float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE accounts
		SET status = $2, equity = $3, failure_reason = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, domain.StatusFailed, equity, string(reason)); err != nil {
		return fmt.Errorf("failed to mark account %s failed: %w", id, err)
	}
	return nil
}

func (r *accountsRepo) ReleasePendingMargin(ctx context.Context, id string, margin float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE accounts
		SET margin_pending = GREATEST(margin_pending - $2, 0), version = version + 1, updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, margin); err != nil {
		return fmt.Errorf("failed to release pending margin on %s: %w", id, err)
	}
	return nil
}

func (r *accountsRepo) ReservePendingMargin(ctx context.Context, id string, margin float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE accounts
		SET margin_pending = margin_pending + $2, version = version + 1, updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, margin); err != nil {
		return fmt.Errorf("failed to reserve pending margin on %s: %w", id, err)
	}
	return nil
}

// ActivatePendingMargin moves a filled order's reserved margin from
// pending to used in one statement.
func (r *accountsRepo) ActivatePendingMargin(ctx context.Context, id string, margin float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE accounts
		SET margin_pending = GREATEST(margin_pending - $2, 0),
			margin_used = margin_used + $2,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, margin); err != nil {
		return fmt.Errorf("failed to activate pending margin on %s: %w", id, err)
	}
	return nil
}

// DebitSpread charges the market-order spread and locks the position's
// margin in one statement.
func (r *accountsRepo) DebitSpread(ctx context.Context, id string, amount, marginUsed float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE accounts
		SET balance = balance - $2,
			equity = equity - $2,
			margin_used = margin_used + $3,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, amount, marginUsed); err != nil {
		return fmt.Errorf("failed to debit spread on %s: %w", id, err)
	}
	return nil
}

// Promote closes the evaluation account and creates its funded successor
// in one transaction. The status predicate on the old account makes
// promotion exactly-once: a second attempt matches no row.
func (r *accountsRepo) Promote(ctx context.Context, oldID string, newAccount *domain.Account) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin promotion transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET status = $2, is_active = FALSE, live_account_id = $3, promoted_at = NOW(),
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status <> $2`,
		oldID, domain.StatusClosed, newAccount.ID)
	if err != nil {
		return fmt.Errorf("failed to close promoted account %s: %w", oldID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read promotion rows: %w", err)
	}
	if rows == 0 {
		return store.ErrIllegalTransition
	}

	insert := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (:id, :user_id, :account_type, :status, :initial_balance, :balance, :equity,
			:margin_used, :margin_pending, :leverage, :daily_drawdown_limit, :max_drawdown_limit,
			:profit_target, :min_trading_days, :actively_traded_days, :is_active, :demo_account_id,
			:live_account_id, :failure_reason, :promoted_at, :created_at, :updated_at, :version)`
	if _, err := tx.NamedExecContext(ctx, insert, newAccount); err != nil {
		return fmt.Errorf("failed to create funded account: %w", err)
	}

	return tx.Commit()
}
