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

const tradeColumns = `id, account_id, market, symbol, side, units, leverage, order_type,
	trigger_price, entry_price, exit_price, stop_loss, take_profit, margin_required,
	status, pnl, close_reason, executed_at, closed_at, created_at`

// tradesRepo implements store.TradesRepo for PostgreSQL.
type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates a PostgreSQL trades repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) store.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

func (r *tradesRepo) Get(ctx context.Context, id string) (*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trade domain.Trade
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	if err := r.db.GetContext(ctx, &trade, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTradeNotFound
		}
		return nil, fmt.Errorf("failed to get trade %s: %w", id, err)
	}
	return &trade, nil
}

func (r *tradesRepo) Create(ctx context.Context, trade *domain.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trades (` + tradeColumns + `)
		VALUES (:id, :account_id, :market, :symbol, :side, :units, :leverage, :order_type,
			:trigger_price, :entry_price, :exit_price, :stop_loss, :take_profit, :margin_required,
			:status, :pnl, :close_reason, :executed_at, :closed_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, trade); err != nil {
		return fmt.Errorf("failed to create trade %s: %w", trade.ID, err)
	}
	return nil
}

// ExecutePending converts a pending order into an open trade. Entry price
// is written exactly once here. A non-pending trade matches no row and
// returns ErrIllegalTransition.
func (r *tradesRepo) ExecutePending(ctx context.Context, id string, entryPrice float64, executedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades
		SET status = $2, entry_price = $3, executed_at = $4
		WHERE id = $1 AND status = $5`
	res, err := r.db.ExecContext(ctx, query, id, domain.TradeOpen, entryPrice, executedAt, domain.TradePending)
	if err != nil {
		return fmt.Errorf("failed to execute pending trade %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Close settles an open trade. A trade that already left the open state
// matches no row and returns ErrIllegalTransition, which the closure
// service treats as "already settled."
func (r *tradesRepo) Close(ctx context.Context, id string, exitPrice, pnl float64, reason domain.CloseReason, closedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades
		SET status = $2, exit_price = $3, pnl = $4, close_reason = $5, closed_at = $6
		WHERE id = $1 AND status = $7`
	res, err := r.db.ExecContext(ctx, query, id, domain.TradeClosed, exitPrice, pnl, string(reason), closedAt, domain.TradeOpen)
	if err != nil {
		return fmt.Errorf("failed to close trade %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Cancel settles a pending trade. Cancellation is legal only while
// pending.
func (r *tradesRepo) Cancel(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades
		SET status = $2, closed_at = NOW()
		WHERE id = $1 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, id, domain.TradeCancelled, domain.TradePending)
	if err != nil {
		return fmt.Errorf("failed to cancel trade %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *tradesRepo) OpenByAccount(ctx context.Context, accountID string) ([]*domain.Trade, error) {
	return r.listByStatus(ctx, accountID, domain.TradeOpen)
}

func (r *tradesRepo) PendingByAccount(ctx context.Context, accountID string) ([]*domain.Trade, error) {
	return r.listByStatus(ctx, accountID, domain.TradePending)
}

// AllActive lists every open trade and pending order, used to rebuild
// monitoring state after a restart.
func (r *tradesRepo) AllActive(ctx context.Context) ([]*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trades []*domain.Trade
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status IN ($1, $2) ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &trades, query, domain.TradeOpen, domain.TradePending); err != nil {
		return nil, fmt.Errorf("failed to list active trades: %w", err)
	}
	return trades, nil
}

func (r *tradesRepo) listByStatus(ctx context.Context, accountID string, status domain.TradeStatus) ([]*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trades []*domain.Trade
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE account_id = $1 AND status = $2 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &trades, query, accountID, status); err != nil {
		return nil, fmt.Errorf("failed to list %s trades for %s: %w", status, accountID, err)
	}
	return trades, nil
}

func requireRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s: %w", id, err)
	}
	if rows == 0 {
		return store.ErrIllegalTransition
	}
	return nil
}
