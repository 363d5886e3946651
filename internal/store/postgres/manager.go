package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/propshift/riskengine/internal/config"
	"github.com/propshift/riskengine/internal/store"
)

// Manager owns the database connection pool and the repository set.
type Manager struct {
	db      *sqlx.DB
	timeout time.Duration
	repos   *store.Repository
}

// NewManager opens the connection pool, verifies connectivity, and wires
// the repositories.
func NewManager(cfg config.DatabaseConfig) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newManager(db, cfg.QueryTimeout), nil
}

func newManager(db *sqlx.DB, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		db:      db,
		timeout: timeout,
		repos: &store.Repository{
			Accounts:     NewAccountsRepo(db, timeout),
			Trades:       NewTradesRepo(db, timeout),
			DailyProfits: NewDailyProfitsRepo(db, timeout),
		},
	}
}

// Repository returns the wired repository set.
func (m *Manager) Repository() *store.Repository {
	return m.repos
}

// Ping checks connectivity for health reporting.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	return m.db.Close()
}
