// Package hotstore is the keyed working-set cache backing per-tick
// decisions. It is a cache, not the system of record: absence of a key
// means "not currently live," and the durable store wins any disagreement.
package hotstore

import (
	"context"

	"github.com/propshift/riskengine/internal/domain"
)

// Store is the hot-state contract the engine, orders service, and
// lifecycle manager depend on. Every operation is independently atomic
// per key; no cross-key transactions are required.
type Store interface {
	// Open trades.
	SetOpenTrade(ctx context.Context, trade *domain.HotTrade) error
	GetOpenTrade(ctx context.Context, tradeID string) (*domain.HotTrade, error)
	DeleteOpenTrade(ctx context.Context, trade *domain.HotTrade) error
	TradesBySymbol(ctx context.Context, symbol string) ([]*domain.HotTrade, error)
	TradesByAccount(ctx context.Context, accountID string) ([]*domain.HotTrade, error)

	// Pending orders. ClaimPendingOrder is the atomic claim primitive:
	// exactly one caller wins the record, every other caller sees nil.
	SetPendingOrder(ctx context.Context, order *domain.HotOrder) error
	GetPendingOrder(ctx context.Context, orderID string) (*domain.HotOrder, error)
	ClaimPendingOrder(ctx context.Context, orderID string) (*domain.HotOrder, error)
	PendingOrdersBySymbol(ctx context.Context, symbol string) ([]*domain.HotOrder, error)

	// Per-account risk snapshot.
	GetRisk(ctx context.Context, accountID string) (*domain.RiskSnapshot, error)
	SetRisk(ctx context.Context, snapshot *domain.RiskSnapshot) error
	MergeRisk(ctx context.Context, accountID string, update func(*domain.RiskSnapshot)) (*domain.RiskSnapshot, error)

	// Per-trade unrealized PnL.
	SetTradePnL(ctx context.Context, accountID, tradeID string, pnl float64) error
	DeleteTradePnL(ctx context.Context, accountID, tradeID string) error
	AllTradePnL(ctx context.Context, accountID string) (map[string]float64, error)
	TotalOpenPnL(ctx context.Context, accountID string) (float64, error)

	// Per-account active-symbol sets.
	AddAccountSymbol(ctx context.Context, accountID, symbol string) error
	RemoveAccountSymbol(ctx context.Context, accountID, symbol string) error
	AccountSymbols(ctx context.Context, accountID string) ([]string, error)

	// SymbolLive reports whether any open trade or pending order on the
	// symbol remains registered, across all accounts.
	SymbolLive(ctx context.Context, symbol string) (bool, error)

	// PurgeAccount removes the risk snapshot, PnL entries, and symbol set.
	PurgeAccount(ctx context.Context, accountID string) error

	Ping(ctx context.Context) error
}
