// Package lifecycle gates vendor unsubscription on live usage. Client
// subscriber counts alone are not enough: the engine still needs prices
// for any symbol carrying an open trade or pending order.
package lifecycle

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/hotstore"
)

// Manager answers the "may we drop this feed" question. It must be
// re-consulted after every local unsubscribe and after every trade close
// or order cancel that could remove a symbol's last reference.
type Manager struct {
	hot hotstore.Store
}

// NewManager wires the guard to the hot state store.
func NewManager(hot hotstore.Store) *Manager {
	return &Manager{hot: hot}
}

// CanUnsubscribe reports whether the vendor subscription for the symbol
// may be torn down. A hot-store fault keeps the subscription in place.
func (m *Manager) CanUnsubscribe(ctx context.Context, market, symbol string) bool {
	live, err := m.hot.SymbolLive(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("market", market).Str("symbol", symbol).
			Msg("Keeping subscription after hot-store check failure")
		return false
	}
	return !live
}
