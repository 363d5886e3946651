package hotstore

import (
	"context"
	"sync"

	"github.com/propshift/riskengine/internal/domain"
)

// MemoryStore is an in-process Store used by tests and single-node
// development runs. Semantics mirror the Redis implementation: claims are
// atomic, absence means not live, and merges on a missing snapshot are
// no-ops.
type MemoryStore struct {
	mu      sync.Mutex
	trades  map[string]*domain.HotTrade
	orders  map[string]*domain.HotOrder
	risk    map[string]*domain.RiskSnapshot
	pnl     map[string]map[string]float64
	symbols map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:  make(map[string]*domain.HotTrade),
		orders:  make(map[string]*domain.HotOrder),
		risk:    make(map[string]*domain.RiskSnapshot),
		pnl:     make(map[string]map[string]float64),
		symbols: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) SetOpenTrade(ctx context.Context, trade *domain.HotTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *trade
	m.trades[trade.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOpenTrade(ctx context.Context, tradeID string) (*domain.HotTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[tradeID]
	if !ok {
		return nil, nil
	}
	cp := *trade
	return &cp, nil
}

func (m *MemoryStore) DeleteOpenTrade(ctx context.Context, trade *domain.HotTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trades, trade.ID)
	if byTrade, ok := m.pnl[trade.AccountID]; ok {
		delete(byTrade, trade.ID)
	}
	return nil
}

func (m *MemoryStore) TradesBySymbol(ctx context.Context, symbol string) ([]*domain.HotTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.HotTrade
	for _, trade := range m.trades {
		if trade.Symbol == symbol {
			cp := *trade
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) TradesByAccount(ctx context.Context, accountID string) ([]*domain.HotTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.HotTrade
	for _, trade := range m.trades {
		if trade.AccountID == accountID {
			cp := *trade
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetPendingOrder(ctx context.Context, order *domain.HotOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingOrder(ctx context.Context, orderID string) (*domain.HotOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *order
	return &cp, nil
}

func (m *MemoryStore) ClaimPendingOrder(ctx context.Context, orderID string) (*domain.HotOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	delete(m.orders, orderID)
	cp := *order
	return &cp, nil
}

func (m *MemoryStore) PendingOrdersBySymbol(ctx context.Context, symbol string) ([]*domain.HotOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.HotOrder
	for _, order := range m.orders {
		if order.Symbol == symbol {
			cp := *order
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetRisk(ctx context.Context, accountID string) (*domain.RiskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.risk[accountID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (m *MemoryStore) SetRisk(ctx context.Context, snapshot *domain.RiskSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snapshot
	m.risk[snapshot.AccountID] = &cp
	return nil
}

func (m *MemoryStore) MergeRisk(ctx context.Context, accountID string, update func(*domain.RiskSnapshot)) (*domain.RiskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.risk[accountID]
	if !ok {
		return nil, nil
	}
	update(snap)
	cp := *snap
	return &cp, nil
}

func (m *MemoryStore) SetTradePnL(ctx context.Context, accountID, tradeID string, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pnl[accountID]; !ok {
		m.pnl[accountID] = make(map[string]float64)
	}
	m.pnl[accountID][tradeID] = pnl
	return nil
}

func (m *MemoryStore) DeleteTradePnL(ctx context.Context, accountID, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byTrade, ok := m.pnl[accountID]; ok {
		delete(byTrade, tradeID)
	}
	return nil
}

func (m *MemoryStore) AllTradePnL(ctx context.Context, accountID string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.pnl[accountID]))
	for id, pnl := range m.pnl[accountID] {
		out[id] = pnl
	}
	return out, nil
}

func (m *MemoryStore) TotalOpenPnL(ctx context.Context, accountID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, pnl := range m.pnl[accountID] {
		total += pnl
	}
	return total, nil
}

func (m *MemoryStore) AddAccountSymbol(ctx context.Context, accountID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.symbols[accountID]; !ok {
		m.symbols[accountID] = make(map[string]struct{})
	}
	m.symbols[accountID][symbol] = struct{}{}
	return nil
}

func (m *MemoryStore) RemoveAccountSymbol(ctx context.Context, accountID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.symbols[accountID]; ok {
		delete(set, symbol)
	}
	return nil
}

func (m *MemoryStore) AccountSymbols(ctx context.Context, accountID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.symbols[accountID]))
	for symbol := range m.symbols[accountID] {
		out = append(out, symbol)
	}
	return out, nil
}

func (m *MemoryStore) SymbolLive(ctx context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, trade := range m.trades {
		if trade.Symbol == symbol {
			return true, nil
		}
	}
	for _, order := range m.orders {
		if order.Symbol == symbol {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) PurgeAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.risk, accountID)
	delete(m.pnl, accountID)
	delete(m.symbols, accountID)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
