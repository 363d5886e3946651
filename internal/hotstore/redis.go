package hotstore

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/domain"
)

// Key namespaces. Every live entity owns exactly one key; index sets
// bound the per-tick scans to the symbol's live ids.
const (
	keyOpenTrade    = "trade:open:"
	keyPendingOrder = "order:pending:"
	keyRisk         = "risk:"
	keyPnL          = "pnl:"
	keySymbols      = "symbols:"
	idxTradesSym    = "idx:trades:"
	idxOrdersSym    = "idx:orders:"
	idxTradesAcct   = "idx:trades:acct:"
)

const riskLockStripes = 64

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	client  redis.Cmdable
	timeout time.Duration

	// Serializes read-modify-write risk merges per account within this
	// process. Key-level redis atomicity covers everything else.
	riskLocks [riskLockStripes]sync.Mutex
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisStore(client redis.Cmdable, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisStore{client: client, timeout: timeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// SetOpenTrade registers a live trade and its symbol/account indexes.
func (s *RedisStore) SetOpenTrade(ctx context.Context, trade *domain.HotTrade) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal hot trade: %w", err)
	}
	if err := s.client.Set(ctx, keyOpenTrade+trade.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set open trade %s: %w", trade.ID, err)
	}
	if err := s.client.SAdd(ctx, idxTradesSym+trade.Symbol, trade.ID).Err(); err != nil {
		return fmt.Errorf("failed to index trade %s by symbol: %w", trade.ID, err)
	}
	if err := s.client.SAdd(ctx, idxTradesAcct+trade.AccountID, trade.ID).Err(); err != nil {
		return fmt.Errorf("failed to index trade %s by account: %w", trade.ID, err)
	}
	return nil
}

// GetOpenTrade returns nil without error when the trade is not live.
func (s *RedisStore) GetOpenTrade(ctx context.Context, tradeID string) (*domain.HotTrade, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keyOpenTrade+tradeID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open trade %s: %w", tradeID, err)
	}
	var trade domain.HotTrade
	if err := json.Unmarshal(data, &trade); err != nil {
		return nil, fmt.Errorf("failed to unmarshal open trade %s: %w", tradeID, err)
	}
	return &trade, nil
}

// DeleteOpenTrade removes the trade record, its indexes, and its PnL entry.
func (s *RedisStore) DeleteOpenTrade(ctx context.Context, trade *domain.HotTrade) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keyOpenTrade+trade.ID).Err(); err != nil {
		return fmt.Errorf("failed to delete open trade %s: %w", trade.ID, err)
	}
	if err := s.client.SRem(ctx, idxTradesSym+trade.Symbol, trade.ID).Err(); err != nil {
		return fmt.Errorf("failed to unindex trade %s by symbol: %w", trade.ID, err)
	}
	if err := s.client.SRem(ctx, idxTradesAcct+trade.AccountID, trade.ID).Err(); err != nil {
		return fmt.Errorf("failed to unindex trade %s by account: %w", trade.ID, err)
	}
	if err := s.client.HDel(ctx, keyPnL+trade.AccountID, trade.ID).Err(); err != nil {
		return fmt.Errorf("failed to delete pnl for trade %s: %w", trade.ID, err)
	}
	return nil
}

// TradesBySymbol scans the symbol's live trades. Stale index entries
// (trade deleted between SMembers and Get) are skipped.
func (s *RedisStore) TradesBySymbol(ctx context.Context, symbol string) ([]*domain.HotTrade, error) {
	return s.tradesByIndex(ctx, idxTradesSym+symbol)
}

// TradesByAccount scans one account's live trades.
func (s *RedisStore) TradesByAccount(ctx context.Context, accountID string) ([]*domain.HotTrade, error) {
	return s.tradesByIndex(ctx, idxTradesAcct+accountID)
}

func (s *RedisStore) tradesByIndex(ctx context.Context, indexKey string) ([]*domain.HotTrade, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", indexKey, err)
	}

	trades := make([]*domain.HotTrade, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, keyOpenTrade+id).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get open trade %s: %w", id, err)
		}
		var trade domain.HotTrade
		if err := json.Unmarshal(data, &trade); err != nil {
			log.Warn().Err(err).Str("trade_id", id).Msg("Skipping undecodable hot trade")
			continue
		}
		trades = append(trades, &trade)
	}
	return trades, nil
}

// SetPendingOrder registers a pending order and its symbol index.
func (s *RedisStore) SetPendingOrder(ctx context.Context, order *domain.HotOrder) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal hot order: %w", err)
	}
	if err := s.client.Set(ctx, keyPendingOrder+order.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set pending order %s: %w", order.ID, err)
	}
	if err := s.client.SAdd(ctx, idxOrdersSym+order.Symbol, order.ID).Err(); err != nil {
		return fmt.Errorf("failed to index pending order %s: %w", order.ID, err)
	}
	return nil
}

// GetPendingOrder returns nil without error when the order is not live.
func (s *RedisStore) GetPendingOrder(ctx context.Context, orderID string) (*domain.HotOrder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keyPendingOrder+orderID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending order %s: %w", orderID, err)
	}
	var order domain.HotOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending order %s: %w", orderID, err)
	}
	return &order, nil
}

// ClaimPendingOrder atomically takes ownership of a pending order via
// GETDEL. The winner receives the record; concurrent claimants and
// cancellations receive nil and must treat the order as settled elsewhere.
func (s *RedisStore) ClaimPendingOrder(ctx context.Context, orderID string) (*domain.HotOrder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.GetDel(ctx, keyPendingOrder+orderID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending order %s: %w", orderID, err)
	}
	var order domain.HotOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claimed order %s: %w", orderID, err)
	}
	if err := s.client.SRem(ctx, idxOrdersSym+order.Symbol, order.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to unindex claimed order %s: %w", orderID, err)
	}
	return &order, nil
}

// PendingOrdersBySymbol scans the symbol's live pending orders.
func (s *RedisStore) PendingOrdersBySymbol(ctx context.Context, symbol string) ([]*domain.HotOrder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, idxOrdersSym+symbol).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read order index for %s: %w", symbol, err)
	}

	orders := make([]*domain.HotOrder, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, keyPendingOrder+id).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get pending order %s: %w", id, err)
		}
		var order domain.HotOrder
		if err := json.Unmarshal(data, &order); err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("Skipping undecodable hot order")
			continue
		}
		orders = append(orders, &order)
	}
	return orders, nil
}

// GetRisk returns nil without error when no snapshot exists.
func (s *RedisStore) GetRisk(ctx context.Context, accountID string) (*domain.RiskSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keyRisk+accountID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk snapshot %s: %w", accountID, err)
	}
	var snap domain.RiskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk snapshot %s: %w", accountID, err)
	}
	return &snap, nil
}

// SetRisk stores the full snapshot.
func (s *RedisStore) SetRisk(ctx context.Context, snapshot *domain.RiskSnapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal risk snapshot: %w", err)
	}
	if err := s.client.Set(ctx, keyRisk+snapshot.AccountID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set risk snapshot %s: %w", snapshot.AccountID, err)
	}
	return nil
}

// MergeRisk applies update to the stored snapshot under a per-account
// lock, so concurrent ticks on different symbols of one account do not
// lose writes. Returns the snapshot after the update, or nil when no
// snapshot exists.
func (s *RedisStore) MergeRisk(ctx context.Context, accountID string, update func(*domain.RiskSnapshot)) (*domain.RiskSnapshot, error) {
	lock := &s.riskLocks[stripe(accountID)]
	lock.Lock()
	defer lock.Unlock()

	snap, err := s.GetRisk(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	update(snap)
	if err := s.SetRisk(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % riskLockStripes
}

// SetTradePnL stores one trade's unrealized PnL in the account's hash.
func (s *RedisStore) SetTradePnL(ctx context.Context, accountID, tradeID string, pnl float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.HSet(ctx, keyPnL+accountID, tradeID, pnl).Err(); err != nil {
		return fmt.Errorf("failed to set pnl for trade %s: %w", tradeID, err)
	}
	return nil
}

// DeleteTradePnL drops one trade's PnL entry.
func (s *RedisStore) DeleteTradePnL(ctx context.Context, accountID, tradeID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.HDel(ctx, keyPnL+accountID, tradeID).Err(); err != nil {
		return fmt.Errorf("failed to delete pnl for trade %s: %w", tradeID, err)
	}
	return nil
}

// AllTradePnL returns every open trade's PnL for the account.
func (s *RedisStore) AllTradePnL(ctx context.Context, accountID string) (map[string]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, keyPnL+accountID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pnl map for %s: %w", accountID, err)
	}
	out := make(map[string]float64, len(raw))
	for tradeID, v := range raw {
		pnl, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn().Str("trade_id", tradeID).Str("value", v).Msg("Skipping undecodable pnl entry")
			continue
		}
		out[tradeID] = pnl
	}
	return out, nil
}

// TotalOpenPnL sums the account's open-trade PnL entries.
func (s *RedisStore) TotalOpenPnL(ctx context.Context, accountID string) (float64, error) {
	pnls, err := s.AllTradePnL(ctx, accountID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, pnl := range pnls {
		total += pnl
	}
	return total, nil
}

// AddAccountSymbol records that the account has live interest in a symbol.
func (s *RedisStore) AddAccountSymbol(ctx context.Context, accountID, symbol string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.SAdd(ctx, keySymbols+accountID, symbol).Err(); err != nil {
		return fmt.Errorf("failed to add symbol %s for %s: %w", symbol, accountID, err)
	}
	return nil
}

// RemoveAccountSymbol drops a symbol from the account's active set.
func (s *RedisStore) RemoveAccountSymbol(ctx context.Context, accountID, symbol string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.SRem(ctx, keySymbols+accountID, symbol).Err(); err != nil {
		return fmt.Errorf("failed to remove symbol %s for %s: %w", symbol, accountID, err)
	}
	return nil
}

// AccountSymbols lists the account's active symbols.
func (s *RedisStore) AccountSymbols(ctx context.Context, accountID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	symbols, err := s.client.SMembers(ctx, keySymbols+accountID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get symbols for %s: %w", accountID, err)
	}
	return symbols, nil
}

// SymbolLive reports whether any open trade or pending order references
// the symbol across all accounts.
func (s *RedisStore) SymbolLive(ctx context.Context, symbol string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	trades, err := s.client.SCard(ctx, idxTradesSym+symbol).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count trades for %s: %w", symbol, err)
	}
	if trades > 0 {
		return true, nil
	}
	orders, err := s.client.SCard(ctx, idxOrdersSym+symbol).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count orders for %s: %w", symbol, err)
	}
	return orders > 0, nil
}

// PurgeAccount removes the account's risk snapshot, PnL hash, and symbol
// set. Individual trade records are deleted by the closure path.
func (s *RedisStore) PurgeAccount(ctx context.Context, accountID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := []string{keyRisk + accountID, keyPnL + accountID, keySymbols + accountID}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to purge account %s: %w", accountID, err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
