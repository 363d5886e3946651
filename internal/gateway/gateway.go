// Package gateway ingests vendor market feeds over pooled, authenticated
// websocket connections, multiplexes symbol subscriptions across local
// subscribers, and emits canonical ticks. Local bookkeeping is the
// trusted view of vendor state: subscribe/unsubscribe acknowledgements
// are not required.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/propshift/riskengine/internal/config"
	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/lifecycle"
	"github.com/propshift/riskengine/internal/metrics"
)

// TickHandler receives every canonical tick from every market.
type TickHandler func(*domain.CanonicalTick)

type subKey struct {
	market  string
	symbol  string
	channel string
}

// Gateway multiplexes symbol interest onto vendor connections. One vendor
// subscription is held per (market, symbol, channel) key regardless of
// how many local subscribers share it.
type Gateway struct {
	cfg   config.GatewayConfig
	guard *lifecycle.Manager

	mu      sync.Mutex
	pools   map[string]*pool
	subs    map[subKey]map[string]struct{}
	bySub   map[string]map[subKey]struct{}
	keyConn map[subKey]*connection

	onTick  TickHandler
	streams []chan *domain.CanonicalTick

	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a gateway; markets are attached with InitializeMarket.
func New(cfg config.GatewayConfig, guard *lifecycle.Manager) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:     cfg,
		guard:   guard,
		pools:   make(map[string]*pool),
		subs:    make(map[subKey]map[string]struct{}),
		bySub:   make(map[string]map[subKey]struct{}),
		keyConn: make(map[subKey]*connection),
		limiter: rate.NewLimiter(rate.Limit(cfg.SubscribeRate), cfg.SubscribeBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnTick sets the primary tick sink. Must be set before markets connect.
func (g *Gateway) OnTick(handler TickHandler) {
	g.mu.Lock()
	g.onTick = handler
	g.mu.Unlock()
}

// TickStream returns an additional buffered consumer channel. Slow
// consumers drop ticks instead of delaying the feed.
func (g *Gateway) TickStream() <-chan *domain.CanonicalTick {
	ch := make(chan *domain.CanonicalTick, 1024)
	g.mu.Lock()
	g.streams = append(g.streams, ch)
	g.mu.Unlock()
	return ch
}

// InitializeMarket creates the market's connection pool. Calling it again
// for a connected market is a no-op.
func (g *Gateway) InitializeMarket(market string) error {
	var mcfg *config.MarketConfig
	for i := range g.cfg.Markets {
		if g.cfg.Markets[i].Name == market {
			mcfg = &g.cfg.Markets[i]
			break
		}
	}
	if mcfg == nil {
		return fmt.Errorf("unknown market %s", market)
	}
	if !mcfg.Enabled {
		return fmt.Errorf("market %s is disabled", market)
	}

	g.mu.Lock()
	if _, exists := g.pools[market]; exists {
		g.mu.Unlock()
		return nil
	}
	p := newPool(g, *mcfg, g.cfg)
	g.pools[market] = p
	g.mu.Unlock()

	if err := p.connect(g.ctx); err != nil {
		return fmt.Errorf("failed to connect market %s: %w", market, err)
	}

	log.Info().Str("market", market).Int("connections", p.size()).Msg("Market initialized")
	return nil
}

// Subscribe registers a local subscriber's interest. The first subscriber
// for a key sends the vendor subscribe on the least-loaded authenticated
// connection.
func (g *Gateway) Subscribe(subscriberID, market, symbol, channel string) error {
	key := subKey{market: market, symbol: symbol, channel: channel}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.subs[key]; !ok {
		g.subs[key] = make(map[string]struct{})
	}
	first := len(g.subs[key]) == 0 && g.keyConn[key] == nil
	g.subs[key][subscriberID] = struct{}{}

	if _, ok := g.bySub[subscriberID]; !ok {
		g.bySub[subscriberID] = make(map[subKey]struct{})
	}
	g.bySub[subscriberID][key] = struct{}{}

	if !first {
		return nil
	}

	p, ok := g.pools[market]
	if !ok {
		return fmt.Errorf("market %s not initialized", market)
	}
	conn := p.leastLoaded()
	if conn == nil {
		return fmt.Errorf("no connection available for market %s", market)
	}

	if err := conn.subscribe(key); err != nil {
		return fmt.Errorf("vendor subscribe failed for %s/%s: %w", market, symbol, err)
	}
	g.keyConn[key] = conn
	metrics.ActiveSubscriptions.WithLabelValues(market).Inc()
	return nil
}

// Unsubscribe removes a local subscriber. When the key's subscriber set
// empties, the vendor unsubscribe is gated on the lifecycle guard: live
// trades or pending orders on the symbol keep the feed open.
func (g *Gateway) Unsubscribe(subscriberID, market, symbol, channel string) error {
	key := subKey{market: market, symbol: symbol, channel: channel}

	g.mu.Lock()
	if set, ok := g.subs[key]; ok {
		delete(set, subscriberID)
	}
	if set, ok := g.bySub[subscriberID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(g.bySub, subscriberID)
		}
	}
	empty := len(g.subs[key]) == 0
	g.mu.Unlock()

	if empty {
		g.reevaluate(key)
	}
	return nil
}

// UnsubscribeAll is the bulk teardown used when a subscriber disconnects.
func (g *Gateway) UnsubscribeAll(subscriberID string) {
	g.mu.Lock()
	keys := make([]subKey, 0, len(g.bySub[subscriberID]))
	for key := range g.bySub[subscriberID] {
		keys = append(keys, key)
	}
	g.mu.Unlock()

	for _, key := range keys {
		if err := g.Unsubscribe(subscriberID, key.market, key.symbol, key.channel); err != nil {
			log.Warn().Err(err).Str("subscriber", subscriberID).Str("symbol", key.symbol).
				Msg("Failed to unsubscribe during bulk teardown")
		}
	}
}

// reevaluate drops the vendor subscription for an unreferenced key once
// the lifecycle guard allows it. Re-invoked after every local
// unsubscribe; trade closes and order cancels arrive here through the
// engine's per-entity unsubscribes.
func (g *Gateway) reevaluate(key subKey) {
	if !g.guard.CanUnsubscribe(g.ctx, key.market, key.symbol) {
		log.Debug().Str("market", key.market).Str("symbol", key.symbol).
			Msg("Vendor unsubscribe suppressed: symbol still live")
		return
	}

	g.mu.Lock()
	conn := g.keyConn[key]
	if len(g.subs[key]) > 0 {
		// A subscriber arrived while the guard was consulted.
		g.mu.Unlock()
		return
	}
	delete(g.keyConn, key)
	delete(g.subs, key)
	g.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.unsubscribe(key); err != nil {
		log.Warn().Err(err).Str("symbol", key.symbol).Msg("Vendor unsubscribe failed")
		return
	}
	metrics.ActiveSubscriptions.WithLabelValues(key.market).Dec()
}

// dispatch delivers one canonical tick to the sink and every stream.
func (g *Gateway) dispatch(tick *domain.CanonicalTick) {
	metrics.TicksIngested.WithLabelValues(tick.Market).Inc()

	g.mu.Lock()
	handler := g.onTick
	streams := make([]chan *domain.CanonicalTick, len(g.streams))
	copy(streams, g.streams)
	g.mu.Unlock()

	if handler != nil {
		handler(tick)
	}
	for _, ch := range streams {
		select {
		case ch <- tick:
		default:
			log.Warn().Str("symbol", tick.Symbol).Msg("Tick stream full, dropping tick")
		}
	}
}

// Close tears down every market pool and stream.
func (g *Gateway) Close() {
	g.cancel()

	g.mu.Lock()
	pools := make([]*pool, 0, len(g.pools))
	for _, p := range g.pools {
		pools = append(pools, p)
	}
	streams := g.streams
	g.streams = nil
	g.mu.Unlock()

	for _, p := range pools {
		p.close()
	}
	g.wg.Wait()
	for _, ch := range streams {
		close(ch)
	}
	log.Info().Msg("Market data gateway closed")
}
