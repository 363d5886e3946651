package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/propshift/riskengine/internal/config"
	"github.com/propshift/riskengine/internal/metrics"
)

// pool holds a market's authenticated vendor connections.
type pool struct {
	gw    *Gateway
	mcfg  config.MarketConfig
	gcfg  config.GatewayConfig
	mu    sync.Mutex
	conns []*connection
}

func newPool(gw *Gateway, mcfg config.MarketConfig, gcfg config.GatewayConfig) *pool {
	if mcfg.PoolSize <= 0 {
		mcfg.PoolSize = 1
	}
	return &pool{gw: gw, mcfg: mcfg, gcfg: gcfg}
}

func (p *pool) connect(ctx context.Context) error {
	for i := 0; i < p.mcfg.PoolSize; i++ {
		conn := newConnection(p.gw, p.mcfg, p.gcfg, i)
		if err := conn.dial(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
	}
	return nil
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// leastLoaded returns the authenticated connection carrying the fewest
// vendor subscriptions, or any connected one when none has authenticated
// yet.
func (p *pool) leastLoaded() *connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *connection
	for _, c := range p.conns {
		if !c.isAuthenticated() {
			continue
		}
		if best == nil || c.subCount() < best.subCount() {
			best = c
		}
	}
	if best != nil {
		return best
	}
	for _, c := range p.conns {
		if c.isConnected() {
			return c
		}
	}
	return nil
}

func (p *pool) close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// connection is one vendor websocket with bounded reconnect and
// subscription resend on (re)authentication.
type connection struct {
	gw   *Gateway
	mcfg config.MarketConfig
	gcfg config.GatewayConfig
	id   int

	mu            sync.Mutex
	ws            *websocket.Conn
	connected     bool
	authenticated bool
	subs          map[subKey]struct{}
	lastPong      time.Time

	writeMu sync.Mutex
	breaker *gobreaker.CircuitBreaker
	closing bool
}

func newConnection(gw *Gateway, mcfg config.MarketConfig, gcfg config.GatewayConfig, id int) *connection {
	return &connection{
		gw:   gw,
		mcfg: mcfg,
		gcfg: gcfg,
		id:   id,
		subs: make(map[subKey]struct{}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("%s-dial-%d", mcfg.Name, id),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}
}

func (c *connection) dial(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.mcfg.WSEndpoint, nil)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.ws = ws
		c.connected = true
		c.authenticated = c.mcfg.APIKey == ""
		c.lastPong = time.Now()
		c.mu.Unlock()

		ws.SetPongHandler(func(string) error {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			return nil
		})

		if c.mcfg.APIKey != "" {
			if err := c.writeJSON(map[string]string{"action": "auth", "key": c.mcfg.APIKey}); err != nil {
				return nil, fmt.Errorf("failed to send auth: %w", err)
			}
		} else {
			// No credentials required: resend whatever this connection held.
			c.resubscribe()
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.mcfg.Name, err)
	}

	c.gw.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	log.Info().Str("market", c.mcfg.Name).Int("conn", c.id).Msg("Vendor connection established")
	return nil
}

func (c *connection) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *connection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.authenticated
}

func (c *connection) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// subscribe sends the vendor subscribe and records the key for resend on
// reconnect. No acknowledgement is awaited.
func (c *connection) subscribe(key subKey) error {
	if err := c.gw.limiter.Wait(c.gw.ctx); err != nil {
		return err
	}
	if err := c.writeJSON(map[string]string{
		"action":  "subscribe",
		"symbol":  key.symbol,
		"channel": key.channel,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *connection) unsubscribe(key subKey) error {
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
	return c.writeJSON(map[string]string{
		"action":  "unsubscribe",
		"symbol":  key.symbol,
		"channel": key.channel,
	})
}

// resubscribe resends every registered subscription, used after each
// (re)authentication.
func (c *connection) resubscribe() {
	c.mu.Lock()
	keys := make([]subKey, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.writeJSON(map[string]string{
			"action":  "subscribe",
			"symbol":  key.symbol,
			"channel": key.channel,
		}); err != nil {
			log.Warn().Err(err).Str("symbol", key.symbol).Msg("Failed to resend subscription")
		}
	}
	if len(keys) > 0 {
		log.Info().Str("market", c.mcfg.Name).Int("count", len(keys)).Msg("Resent subscriptions")
	}
}

func (c *connection) writeJSON(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("connection %s-%d is down", c.mcfg.Name, c.id)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// readLoop consumes vendor frames until the connection drops, then runs
// the bounded reconnect sequence.
func (c *connection) readLoop() {
	defer c.gw.wg.Done()

	for {
		select {
		case <-c.gw.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, message, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.connected = false
			c.authenticated = false
			c.mu.Unlock()
			if closing {
				return
			}
			log.Error().Err(err).Str("market", c.mcfg.Name).Int("conn", c.id).Msg("Vendor read error")
			if !c.reconnect() {
				return
			}
			continue
		}

		c.handleMessage(message)
	}
}

// handleMessage routes one vendor frame: auth acknowledgements flip the
// authenticated flag and trigger the resend; everything else goes through
// the normalizer. Unrecognized or incomplete frames are dropped silently.
func (c *connection) handleMessage(message []byte) {
	if isAuthAck(message) {
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		log.Info().Str("market", c.mcfg.Name).Int("conn", c.id).Msg("Vendor connection authenticated")
		c.resubscribe()
		return
	}

	tick := normalizeTick(c.mcfg.Name, message)
	if tick == nil {
		return
	}
	c.gw.dispatch(tick)
}

// reconnect redials with a fixed delay up to the configured attempt
// count, then gives up; the market's feed stays down until manual
// recovery.
func (c *connection) reconnect() bool {
	for attempt := 1; attempt <= c.gcfg.MaxReconnects; attempt++ {
		select {
		case <-c.gw.ctx.Done():
			return false
		case <-time.After(c.gcfg.ReconnectDelay):
		}

		metrics.Reconnects.WithLabelValues(c.mcfg.Name).Inc()
		log.Info().Str("market", c.mcfg.Name).Int("conn", c.id).
			Int("attempt", attempt).Msg("Reconnecting vendor connection")

		_, err := c.breaker.Execute(func() (interface{}, error) {
			ws, _, err := websocket.DefaultDialer.DialContext(c.gw.ctx, c.mcfg.WSEndpoint, nil)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.ws = ws
			c.connected = true
			c.authenticated = c.mcfg.APIKey == ""
			c.lastPong = time.Now()
			c.mu.Unlock()

			ws.SetPongHandler(func(string) error {
				c.mu.Lock()
				c.lastPong = time.Now()
				c.mu.Unlock()
				return nil
			})

			if c.mcfg.APIKey != "" {
				return nil, c.writeJSON(map[string]string{"action": "auth", "key": c.mcfg.APIKey})
			}
			c.resubscribe()
			return nil, nil
		})
		if err == nil {
			return true
		}
		log.Warn().Err(err).Str("market", c.mcfg.Name).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}

	log.Error().Str("market", c.mcfg.Name).Int("conn", c.id).
		Int("attempts", c.gcfg.MaxReconnects).Msg("Giving up on vendor connection")
	return false
}

// pingLoop keeps the vendor connection alive and closes it when pongs go
// stale, which lets readLoop drive the reconnect.
func (c *connection) pingLoop() {
	defer c.gw.wg.Done()

	if c.gcfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.gcfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.gw.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ws := c.ws
			pongAge := time.Since(c.lastPong)
			connected := c.connected
			c.mu.Unlock()

			if !connected || ws == nil {
				continue
			}
			if c.gcfg.PongTimeout > 0 && pongAge > c.gcfg.PongTimeout {
				log.Warn().Str("market", c.mcfg.Name).Dur("pong_age", pongAge).
					Msg("Pong timeout exceeded, closing connection")
				ws.Close()
				continue
			}
			c.writeMu.Lock()
			err := ws.WriteMessage(websocket.PingMessage, []byte{})
			c.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("market", c.mcfg.Name).Msg("Failed to send ping")
			}
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}
