// Package events fans engine outcomes out to notification and
// presentation collaborators. Publishing is fire-and-forget: a slow
// consumer is dropped-to rather than allowed to delay the tick pipeline.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/domain"
)

// Type tags the outbound event kinds.
type Type string

const (
	TypeAccountStatusChanged Type = "accountStatusChanged"
	TypeTradeClosed          Type = "tradeClosed"
	TypePromotion            Type = "promotionResult"
)

// Event is one outbound notification.
type Event struct {
	Type Type

	// AccountStatusChanged
	AccountID string
	Status    domain.AccountStatus

	// TradeClosed
	TradeID string
	Reason  domain.CloseReason
	PnL     float64

	// PromotionResult
	OldAccountID string
	NewAccountID string
}

// Publisher is a channel-based fan-out with non-blocking publish.
type Publisher struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe returns a buffered channel receiving every subsequent event.
func (p *Publisher) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber without blocking. Full
// subscriber channels drop the event. The lock is held across the sends
// so Close cannot tear a channel down mid-send; the sends themselves
// never block, so the hold is bounded.
func (p *Publisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
			log.Warn().Str("type", string(event.Type)).Msg("Subscriber channel full, dropping event")
		}
	}
}

// Close tears down all subscriber channels.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}
