// Package orders validates trade creation requests and enrolls the
// resulting trades in monitoring. Market orders fill immediately at the
// request price; limit and stop orders reserve margin and wait for the
// engine's trigger.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/engine"
	"github.com/propshift/riskengine/internal/hotstore"
	"github.com/propshift/riskengine/internal/store"
)

var (
	// ErrInvalidRequest rejects malformed requests before any side effect.
	ErrInvalidRequest = errors.New("invalid trade request")
	// ErrInsufficientMargin rejects requests the account cannot cover.
	ErrInsufficientMargin = errors.New("insufficient free margin")
	// ErrAccountNotTradable rejects requests on failed, suspended, or
	// closed accounts.
	ErrAccountNotTradable = errors.New("account is not tradable")
)

// TradeCreationRequest is the inbound order shape.
type TradeCreationRequest struct {
	AccountID    string           `json:"accountId"`
	Market       string           `json:"market"`
	Symbol       string           `json:"symbol"`
	Side         domain.TradeSide `json:"side"`
	Units        float64          `json:"units"`
	OrderType    domain.OrderType `json:"orderType"`
	EntryPrice   float64          `json:"entryPrice,omitempty"`
	TriggerPrice float64          `json:"triggerPrice,omitempty"`
	StopLoss     *float64         `json:"stopLoss,omitempty"`
	TakeProfit   *float64         `json:"takeProfit,omitempty"`
	Leverage     float64          `json:"leverage"`
}

// Monitor is the engine surface the orders service enrolls trades with.
type Monitor interface {
	MonitorTrade(ctx context.Context, trade *domain.Trade) error
	MonitorOrder(ctx context.Context, trade *domain.Trade) error
}

// Service places and cancels orders.
type Service struct {
	repo    *store.Repository
	hot     hotstore.Store
	monitor Monitor
	gateway engine.MarketGateway

	// spreadRate is charged on market-order placement only. Pending
	// fills do not incur spread.
	spreadRate float64

	now func() time.Time
}

// NewService wires the orders service.
func NewService(repo *store.Repository, hot hotstore.Store, monitor Monitor, gateway engine.MarketGateway, spreadRate float64) *Service {
	return &Service{
		repo:       repo,
		hot:        hot,
		monitor:    monitor,
		gateway:    gateway,
		spreadRate: spreadRate,
		now:        time.Now,
	}
}

// PlaceOrder validates the request and creates a pending or open trade.
// Market orders are registered with the engine synchronously before the
// call returns, so the first tick after placement already monitors them.
func (s *Service) PlaceOrder(ctx context.Context, req TradeCreationRequest) (*domain.Trade, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	account, err := s.repo.Accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.Tradable() {
		return nil, fmt.Errorf("%w: account %s is %s", ErrAccountNotTradable, account.ID, account.Status)
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = account.Leverage
	}
	margin := domain.MarginFor(req.Units, leverage)

	spread := 0.0
	if req.OrderType == domain.OrderMarket {
		spread = req.Units * s.spreadRate
	}
	if account.FreeMargin() < margin+spread {
		return nil, fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientMargin, margin+spread, account.FreeMargin())
	}

	now := s.now().UTC()
	trade := &domain.Trade{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		Market:         req.Market,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Units:          req.Units,
		Leverage:       leverage,
		OrderType:      req.OrderType,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		MarginRequired: margin,
		CreatedAt:      now,
	}

	if req.OrderType == domain.OrderMarket {
		trade.Status = domain.TradeOpen
		trade.EntryPrice = req.EntryPrice
		trade.ExecutedAt = &now

		if err := s.repo.Trades.Create(ctx, trade); err != nil {
			return nil, err
		}
		if err := s.repo.Accounts.DebitSpread(ctx, account.ID, spread, margin); err != nil {
			return nil, err
		}
		if err := s.monitor.MonitorTrade(ctx, trade); err != nil {
			return nil, fmt.Errorf("failed to enroll trade %s in monitoring: %w", trade.ID, err)
		}

		log.Info().Str("trade_id", trade.ID).Str("symbol", trade.Symbol).
			Float64("entry", trade.EntryPrice).Msg("Market order filled")
		return trade, nil
	}

	trigger := req.TriggerPrice
	trade.Status = domain.TradePending
	trade.TriggerPrice = &trigger

	if err := s.repo.Trades.Create(ctx, trade); err != nil {
		return nil, err
	}
	if err := s.repo.Accounts.ReservePendingMargin(ctx, account.ID, margin); err != nil {
		return nil, err
	}
	if err := s.monitor.MonitorOrder(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to enroll order %s in monitoring: %w", trade.ID, err)
	}

	log.Info().Str("trade_id", trade.ID).Str("symbol", trade.Symbol).
		Float64("trigger", trigger).Msg("Pending order placed")
	return trade, nil
}

// CancelOrder cancels a pending order. The hot-store claim adjudicates
// the race against the engine's trigger execution: losing the claim means
// the order already filled (or was already cancelled), and the call
// returns the settled trade without error.
func (s *Service) CancelOrder(ctx context.Context, tradeID string) (*domain.Trade, error) {
	claimed, err := s.hot.ClaimPendingOrder(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		trade, err := s.repo.Trades.Get(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		if trade.Status != domain.TradePending {
			log.Debug().Str("trade_id", tradeID).Str("status", string(trade.Status)).
				Msg("Cancel lost the claim, returning settled state")
			return trade, nil
		}
		// Durably pending with no hot record: the cache lost the order.
		// The durable conditional cancel still adjudicates against a
		// concurrent trigger execution.
		return s.cancelDurable(ctx, trade)
	}

	if err := s.repo.Trades.Cancel(ctx, tradeID); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			trade, getErr := s.repo.Trades.Get(ctx, tradeID)
			if getErr != nil {
				return nil, getErr
			}
			return trade, nil
		}
		return nil, err
	}
	if err := s.repo.Accounts.ReleasePendingMargin(ctx, claimed.AccountID, claimed.Margin); err != nil {
		return nil, err
	}

	if err := s.gateway.Unsubscribe(tradeID, claimed.Market, claimed.Symbol, engine.TickChannel); err != nil {
		log.Warn().Err(err).Str("trade_id", tradeID).Msg("Failed to unsubscribe cancelled order")
	}

	log.Info().Str("trade_id", tradeID).Str("symbol", claimed.Symbol).Msg("Pending order cancelled")
	return s.repo.Trades.Get(ctx, tradeID)
}

// cancelDurable cancels a pending order whose hot record is gone, working
// from the durable trade alone.
func (s *Service) cancelDurable(ctx context.Context, trade *domain.Trade) (*domain.Trade, error) {
	if err := s.repo.Trades.Cancel(ctx, trade.ID); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			return s.repo.Trades.Get(ctx, trade.ID)
		}
		return nil, err
	}
	if err := s.repo.Accounts.ReleasePendingMargin(ctx, trade.AccountID, trade.MarginRequired); err != nil {
		return nil, err
	}

	if err := s.gateway.Unsubscribe(trade.ID, trade.Market, trade.Symbol, engine.TickChannel); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Failed to unsubscribe cancelled order")
	}

	log.Info().Str("trade_id", trade.ID).Str("symbol", trade.Symbol).Msg("Pending order cancelled without hot record")
	return s.repo.Trades.Get(ctx, trade.ID)
}

func validate(req TradeCreationRequest) error {
	if req.AccountID == "" || req.Symbol == "" || req.Market == "" {
		return fmt.Errorf("%w: account, market, and symbol are required", ErrInvalidRequest)
	}
	if req.Units <= 0 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidRequest)
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, req.Side)
	}
	switch req.OrderType {
	case domain.OrderMarket:
		if req.EntryPrice <= 0 {
			return fmt.Errorf("%w: market orders require an entry price", ErrInvalidRequest)
		}
	case domain.OrderLimit, domain.OrderStop:
		if req.TriggerPrice <= 0 {
			return fmt.Errorf("%w: %s orders require a trigger price", ErrInvalidRequest, req.OrderType)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidRequest, req.OrderType)
	}
	return nil
}
