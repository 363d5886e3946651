package domain

import (
	"time"
)

// TradeSide is the direction of a position.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Direction returns +1 for buy and -1 for sell.
func (s TradeSide) Direction() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is how the trade enters the market.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// TradeStatus is the lifecycle state of a trade. Legal transitions are
// pending->open, pending->cancelled, and open->closed.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// CloseReason records why a trade left the open state.
type CloseReason string

const (
	ReasonUserClosed       CloseReason = "userClosed"
	ReasonStopLoss         CloseReason = "stopLossHit"
	ReasonTakeProfit       CloseReason = "takeProfitHit"
	ReasonMaxDrawdown      CloseReason = "maxDrawdownViolated"
	ReasonDailyDrawdown    CloseReason = "dailyDrawdownViolated"
	ReasonAccountPromoted  CloseReason = "accountPromoted"
	ReasonAccountSuspended CloseReason = "accountSuspended"
)

// Trade is one position or order. EntryPrice is set exactly once, at
// execution; pending trades carry a TriggerPrice instead.
type Trade struct {
	ID             string       `db:"id" json:"id"`
	AccountID      string       `db:"account_id" json:"accountId"`
	Market         string       `db:"market" json:"market"`
	Symbol         string       `db:"symbol" json:"symbol"`
	Side           TradeSide    `db:"side" json:"side"`
	Units          float64      `db:"units" json:"units"`
	Leverage       float64      `db:"leverage" json:"leverage"`
	OrderType      OrderType    `db:"order_type" json:"orderType"`
	TriggerPrice   *float64     `db:"trigger_price" json:"triggerPrice,omitempty"`
	EntryPrice     float64      `db:"entry_price" json:"entryPrice"`
	ExitPrice      *float64     `db:"exit_price" json:"exitPrice,omitempty"`
	StopLoss       *float64     `db:"stop_loss" json:"stopLoss,omitempty"`
	TakeProfit     *float64     `db:"take_profit" json:"takeProfit,omitempty"`
	MarginRequired float64      `db:"margin_required" json:"marginRequired"`
	Status         TradeStatus  `db:"status" json:"status"`
	PnL            float64      `db:"pnl" json:"pnl"`
	CloseReason    *CloseReason `db:"close_reason" json:"closeReason,omitempty"`
	ExecutedAt     *time.Time   `db:"executed_at" json:"executedAt,omitempty"`
	ClosedAt       *time.Time   `db:"closed_at" json:"closedAt,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
}

// Notional is the position size used by the PnL formula.
func (t *Trade) Notional() float64 {
	return t.Units
}

// HotTrade is the denormalized open-trade mirror kept in the hot store.
// Exactly one hot record exists per live trade; absence means not live.
type HotTrade struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	Market     string    `json:"market"`
	Symbol     string    `json:"symbol"`
	Side       TradeSide `json:"side"`
	Units      float64   `json:"units"`
	EntryPrice float64   `json:"entryPrice"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
}

// HotOrder is the denormalized pending-order mirror kept in the hot store.
type HotOrder struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	Market       string    `json:"market"`
	Symbol       string    `json:"symbol"`
	Side         TradeSide `json:"side"`
	Units        float64   `json:"units"`
	OrderType    OrderType `json:"orderType"`
	TriggerPrice float64   `json:"triggerPrice"`
	StopLoss     *float64  `json:"stopLoss,omitempty"`
	TakeProfit   *float64  `json:"takeProfit,omitempty"`
	Margin       float64   `json:"margin"`
}

// RiskSnapshot is the per-account risk view the engine reads on every tick.
type RiskSnapshot struct {
	AccountID            string  `json:"accountId"`
	InitialBalance       float64 `json:"initialBalance"`
	DailyDrawdownLimit   float64 `json:"dailyDrawdownLimit"`
	MaxDrawdownLimit     float64 `json:"maxDrawdownLimit"`
	CurrentBalance       float64 `json:"currentBalance"`
	CurrentEquity        float64 `json:"currentEquity"`
	HighestEquity        float64 `json:"highestEquity"`
	MaxDrawdownThreshold float64 `json:"maxDrawdownThreshold"`
	CurrentDayEquity     float64 `json:"currentDayEquity"`
	Day                  string  `json:"day"`
}
