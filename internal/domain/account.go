package domain

import (
	"time"
)

// AccountType distinguishes evaluation accounts from funded ones.
type AccountType string

const (
	AccountDemo AccountType = "demo"
	AccountLive AccountType = "live"
)

// AccountStatus is the lifecycle state of a trading account.
type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusFailed    AccountStatus = "failed"
	StatusPassed    AccountStatus = "passed"
	StatusSuspended AccountStatus = "suspended"
	StatusClosed    AccountStatus = "closed"
)

// Account is one trading account. Balance mutates only through the durable
// store; equity is balance plus the sum of unrealized PnL of open trades.
type Account struct {
	ID                 string        `db:"id" json:"id"`
	UserID             string        `db:"user_id" json:"userId"`
	AccountType        AccountType   `db:"account_type" json:"accountType"`
	Status             AccountStatus `db:"status" json:"status"`
	InitialBalance     float64       `db:"initial_balance" json:"initialBalance"`
	Balance            float64       `db:"balance" json:"balance"`
	Equity             float64       `db:"equity" json:"equity"`
	MarginUsed         float64       `db:"margin_used" json:"marginUsed"`
	MarginPending      float64       `db:"margin_pending" json:"marginPending"`
	Leverage           float64       `db:"leverage" json:"leverage"`
	DailyDrawdownLimit float64       `db:"daily_drawdown_limit" json:"dailyDrawdownLimit"`
	MaxDrawdownLimit   float64       `db:"max_drawdown_limit" json:"maxDrawdownLimit"`
	ProfitTarget       float64       `db:"profit_target" json:"profitTarget"`
	MinTradingDays     int           `db:"min_trading_days" json:"minTradingDays"`
	ActivelyTradedDays int           `db:"actively_traded_days" json:"activelyTradedDays"`
	IsActive           bool          `db:"is_active" json:"isActive"`
	DemoAccountID      *string       `db:"demo_account_id" json:"demoAccountId,omitempty"`
	LiveAccountID      *string       `db:"live_account_id" json:"liveAccountId,omitempty"`
	FailureReason      *string       `db:"failure_reason" json:"failureReason,omitempty"`
	PromotedAt         *time.Time    `db:"promoted_at" json:"promotedAt,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updatedAt"`
	Version            int64         `db:"version" json:"version"`
}

// Tradable reports whether the account can open new trades. Failed and
// closed are terminal for new trades; suspended and passed block entry too.
func (a *Account) Tradable() bool {
	return a.Status == StatusActive
}

// FreeMargin is the balance not locked by open or pending positions.
func (a *Account) FreeMargin() float64 {
	return a.Balance - a.MarginUsed - a.MarginPending
}

// DailyProfit is one row of the per-day profit ledger.
type DailyProfit struct {
	AccountID       string    `db:"account_id" json:"accountId"`
	Day             time.Time `db:"day" json:"day"`
	StartingBalance float64   `db:"starting_balance" json:"startingBalance"`
	EndingBalance   float64   `db:"ending_balance" json:"endingBalance"`
	ProfitAmount    float64   `db:"profit_amount" json:"profitAmount"`
	Percentage      float64   `db:"percentage" json:"percentage"`
	MeetsMinimum    bool      `db:"meets_minimum" json:"meetsMinimum"`
}

// PromotionEligible reports whether a closing trade leaves the account
// qualified for a funded account: active evaluation account, trading-days
// requirement met, and balance at or beyond initial balance plus profit
// target. Failed accounts never qualify regardless of balance.
func PromotionEligible(a *Account) bool {
	if a.AccountType != AccountDemo || a.Status != StatusActive {
		return false
	}
	if a.ActivelyTradedDays < a.MinTradingDays {
		return false
	}
	return a.Balance >= a.InitialBalance+a.ProfitTarget
}
