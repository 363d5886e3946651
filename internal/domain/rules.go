package domain

// UnrealizedPnL computes the mark-to-market PnL of a position:
// (price - entry) * (notional / entry) * direction.
func UnrealizedPnL(entryPrice, price, notional float64, side TradeSide) float64 {
	if entryPrice == 0 {
		return 0
	}
	return (price - entryPrice) * (notional / entryPrice) * side.Direction()
}

// MaxDrawdownThreshold is the equity floor computed once at monitoring
// start: initialBalance * (1 - maxDrawdownFraction).
func MaxDrawdownThreshold(initialBalance, maxDrawdownFraction float64) float64 {
	return initialBalance * (1 - maxDrawdownFraction)
}

// ViolatesMaxDrawdown reports whether equity has fallen below the
// precomputed floor. The comparison is strict: equity exactly at the
// threshold does not violate.
func ViolatesMaxDrawdown(equity, threshold float64) bool {
	return equity < threshold
}

// ViolatesDailyDrawdown reports whether today's loss exceeds the daily
// limit measured against the calendar-day equity baseline. A loss exactly
// at the limit does not violate.
func ViolatesDailyDrawdown(dayEquity, equity, dailyFraction float64) bool {
	return dayEquity-equity > dayEquity*dailyFraction
}

// ShouldTrigger evaluates a pending order's trigger predicate at the given
// price. Limit buys fill at or below the trigger, limit sells at or above;
// stop orders are the mirror image.
func ShouldTrigger(orderType OrderType, side TradeSide, trigger, price float64) bool {
	switch orderType {
	case OrderLimit:
		if side == SideBuy {
			return price <= trigger
		}
		return price >= trigger
	case OrderStop:
		if side == SideBuy {
			return price >= trigger
		}
		return price <= trigger
	default:
		return false
	}
}

// HitStopLoss reports whether price has reached the trade's stop loss.
func HitStopLoss(side TradeSide, stopLoss, price float64) bool {
	if side == SideBuy {
		return price <= stopLoss
	}
	return price >= stopLoss
}

// HitTakeProfit reports whether price has reached the trade's take profit.
func HitTakeProfit(side TradeSide, takeProfit, price float64) bool {
	if side == SideBuy {
		return price >= takeProfit
	}
	return price <= takeProfit
}

// MarginFor computes the margin a position locks: notional / leverage.
func MarginFor(units, leverage float64) float64 {
	if leverage <= 0 {
		return units
	}
	return units / leverage
}
