package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-wide Prometheus collectors. Registered once on the default
// registry; the ops server exposes them at /metrics.
var (
	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_ticks_ingested_total",
		Help: "Canonical ticks received from the market data gateway",
	}, []string{"market"})

	NormalizeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_normalize_failures_total",
		Help: "Vendor messages dropped during normalization",
	}, []string{"market"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_gateway_reconnects_total",
		Help: "Vendor websocket reconnect attempts",
	}, []string{"market"})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "riskengine_gateway_active_subscriptions",
		Help: "Vendor symbol subscriptions currently held open",
	}, []string{"market"})

	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskengine_tick_pipeline_seconds",
		Help:    "Per-tick pipeline latency through the risk engine",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	OrdersTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_pending_orders_triggered_total",
		Help: "Pending orders converted to open trades by price crosses",
	})

	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_pending_claims_lost_total",
		Help: "Pending-order claims lost to a concurrent cancel or execute",
	})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_trades_closed_total",
		Help: "Trades closed, labeled by closure reason",
	}, []string{"reason"})

	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_liquidations_total",
		Help: "Accounts liquidated, labeled by violated rule",
	}, []string{"rule"})

	Promotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_promotions_total",
		Help: "Evaluation accounts promoted to funded accounts",
	})
)
