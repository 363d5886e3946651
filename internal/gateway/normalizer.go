package gateway

import (
	"encoding/json"
	"time"

	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/metrics"
)

// vendorFrame is the superset of fields vendor feeds put on the wire.
// Price frames carry price/volume; candle frames carry OHLC.
type vendorFrame struct {
	Event     string  `json:"event"`
	Status    string  `json:"status"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}

func isAuthAck(message []byte) bool {
	var frame vendorFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return false
	}
	return frame.Event == "auth" && frame.Status == "ok"
}

// normalizeTick converts one vendor frame into a canonical tick. Frames
// that are not ticks, fail to parse, or miss a symbol or positive price
// return nil and are dropped.
func normalizeTick(market string, message []byte) *domain.CanonicalTick {
	var frame vendorFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		metrics.NormalizeFailures.WithLabelValues(market).Inc()
		return nil
	}

	if frame.Event != "tick" && frame.Event != "ohlc" {
		return nil
	}

	price := frame.Price
	if price == 0 && frame.Close != 0 {
		price = frame.Close
	}
	if frame.Symbol == "" || price <= 0 {
		metrics.NormalizeFailures.WithLabelValues(market).Inc()
		return nil
	}

	ts := time.Now().UTC()
	if frame.Timestamp > 0 {
		ts = time.UnixMilli(frame.Timestamp).UTC()
	}

	return &domain.CanonicalTick{
		Market:    market,
		Symbol:    frame.Symbol,
		Price:     price,
		Volume:    frame.Volume,
		Timestamp: ts,
		Open:      frame.Open,
		High:      frame.High,
		Low:       frame.Low,
		Close:     frame.Close,
	}
}
