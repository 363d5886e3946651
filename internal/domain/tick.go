package domain

import "time"

// CanonicalTick is the normalized price unit derived from vendor-specific
// market messages. Ticks are ephemeral and never persisted.
type CanonicalTick struct {
	Market    string    `json:"market"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Close     float64   `json:"close,omitempty"`
}
