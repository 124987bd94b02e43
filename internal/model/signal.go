package model

// SignalType is the strategy decision carried by a Signal.
type SignalType string

const (
	SignalBuy     SignalType = "BUY"
	SignalSell    SignalType = "SELL"
	SignalInvalid SignalType = "INVALID"
)

// Signal is an immutable strategy decision. INVALID signals are diagnostic
// only and never become trades.
type Signal struct {
	ID        string            `json:"id" db:"id"`
	Symbol    string            `json:"symbol" db:"symbol"`
	Type      SignalType        `json:"type" db:"type"`
	Price     Price             `json:"price" db:"price"`
	Timestamp Timestamp         `json:"timestamp" db:"timestamp"`
	Reason    string            `json:"reason" db:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// NewSignal copies metadata so later changes by the caller are not visible.
func NewSignal(id, symbol string, typ SignalType, price Price, ts Timestamp, reason string, metadata map[string]string) Signal {
	var meta map[string]string
	if len(metadata) > 0 {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}
	return Signal{
		ID:        id,
		Symbol:    symbol,
		Type:      typ,
		Price:     price,
		Timestamp: ts,
		Reason:    reason,
		Metadata:  meta,
	}
}

// Tradable reports whether the signal can open a position.
func (s Signal) Tradable() bool {
	return s.Type == SignalBuy || s.Type == SignalSell
}

// Side maps a directional signal to a trade side.
func (s Signal) Side() (Side, bool) {
	switch s.Type {
	case SignalBuy:
		return SideBuy, true
	case SignalSell:
		return SideSell, true
	}
	return "", false
}

// Meta returns a metadata value.
func (s Signal) Meta(key string) (string, bool) {
	v, ok := s.Metadata[key]
	return v, ok
}
