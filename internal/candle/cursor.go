package candle

import "github.com/atmx/confluence-engine/internal/model"

// Cursor walks a chronologically ordered slice of higher-timeframe candles
// alongside a lower-timeframe feed. A higher bar becomes visible only once
// its close time is at or before the lower bar's close time.
type Cursor struct {
	higher []model.Candle
	next   int // index of the first not-yet-visible higher candle
}

// NewCursor wraps higher candles sorted by open time.
func NewCursor(higher []model.Candle) *Cursor {
	return &Cursor{higher: higher}
}

// Advance moves past every higher candle that has closed by lower's close
// time. It returns the latest visible higher candle, whether any is visible
// yet, and whether it changed since the previous call.
func (c *Cursor) Advance(lower model.Candle) (current model.Candle, ok bool, advanced bool) {
	before := c.next
	for c.next < len(c.higher) && c.higher[c.next].CloseTime <= lower.CloseTime {
		c.next++
	}
	if c.next == 0 {
		return model.Candle{}, false, false
	}
	return c.higher[c.next-1], true, c.next != before
}

// Remaining returns how many higher candles have not been reached.
func (c *Cursor) Remaining() int { return len(c.higher) - c.next }
