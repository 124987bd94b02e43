// Package fvg detects Fair Value Gaps: three-bar price imbalances on the
// higher timeframe, and tracks each gap's mitigation lifecycle.
package fvg

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/model"
)

// Direction is the side of the imbalance.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Mitigation is the mutable part of a zone. It is written once.
type Mitigation struct {
	Mitigated bool             `json:"mitigated"`
	Price     *model.Price     `json:"mitigation_price,omitempty"`
	Time      *model.Timestamp `json:"mitigation_time,omitempty"`
}

// Zone is one gap. Identity and bounds are fixed at creation; only the
// mitigation sub-record changes, through Mitigate.
type Zone struct {
	ID         string          `json:"id"`
	Direction  Direction       `json:"direction"`
	UpperBound model.Price     `json:"upper_bound"`
	LowerBound model.Price     `json:"lower_bound"`
	CreatedAt  model.Timestamp `json:"created_at"`
	Mitigation Mitigation      `json:"mitigation"`
}

// ZoneID is derived from direction and the forming candle's open time.
func ZoneID(dir Direction, openTime model.Timestamp) string {
	return fmt.Sprintf("%s-%d", dir, openTime.Ms())
}

func newZone(dir Direction, upper, lower model.Price, formed model.Candle) *Zone {
	return &Zone{
		ID:         ZoneID(dir, formed.OpenTime),
		Direction:  dir,
		UpperBound: upper,
		LowerBound: lower,
		CreatedAt:  formed.OpenTime,
	}
}

// IsMitigated reports whether price has re-entered the zone.
func (z *Zone) IsMitigated() bool { return z.Mitigation.Mitigated }

// Mitigate marks the zone filled. It returns false, changing nothing, if the
// zone was already mitigated.
func (z *Zone) Mitigate(price model.Price, at model.Timestamp) bool {
	if z.Mitigation.Mitigated {
		return false
	}
	z.Mitigation = Mitigation{Mitigated: true, Price: &price, Time: &at}
	return true
}

// Overlaps reports whether the candle's range intersects the zone.
func (z *Zone) Overlaps(c model.Candle) bool {
	return c.Overlaps(z.LowerBound, z.UpperBound)
}

// Size is upper - lower.
func (z *Zone) Size() decimal.Decimal {
	return z.UpperBound.Decimal().Sub(z.LowerBound.Decimal())
}

// SizePercent expresses the zone size as a percent of ref. A zero ref
// yields zero.
func (z *Zone) SizePercent(ref model.Price) decimal.Decimal {
	if ref.IsZero() {
		return decimal.Zero
	}
	return z.Size().Div(ref.Decimal()).Mul(decimal.NewFromInt(100))
}

// snapshot returns a deep copy safe to hand to callers.
func (z *Zone) snapshot() Zone {
	c := *z
	if z.Mitigation.Price != nil {
		p := *z.Mitigation.Price
		c.Mitigation.Price = &p
	}
	if z.Mitigation.Time != nil {
		t := *z.Mitigation.Time
		c.Mitigation.Time = &t
	}
	return c
}
