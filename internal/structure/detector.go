// Package structure tracks swing extremes on the lower timeframe and flags
// breaks of structure (BOS).
//
// A break is reported on the candle that trades past the prevailing swing
// extreme. The swing is then moved to that candle's extreme, so the next
// break in the same direction needs price to exceed the new level. The BOS
// flag on State is cleared at the start of every Detect call: it describes
// the current candle only, and LastBreak keeps the most recent one for
// diagnostics.
package structure

import "github.com/atmx/confluence-engine/internal/model"

// Direction of a structure break.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Break describes one structure break.
type Break struct {
	Direction Direction       `json:"direction"`
	Level     model.Price     `json:"level"` // swing extreme that was exceeded
	Time      model.Timestamp `json:"time"`
}

// State is a snapshot of the detector.
type State struct {
	SwingHigh     model.Price     `json:"swing_high"`
	SwingHighTime model.Timestamp `json:"swing_high_time"`
	SwingLow      model.Price     `json:"swing_low"`
	SwingLowTime  model.Timestamp `json:"swing_low_time"`

	BOS          bool            `json:"bos"`
	BOSDirection Direction       `json:"bos_direction,omitempty"`
	BOSTime      model.Timestamp `json:"bos_time,omitempty"`

	LastBreak *Break `json:"last_break,omitempty"`
	Breaks    int    `json:"breaks"`
}

// Detector is single-run, single-goroutine state.
type Detector struct {
	state       State
	initialized bool
}

// NewDetector returns an uninitialized detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect ingests the next lower-timeframe candle. The first call seeds both
// swings at the candle close and reports nothing. Later calls compare the
// candle against the swings as they stood before this candle; when a break
// fires the updated state is returned with ok set.
//
// An outside bar that exceeds both swings reports one break, in the
// direction of its body (close >= open is bullish).
func (d *Detector) Detect(c model.Candle) (State, bool) {
	if !d.initialized {
		d.state = State{
			SwingHigh:     c.Close(),
			SwingHighTime: c.CloseTime,
			SwingLow:      c.Close(),
			SwingLowTime:  c.CloseTime,
		}
		d.initialized = true
		return d.snapshot(), false
	}

	d.state.BOS = false
	d.state.BOSDirection = ""
	d.state.BOSTime = 0

	brokeHigh := c.High().GreaterThan(d.state.SwingHigh)
	brokeLow := c.Low().LessThan(d.state.SwingLow)

	var br *Break
	switch {
	case brokeHigh && brokeLow:
		if c.Close().GreaterThanOrEqual(c.Open()) {
			br = &Break{Direction: Bullish, Level: d.state.SwingHigh, Time: c.CloseTime}
		} else {
			br = &Break{Direction: Bearish, Level: d.state.SwingLow, Time: c.CloseTime}
		}
	case brokeHigh:
		br = &Break{Direction: Bullish, Level: d.state.SwingHigh, Time: c.CloseTime}
	case brokeLow:
		br = &Break{Direction: Bearish, Level: d.state.SwingLow, Time: c.CloseTime}
	}

	// Swings follow price whether or not a break fired.
	if brokeHigh {
		d.state.SwingHigh = c.High()
		d.state.SwingHighTime = c.CloseTime
	}
	if brokeLow {
		d.state.SwingLow = c.Low()
		d.state.SwingLowTime = c.CloseTime
	}

	if br == nil {
		return d.snapshot(), false
	}
	d.state.BOS = true
	d.state.BOSDirection = br.Direction
	d.state.BOSTime = br.Time
	d.state.LastBreak = br
	d.state.Breaks++
	return d.snapshot(), true
}

// State returns the current snapshot and whether the detector has seen a
// candle yet.
func (d *Detector) State() (State, bool) {
	return d.snapshot(), d.initialized
}

// Reset clears all state for a fresh run.
func (d *Detector) Reset() {
	d.state = State{}
	d.initialized = false
}

func (d *Detector) snapshot() State {
	s := d.state
	if s.LastBreak != nil {
		b := *s.LastBreak
		s.LastBreak = &b
	}
	return s
}
