package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTimeframe is returned for unknown timeframe strings.
	ErrInvalidTimeframe = errors.New("model: invalid timeframe")

	// ErrAggregationFactor is returned when one timeframe is not an exact,
	// non-smaller multiple of another.
	ErrAggregationFactor = errors.New("model: timeframes are not an integer multiple")
)

// Timeframe is a bar duration. Values follow Binance kline intervals, with
// "1mo" accepted as the monthly bar.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF3d  Timeframe = "3d"
	TF1w  Timeframe = "1w"
	TF1mo Timeframe = "1mo"
)

const (
	minuteMs = int64(60 * 1000)
	hourMs   = 60 * minuteMs
	dayMs    = 24 * hourMs
)

// Months are fixed at 30 days so factor arithmetic stays integral.
var timeframeMs = map[Timeframe]int64{
	TF1m:  minuteMs,
	TF3m:  3 * minuteMs,
	TF5m:  5 * minuteMs,
	TF15m: 15 * minuteMs,
	TF30m: 30 * minuteMs,
	TF1h:  hourMs,
	TF2h:  2 * hourMs,
	TF4h:  4 * hourMs,
	TF6h:  6 * hourMs,
	TF8h:  8 * hourMs,
	TF12h: 12 * hourMs,
	TF1d:  dayMs,
	TF3d:  3 * dayMs,
	TF1w:  7 * dayMs,
	TF1mo: 30 * dayMs,
}

// ParseTimeframe validates s. The Binance monthly form "1M" maps to TF1mo.
func ParseTimeframe(s string) (Timeframe, error) {
	if s == "1M" {
		return TF1mo, nil
	}
	tf := Timeframe(s)
	if _, ok := timeframeMs[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the enumerated timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMs[tf]
	return ok
}

// Ms returns the bar duration in milliseconds, or 0 for an invalid value.
func (tf Timeframe) Ms() int64 { return timeframeMs[tf] }

func (tf Timeframe) String() string { return string(tf) }

// BinanceInterval returns the interval string Binance uses for tf.
func (tf Timeframe) BinanceInterval() string {
	if tf == TF1mo {
		return "1M"
	}
	return string(tf)
}

// AggregationFactor returns how many `from` bars make one tf bar. It fails
// unless tf is an exact, non-smaller multiple of from.
func (tf Timeframe) AggregationFactor(from Timeframe) (int, error) {
	to, base := tf.Ms(), from.Ms()
	if to == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	if base == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, from)
	}
	if to < base || to%base != 0 {
		return 0, fmt.Errorf("%w: %s from %s", ErrAggregationFactor, tf, from)
	}
	return int(to / base), nil
}
