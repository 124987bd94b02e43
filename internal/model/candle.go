package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidOHLCV is returned when high/low do not bound open/close.
	ErrInvalidOHLCV = errors.New("model: invalid OHLCV")

	// ErrInvalidRiskModel is returned for out-of-range risk parameters.
	ErrInvalidRiskModel = errors.New("model: invalid risk model")
)

// OHLCV is a validated open/high/low/close/volume tuple.
type OHLCV struct {
	Open   Price `json:"open"`
	High   Price `json:"high"`
	Low    Price `json:"low"`
	Close  Price `json:"close"`
	Volume Price `json:"volume"`
}

// NewOHLCV checks high >= open,close >= low. Volume is non-negative by
// construction of Price.
func NewOHLCV(open, high, low, close, volume Price) (OHLCV, error) {
	v := OHLCV{Open: open, High: high, Low: low, Close: close, Volume: volume}
	if err := v.Validate(); err != nil {
		return OHLCV{}, err
	}
	return v, nil
}

// Validate re-checks the ordering invariant, e.g. after JSON decoding.
func (v OHLCV) Validate() error {
	switch {
	case v.High.LessThan(v.Low):
		return fmt.Errorf("%w: high %s < low %s", ErrInvalidOHLCV, v.High, v.Low)
	case v.High.LessThan(v.Open) || v.High.LessThan(v.Close):
		return fmt.Errorf("%w: high %s below open/close", ErrInvalidOHLCV, v.High)
	case v.Low.GreaterThan(v.Open) || v.Low.GreaterThan(v.Close):
		return fmt.Errorf("%w: low %s above open/close", ErrInvalidOHLCV, v.Low)
	}
	return nil
}

// Candle is one OHLCV bar for a symbol and timeframe. Candles are values:
// once built they are passed by copy and never mutated.
type Candle struct {
	Symbol      string    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	OpenTime    Timestamp `json:"open_time"`
	CloseTime   Timestamp `json:"close_time"`
	OHLCV       OHLCV     `json:"ohlcv"`
	QuoteVolume Price     `json:"quote_volume"`
}

// NewCandle validates the bar's time range and price tuple.
func NewCandle(symbol string, tf Timeframe, openTime, closeTime Timestamp, v OHLCV, quoteVolume Price) (Candle, error) {
	c := Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		OpenTime:    openTime,
		CloseTime:   closeTime,
		OHLCV:       v,
		QuoteVolume: quoteVolume,
	}
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// Validate checks timeframe, time ordering and OHLCV invariants.
func (c Candle) Validate() error {
	if !c.Timeframe.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTimeframe, c.Timeframe)
	}
	if c.OpenTime < 0 || c.CloseTime < 0 {
		return ErrNegativeTimestamp
	}
	if c.CloseTime < c.OpenTime {
		return fmt.Errorf("%w: close time %d before open time %d", ErrInvalidOHLCV, c.CloseTime, c.OpenTime)
	}
	return c.OHLCV.Validate()
}

func (c Candle) Open() Price   { return c.OHLCV.Open }
func (c Candle) High() Price   { return c.OHLCV.High }
func (c Candle) Low() Price    { return c.OHLCV.Low }
func (c Candle) Close() Price  { return c.OHLCV.Close }
func (c Candle) Volume() Price { return c.OHLCV.Volume }

// Overlaps reports whether the candle's [low, high] range intersects
// [lower, upper].
func (c Candle) Overlaps(lower, upper Price) bool {
	return c.Low().LessThanOrEqual(upper) && c.High().GreaterThanOrEqual(lower)
}

// RiskModel is the per-run position sizing configuration.
type RiskModel struct {
	RiskPercent decimal.Decimal `json:"risk_percent"`
	RewardRatio decimal.Decimal `json:"reward_ratio"`
}

// DefaultRiskModel is 2% risk at 2:1 reward.
var DefaultRiskModel = RiskModel{
	RiskPercent: decimal.NewFromInt(2),
	RewardRatio: decimal.NewFromInt(2),
}

// NewRiskModel requires riskPercent in (0, 100] and rewardRatio > 0.
func NewRiskModel(riskPercent, rewardRatio decimal.Decimal) (RiskModel, error) {
	r := RiskModel{RiskPercent: riskPercent, RewardRatio: rewardRatio}
	if err := r.Validate(); err != nil {
		return RiskModel{}, err
	}
	return r, nil
}

func (r RiskModel) Validate() error {
	if !r.RiskPercent.IsPositive() || r.RiskPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: risk percent %s not in (0, 100]", ErrInvalidRiskModel, r.RiskPercent)
	}
	if !r.RewardRatio.IsPositive() {
		return fmt.Errorf("%w: reward ratio %s must be positive", ErrInvalidRiskModel, r.RewardRatio)
	}
	return nil
}
