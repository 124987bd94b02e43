// Package strategy fuses higher-timeframe Fair Value Gaps with lower-timeframe
// breaks of structure into entry signals.
package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig is returned for size filters that cannot admit any zone.
var ErrInvalidConfig = errors.New("strategy: invalid config")

// Config is the arming filter. Both bounds are inclusive and expressed as a
// percent of the touching price.
type Config struct {
	MinFvgSizePercent decimal.Decimal `json:"min_fvg_size_percent"`
	MaxFvgSizePercent decimal.Decimal `json:"max_fvg_size_percent"`
}

// DefaultConfig admits zones between 0.8% and 4% of price.
func DefaultConfig() Config {
	return Config{
		MinFvgSizePercent: decimal.RequireFromString("0.8"),
		MaxFvgSizePercent: decimal.NewFromInt(4),
	}
}

// Validate checks 0 <= min <= max.
func (c Config) Validate() error {
	if c.MinFvgSizePercent.IsNegative() {
		return fmt.Errorf("%w: min fvg size %s is negative", ErrInvalidConfig, c.MinFvgSizePercent)
	}
	if c.MaxFvgSizePercent.LessThan(c.MinFvgSizePercent) {
		return fmt.Errorf("%w: max fvg size %s below min %s", ErrInvalidConfig, c.MaxFvgSizePercent, c.MinFvgSizePercent)
	}
	return nil
}

func (c Config) admits(sizePct decimal.Decimal) bool {
	return sizePct.GreaterThanOrEqual(c.MinFvgSizePercent) && sizePct.LessThanOrEqual(c.MaxFvgSizePercent)
}
