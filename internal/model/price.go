package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrice is returned for negative or unparseable prices.
	ErrInvalidPrice = errors.New("model: invalid price")

	// ErrDivisionByZero is returned when a price is divided by zero or a
	// percent change is taken against a zero base.
	ErrDivisionByZero = errors.New("model: division by zero")
)

var hundred = decimal.NewFromInt(100)

// Price is a non-negative exact decimal. The zero value is a valid price of 0.
type Price struct {
	d decimal.Decimal
}

// NewPrice validates d as a price.
func NewPrice(d decimal.Decimal) (Price, error) {
	if d.IsNegative() {
		return Price{}, fmt.Errorf("%w: %s is negative", ErrInvalidPrice, d)
	}
	return Price{d: d}, nil
}

// ParsePrice parses a decimal string such as "27123.45".
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	return NewPrice(d)
}

// MustPrice is like ParsePrice but panics on error. Intended for constants
// and tests.
func MustPrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceFromInt builds a price from a non-negative integer.
func PriceFromInt(v int64) (Price, error) {
	return NewPrice(decimal.NewFromInt(v))
}

// Decimal returns the underlying decimal value.
func (p Price) Decimal() decimal.Decimal { return p.d }

func (p Price) String() string { return p.d.String() }

func (p Price) IsZero() bool { return p.d.IsZero() }

func (p Price) Cmp(o Price) int { return p.d.Cmp(o.d) }

func (p Price) Equal(o Price) bool { return p.d.Equal(o.d) }

func (p Price) LessThan(o Price) bool { return p.d.LessThan(o.d) }

func (p Price) LessThanOrEqual(o Price) bool { return p.d.LessThanOrEqual(o.d) }

func (p Price) GreaterThan(o Price) bool { return p.d.GreaterThan(o.d) }

func (p Price) GreaterThanOrEqual(o Price) bool { return p.d.GreaterThanOrEqual(o.d) }

// Add returns p + o. The sum of two non-negative prices is always valid.
func (p Price) Add(o Price) Price { return Price{d: p.d.Add(o.d)} }

// Sub returns p - o, failing if the result would be negative.
func (p Price) Sub(o Price) (Price, error) {
	return NewPrice(p.d.Sub(o.d))
}

// Mul scales the price by a non-negative factor.
func (p Price) Mul(factor decimal.Decimal) (Price, error) {
	return NewPrice(p.d.Mul(factor))
}

// Div divides the price by a positive divisor.
func (p Price) Div(divisor decimal.Decimal) (Price, error) {
	if divisor.IsZero() {
		return Price{}, ErrDivisionByZero
	}
	return NewPrice(p.d.Div(divisor))
}

// PercentChange returns 100 * (to - p) / p. The result may be negative.
func (p Price) PercentChange(to Price) (decimal.Decimal, error) {
	if p.d.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return to.d.Sub(p.d).Div(p.d).Mul(hundred), nil
}

// MaxPrice returns the larger of a and b.
func MaxPrice(a, b Price) Price {
	if b.d.GreaterThan(a.d) {
		return b
	}
	return a
}

// MinPrice returns the smaller of a and b.
func MinPrice(a, b Price) Price {
	if b.d.LessThan(a.d) {
		return b
	}
	return a
}

// MarshalJSON encodes the price as a JSON string to keep full precision.
func (p Price) MarshalJSON() ([]byte, error) {
	return p.d.MarshalJSON()
}

// UnmarshalJSON accepts both quoted and bare decimal numbers.
func (p *Price) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, string(data))
	}
	v, err := NewPrice(d)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
