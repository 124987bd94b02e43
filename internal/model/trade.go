package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidQuantity is returned for zero or negative trade sizes.
	ErrInvalidQuantity = errors.New("model: trade quantity must be positive")

	// ErrTradeClosed is returned when closing or cancelling a closed trade.
	ErrTradeClosed = errors.New("model: trade already closed")

	// ErrTradeCancelled is returned when closing or cancelling a cancelled trade.
	ErrTradeCancelled = errors.New("model: trade already cancelled")
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// Trade is a simulated position. It is created open and transitions exactly
// once, to closed or cancelled.
type Trade struct {
	ID         string           `json:"id" db:"id"`
	SignalID   string           `json:"signal_id" db:"signal_id"`
	Symbol     string           `json:"symbol" db:"symbol"`
	Side       Side             `json:"side" db:"side"`
	Status     TradeStatus      `json:"status" db:"status"`
	EntryTime  Timestamp        `json:"entry_time" db:"entry_time"`
	EntryPrice Price            `json:"entry_price" db:"entry_price"`
	Quantity   decimal.Decimal  `json:"quantity" db:"quantity"`
	StopLoss   *Price           `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit *Price           `json:"take_profit,omitempty" db:"take_profit"`
	ExitTime   *Timestamp       `json:"exit_time,omitempty" db:"exit_time"`
	ExitPrice  *Price           `json:"exit_price,omitempty" db:"exit_price"`
	ExitReason string           `json:"exit_reason,omitempty" db:"exit_reason"`
	PnL        *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`
	PnLPercent *decimal.Decimal `json:"pnl_percent,omitempty" db:"pnl_percent"`
}

// NewTrade opens a position.
func NewTrade(id, signalID, symbol string, side Side, entryTime Timestamp, entryPrice Price, qty decimal.Decimal) (*Trade, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}
	if side != SideBuy && side != SideSell {
		return nil, fmt.Errorf("model: invalid trade side %q", side)
	}
	return &Trade{
		ID:         id,
		SignalID:   signalID,
		Symbol:     symbol,
		Side:       side,
		Status:     TradeOpen,
		EntryTime:  entryTime,
		EntryPrice: entryPrice,
		Quantity:   qty,
	}, nil
}

// IsOpen reports whether the trade has not been closed or cancelled.
func (t *Trade) IsOpen() bool { return t.Status == TradeOpen }

// Close realizes the trade at exitPrice. BUY PnL is qty*(exit-entry),
// SELL PnL is qty*(entry-exit).
func (t *Trade) Close(exitPrice Price, exitTime Timestamp, reason string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	diff := exitPrice.Decimal().Sub(t.EntryPrice.Decimal())
	if t.Side == SideSell {
		diff = diff.Neg()
	}
	pnl := t.Quantity.Mul(diff)

	pnlPct := decimal.Zero
	notional := t.EntryPrice.Decimal().Mul(t.Quantity)
	if !notional.IsZero() {
		pnlPct = pnl.Div(notional).Mul(hundred)
	}

	t.Status = TradeClosed
	t.ExitPrice = &exitPrice
	t.ExitTime = &exitTime
	t.ExitReason = reason
	t.PnL = &pnl
	t.PnLPercent = &pnlPct
	return nil
}

// Cancel abandons an open trade without realizing PnL.
func (t *Trade) Cancel() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.Status = TradeCancelled
	return nil
}

func (t *Trade) checkOpen() error {
	switch t.Status {
	case TradeClosed:
		return fmt.Errorf("%w: %s", ErrTradeClosed, t.ID)
	case TradeCancelled:
		return fmt.Errorf("%w: %s", ErrTradeCancelled, t.ID)
	}
	return nil
}
