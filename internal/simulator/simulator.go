// Package simulator turns strategy signals into simulated trades against a
// running account balance. It holds at most one open trade at a time.
//
// The simulator does not decide when to exit on its own unless brackets are
// enabled; callers close trades with CloseOpenTrade and a reason tag.
package simulator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/model"
)

// Exit reasons used by the simulator and its drivers.
const (
	ReasonRiskCheck     = "risk_check"
	ReasonNewSignal     = "new_signal"
	ReasonEndOfBacktest = "end_of_backtest"
	ReasonStopLoss      = "stop_loss"
	ReasonTakeProfit    = "take_profit"
)

var (
	// ErrInvalidBalance is returned for a non-positive initial balance.
	ErrInvalidBalance = errors.New("simulator: initial balance must be positive")

	// ErrInvalidStopDistance is returned for a stop distance outside [0, 100).
	ErrInvalidStopDistance = errors.New("simulator: stop distance must be in [0, 100)")
)

var hundred = decimal.NewFromInt(100)

// Config sets up one simulator.
type Config struct {
	InitialBalance decimal.Decimal
	// StopDistancePercent > 0 attaches a stop and target to every trade.
	StopDistancePercent decimal.Decimal
}

// Simulator is single-run state. It is not safe for concurrent use.
type Simulator struct {
	initial decimal.Decimal
	stopPct decimal.Decimal
	balance decimal.Decimal
	open    *model.Trade
	closed  []model.Trade
	newID   func() string
}

// NewSimulator validates cfg and returns a simulator with the balance at
// cfg.InitialBalance.
func NewSimulator(cfg Config) (*Simulator, error) {
	if !cfg.InitialBalance.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBalance, cfg.InitialBalance)
	}
	if cfg.StopDistancePercent.IsNegative() || cfg.StopDistancePercent.GreaterThanOrEqual(hundred) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStopDistance, cfg.StopDistancePercent)
	}
	return &Simulator{
		initial: cfg.InitialBalance,
		stopPct: cfg.StopDistancePercent,
		balance: cfg.InitialBalance,
		newID:   uuid.NewString,
	}, nil
}

// ProcessSignal opens a trade for a directional signal. INVALID signals and
// signals arriving while a trade is open are no-ops and return nil, nil.
//
// Size is balance * riskPercent / 100 / entry.
func (s *Simulator) ProcessSignal(sig model.Signal, risk model.RiskModel) (*model.Trade, error) {
	side, ok := sig.Side()
	if !ok || s.open != nil {
		return nil, nil
	}
	if err := risk.Validate(); err != nil {
		return nil, err
	}
	entry := sig.Price.Decimal()
	if entry.IsZero() {
		return nil, fmt.Errorf("%w: signal %s has zero price", model.ErrDivisionByZero, sig.ID)
	}

	qty := s.balance.Mul(risk.RiskPercent).Div(hundred).Div(entry)
	t, err := model.NewTrade(s.newID(), sig.ID, sig.Symbol, side, sig.Timestamp, sig.Price, qty)
	if err != nil {
		return nil, err
	}
	if s.stopPct.IsPositive() {
		stop, target, err := brackets(side, sig.Price, s.stopPct, risk.RewardRatio)
		if err != nil {
			return nil, err
		}
		t.StopLoss = &stop
		t.TakeProfit = &target
	}

	s.open = t
	out := *t
	return &out, nil
}

// brackets computes stop = entry ∓ entry*stop%/100 and
// target = entry ± stopDistance*rewardRatio.
func brackets(side model.Side, entry model.Price, stopPct, reward decimal.Decimal) (stop, target model.Price, err error) {
	dist := entry.Decimal().Mul(stopPct).Div(hundred)
	e := entry.Decimal()
	var sd, td decimal.Decimal
	if side == model.SideBuy {
		sd, td = e.Sub(dist), e.Add(dist.Mul(reward))
	} else {
		sd, td = e.Add(dist), e.Sub(dist.Mul(reward))
	}
	if stop, err = model.NewPrice(sd); err != nil {
		return stop, target, err
	}
	// A short target below zero is floored at zero.
	if td.IsNegative() {
		td = decimal.Zero
	}
	target, err = model.NewPrice(td)
	return stop, target, err
}

// CheckBrackets closes the open trade when the candle reaches its stop or
// target. If both are inside the candle range the stop wins. It returns the
// closed trade, or nil if nothing happened.
func (s *Simulator) CheckBrackets(c model.Candle) (*model.Trade, error) {
	t := s.open
	if t == nil || !t.IsOpen() || t.StopLoss == nil || t.TakeProfit == nil {
		return nil, nil
	}

	var stopHit, targetHit bool
	if t.Side == model.SideBuy {
		stopHit = c.Low().LessThanOrEqual(*t.StopLoss)
		targetHit = c.High().GreaterThanOrEqual(*t.TakeProfit)
	} else {
		stopHit = c.High().GreaterThanOrEqual(*t.StopLoss)
		targetHit = c.Low().LessThanOrEqual(*t.TakeProfit)
	}

	switch {
	case stopHit:
		return s.closeAt(*t.StopLoss, c.CloseTime, ReasonStopLoss)
	case targetHit:
		return s.closeAt(*t.TakeProfit, c.CloseTime, ReasonTakeProfit)
	}
	return nil, nil
}

// CloseOpenTrade closes the open trade at the candle close. It is a no-op
// returning nil, nil when no trade is open.
func (s *Simulator) CloseOpenTrade(c model.Candle, reason string) (*model.Trade, error) {
	if s.open == nil || !s.open.IsOpen() {
		return nil, nil
	}
	return s.closeAt(c.Close(), c.CloseTime, reason)
}

func (s *Simulator) closeAt(price model.Price, at model.Timestamp, reason string) (*model.Trade, error) {
	t := s.open
	if err := t.Close(price, at, reason); err != nil {
		return nil, err
	}
	s.balance = s.balance.Add(*t.PnL)
	s.closed = append(s.closed, *t)
	s.open = nil
	out := *t
	return &out, nil
}

// OpenTrade returns a copy of the open trade.
func (s *Simulator) OpenTrade() (model.Trade, bool) {
	if s.open == nil {
		return model.Trade{}, false
	}
	return *s.open, true
}

// ClosedTrades returns closed trades in close order.
func (s *Simulator) ClosedTrades() []model.Trade {
	out := make([]model.Trade, len(s.closed))
	copy(out, s.closed)
	return out
}

// Balance is the initial balance plus realized PnL.
func (s *Simulator) Balance() decimal.Decimal { return s.balance }

// InitialBalance returns the configured starting balance.
func (s *Simulator) InitialBalance() decimal.Decimal { return s.initial }

// Reset discards all trades and restores the initial balance.
func (s *Simulator) Reset() {
	s.balance = s.initial
	s.open = nil
	s.closed = nil
}
