// Package performance computes run statistics from closed trades.
//
// Everything is exact decimal except the standard deviation, which takes
// a float64 square root and is converted straight back to decimal.
package performance

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/model"
)

// DefaultRiskFreeRate is the annual rate used by Calculate.
var DefaultRiskFreeRate = decimal.RequireFromString("0.02")

// tradingDays converts the annual risk-free rate to a per-trade hurdle.
var tradingDays = decimal.NewFromInt(252)

var hundred = decimal.NewFromInt(100)

// Places is the precision of every string field in model.Performance.
const Places int32 = 2

// Calculate is CalculateWithRiskFree with DefaultRiskFreeRate.
func Calculate(trades []model.Trade, initialBalance decimal.Decimal) model.Performance {
	return CalculateWithRiskFree(trades, initialBalance, DefaultRiskFreeRate)
}

// CalculateWithRiskFree summarizes trades that have a realized PnL. The
// equity curve applies PnL in exit order, not entry order. Empty input
// yields zeroed fields.
func CalculateWithRiskFree(trades []model.Trade, initialBalance, riskFreeRate decimal.Decimal) model.Performance {
	resolved := closedInExitOrder(trades)

	var (
		wins, losses, draws int
		grossWin, grossLoss decimal.Decimal // grossLoss is <= 0
		total               decimal.Decimal
	)
	for _, t := range resolved {
		pnl := *t.PnL
		total = total.Add(pnl)
		switch pnl.Sign() {
		case 1:
			wins++
			grossWin = grossWin.Add(pnl)
		case -1:
			losses++
			grossLoss = grossLoss.Add(pnl)
		default:
			draws++
		}
	}

	n := len(resolved)
	perf := model.Performance{
		TotalTrades:  n,
		Wins:         wins,
		Losses:       losses,
		Draws:        draws,
		WinRate:      ratioPercent(decimal.NewFromInt(int64(wins)), decimal.NewFromInt(int64(n))),
		TotalPnL:     fixed(total),
		ROI:          ratioPercent(total, initialBalance),
		AverageWin:   fixed(mean(grossWin, wins)),
		AverageLoss:  fixed(mean(grossLoss, losses)),
		ProfitFactor: fixed(profitFactor(grossWin, grossLoss)),
		Expectancy:   fixed(mean(total, n)),
		FinalBalance: fixed(initialBalance.Add(total)),
	}

	dd, ddPct := maxDrawdown(resolved, initialBalance)
	perf.MaxDrawdown = fixed(dd)
	perf.MaxDrawdownPercent = fixed(ddPct)
	perf.SharpeRatio = fixed(sharpe(resolved, total, riskFreeRate))
	return perf
}

// closedInExitOrder keeps trades with a PnL, stably sorted by exit time.
func closedInExitOrder(trades []model.Trade) []model.Trade {
	out := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		if t.PnL != nil {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return exitMs(out[i]) < exitMs(out[j])
	})
	return out
}

func exitMs(t model.Trade) int64 {
	if t.ExitTime == nil {
		return t.EntryTime.Ms()
	}
	return t.ExitTime.Ms()
}

// EquityCurve returns the balance after each resolved trade in exit order.
func EquityCurve(trades []model.Trade, initialBalance decimal.Decimal) []decimal.Decimal {
	resolved := closedInExitOrder(trades)
	curve := make([]decimal.Decimal, 0, len(resolved))
	eq := initialBalance
	for _, t := range resolved {
		eq = eq.Add(*t.PnL)
		curve = append(curve, eq)
	}
	return curve
}

// maxDrawdown walks the equity curve starting at initialBalance. The percent
// is relative to the peak at which the deepest trough started.
func maxDrawdown(resolved []model.Trade, initialBalance decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	peak, eq := initialBalance, initialBalance
	maxDD, maxPct := decimal.Zero, decimal.Zero
	for _, t := range resolved {
		eq = eq.Add(*t.PnL)
		if eq.GreaterThan(peak) {
			peak = eq
			continue
		}
		dd := peak.Sub(eq)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			if peak.IsPositive() {
				maxPct = dd.Div(peak).Mul(hundred)
			}
		}
	}
	return maxDD, maxPct
}

// sharpe is (mean - rfr/252) / population stddev of per-trade PnL. Zero
// below two trades or with no dispersion.
func sharpe(resolved []model.Trade, total, riskFreeRate decimal.Decimal) decimal.Decimal {
	n := len(resolved)
	if n < 2 {
		return decimal.Zero
	}
	m := mean(total, n)
	var sq decimal.Decimal
	for _, t := range resolved {
		dev := t.PnL.Sub(m)
		sq = sq.Add(dev.Mul(dev))
	}
	variance := sq.Div(decimal.NewFromInt(int64(n)))
	std := math.Sqrt(variance.InexactFloat64())
	if std == 0 || math.IsNaN(std) {
		return decimal.Zero
	}
	excess := m.Sub(riskFreeRate.Div(tradingDays))
	return excess.Div(decimal.NewFromFloat(std))
}

func profitFactor(grossWin, grossLoss decimal.Decimal) decimal.Decimal {
	if grossLoss.IsZero() {
		return decimal.Zero
	}
	return grossWin.Div(grossLoss.Abs())
}

func mean(sum decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func ratioPercent(num, den decimal.Decimal) string {
	if den.IsZero() {
		return fixed(decimal.Zero)
	}
	return fixed(num.Div(den).Mul(hundred))
}

func fixed(v decimal.Decimal) string { return v.StringFixed(Places) }
