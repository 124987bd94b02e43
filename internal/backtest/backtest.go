// Package backtest drives the strategy evaluator and trade simulator over a
// finite candle history.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/candle"
	"github.com/atmx/confluence-engine/internal/metrics"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/performance"
	"github.com/atmx/confluence-engine/internal/simulator"
	"github.com/atmx/confluence-engine/internal/strategy"
)

// DefaultCancelCheckEvery is how many lower candles pass between context
// checks.
const DefaultCancelCheckEvery = 500

// ErrNoCandles is returned when there is nothing to replay.
var ErrNoCandles = errors.New("backtest: no lower-timeframe candles")

// DefaultInitialBalance is used when Input.InitialBalance is zero.
var DefaultInitialBalance = decimal.NewFromInt(10000)

// Input is one backtest request. Higher may be left empty, in which case it
// is aggregated from Lower.
type Input struct {
	RunID           string
	Symbol          string
	HigherTimeframe model.Timeframe
	LowerTimeframe  model.Timeframe
	Lower           []model.Candle
	Higher          []model.Candle

	Strategy            strategy.Config
	Risk                model.RiskModel
	InitialBalance      decimal.Decimal
	StopDistancePercent decimal.Decimal

	CancelCheckEvery int // 0 means DefaultCancelCheckEvery
}

// Result holds everything produced by a run. On cancellation it holds what
// was produced before the context was noticed.
type Result struct {
	Signals          []model.Signal    `json:"signals"`
	Trades           []model.Trade     `json:"trades"`
	Performance      model.Performance `json:"performance"`
	CandlesProcessed int               `json:"candles_processed"`
	FinalBalance     decimal.Decimal   `json:"final_balance"`
	Cancelled        bool              `json:"cancelled"`
}

// Run replays in.Lower in order. For each lower candle it advances the
// higher-timeframe cursor, checks bracket exits, evaluates the strategy and,
// on a directional signal, closes any open trade with "new_signal" before
// opening the new one. The last open trade is closed with "end_of_backtest".
//
// The context is checked every CancelCheckEvery candles. If it is done, the
// partial result is returned together with ctx.Err().
func Run(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	res, err := run(ctx, in)

	status := string(model.RunCompleted)
	switch {
	case res.Cancelled:
		status = string(model.RunCancelled)
	case err != nil:
		status = string(model.RunFailed)
	}
	metrics.BacktestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return res, err
}

func run(ctx context.Context, in Input) (Result, error) {
	if len(in.Lower) == 0 {
		return Result{}, ErrNoCandles
	}
	if in.Risk == (model.RiskModel{}) {
		in.Risk = model.DefaultRiskModel
	}
	if err := in.Risk.Validate(); err != nil {
		return Result{}, err
	}
	if in.InitialBalance.IsZero() {
		in.InitialBalance = DefaultInitialBalance
	}
	every := in.CancelCheckEvery
	if every <= 0 {
		every = DefaultCancelCheckEvery
	}

	higher := in.Higher
	if len(higher) == 0 {
		var err error
		higher, err = candle.Aggregate(in.Lower, in.LowerTimeframe, in.HigherTimeframe)
		if err != nil {
			return Result{}, fmt.Errorf("backtest: aggregate %s -> %s: %w", in.LowerTimeframe, in.HigherTimeframe, err)
		}
	}

	eval, err := strategy.NewEvaluator(in.Strategy)
	if err != nil {
		return Result{}, err
	}
	sim, err := simulator.NewSimulator(simulator.Config{
		InitialBalance:      in.InitialBalance,
		StopDistancePercent: in.StopDistancePercent,
	})
	if err != nil {
		return Result{}, err
	}

	log := slog.With("run_id", in.RunID, "symbol", in.Symbol,
		"higher", in.HigherTimeframe, "lower", in.LowerTimeframe)
	log.Info("backtest started", "lower_candles", len(in.Lower), "higher_candles", len(higher))

	cursor := candle.NewCursor(higher)
	var res Result
	var last model.Candle

	for i, lc := range in.Lower {
		if i%every == 0 {
			if err := ctx.Err(); err != nil {
				res.Cancelled = true
				metrics.CandlesProcessed.WithLabelValues("backtest").Add(float64(res.CandlesProcessed))
				finish(&res, sim, last, i > 0)
				log.Warn("backtest cancelled", "processed", res.CandlesProcessed, "err", err)
				return res, err
			}
		}

		var hp *model.Candle
		if h, ok, _ := cursor.Advance(lc); ok {
			hp = &h
		}

		if closed, err := sim.CheckBrackets(lc); err != nil {
			return res, fmt.Errorf("backtest: bracket check at %s: %w", lc.CloseTime, err)
		} else if closed != nil {
			metrics.TradesClosedTotal.WithLabelValues(string(closed.Side), closed.ExitReason).Inc()
		}

		for _, sig := range eval.Evaluate(lc, hp) {
			res.Signals = append(res.Signals, sig)
			metrics.SignalsTotal.WithLabelValues(string(sig.Type), "backtest").Inc()
			if !sig.Tradable() {
				continue
			}
			if err := replace(sim, sig, lc, in.Risk); err != nil {
				return res, err
			}
		}

		last = lc
		res.CandlesProcessed++
	}
	metrics.CandlesProcessed.WithLabelValues("backtest").Add(float64(res.CandlesProcessed))

	finish(&res, sim, last, true)
	log.Info("backtest finished",
		"signals", len(res.Signals),
		"trades", len(res.Trades),
		"final_balance", res.FinalBalance.StringFixed(2),
	)
	return res, nil
}

// replace closes the open trade, if any, and opens one for sig.
func replace(sim *simulator.Simulator, sig model.Signal, at model.Candle, risk model.RiskModel) error {
	closed, err := sim.CloseOpenTrade(at, simulator.ReasonNewSignal)
	if err != nil {
		return fmt.Errorf("backtest: close on new signal: %w", err)
	}
	if closed != nil {
		metrics.TradesClosedTotal.WithLabelValues(string(closed.Side), closed.ExitReason).Inc()
	}
	if _, err := sim.ProcessSignal(sig, risk); err != nil {
		return fmt.Errorf("backtest: open for signal %s: %w", sig.ID, err)
	}
	return nil
}

// finish closes the open trade at last and fills the summary fields.
func finish(res *Result, sim *simulator.Simulator, last model.Candle, haveLast bool) {
	if haveLast {
		if closed, err := sim.CloseOpenTrade(last, simulator.ReasonEndOfBacktest); err == nil && closed != nil {
			metrics.TradesClosedTotal.WithLabelValues(string(closed.Side), closed.ExitReason).Inc()
		}
	}
	res.Trades = sim.ClosedTrades()
	res.FinalBalance = sim.Balance()
	res.Performance = performance.Calculate(res.Trades, sim.InitialBalance())
}
