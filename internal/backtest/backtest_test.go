package backtest

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/candle"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/simulator"
	"github.com/atmx/confluence-engine/internal/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func p(s string) model.Price { return model.MustPrice(s) }

func bar(tf model.Timeframe, i int, o, h, l, c string) model.Candle {
	open := model.Timestamp(int64(i) * tf.Ms())
	return model.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: tf,
		OpenTime:  open,
		CloseTime: open + model.Timestamp(tf.Ms()-1),
		OHLCV:     model.OHLCV{Open: p(o), High: p(h), Low: p(l), Close: p(c), Volume: p("1")},
	}
}

// Three 15m bars forming a bullish gap [100,102].
func higher() []model.Candle {
	return []model.Candle{
		bar(model.TF15m, 0, "99", "100", "98", "99.5"),
		bar(model.TF15m, 1, "100", "103", "99.5", "102.5"),
		bar(model.TF15m, 2, "103", "106", "102", "105"),
	}
}

// Lower bars on the last minute of each higher bar, then a touch, a break
// and two quiet bars.
func lower(last model.Candle) []model.Candle {
	return []model.Candle{
		bar(model.TF1m, 14, "99", "99.5", "98.5", "99"),
		bar(model.TF1m, 29, "99", "101", "99", "100.5"),
		bar(model.TF1m, 44, "100.5", "100.8", "99.5", "100.2"),
		bar(model.TF1m, 45, "100.2", "101.5", "100.1", "101.4"),
		bar(model.TF1m, 46, "101.4", "101.45", "100.5", "100.8"),
		last,
	}
}

func input(lowers []model.Candle) Input {
	return Input{
		RunID:           "run-1",
		Symbol:          "BTCUSDT",
		HigherTimeframe: model.TF15m,
		LowerTimeframe:  model.TF1m,
		Lower:           lowers,
		Higher:          higher(),
		Strategy:        strategy.DefaultConfig(),
		Risk:            model.DefaultRiskModel,
		InitialBalance:  d("10000"),
	}
}

func TestRun_EndToEnd(t *testing.T) {
	res, err := Run(context.Background(), input(lower(bar(model.TF1m, 47, "100.8", "101.5", "100.6", "101"))))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CandlesProcessed != 6 {
		t.Errorf("expected 6 candles processed, got %d", res.CandlesProcessed)
	}
	if len(res.Signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(res.Signals))
	}
	if res.Signals[0].Type != model.SignalInvalid || res.Signals[1].Type != model.SignalBuy {
		t.Errorf("expected INVALID then BUY, got %s then %s", res.Signals[0].Type, res.Signals[1].Type)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}

	tr := res.Trades[0]
	if tr.ExitReason != simulator.ReasonEndOfBacktest {
		t.Errorf("expected %s, got %s", simulator.ReasonEndOfBacktest, tr.ExitReason)
	}
	if !tr.EntryPrice.Equal(p("101.4")) || !tr.ExitPrice.Equal(p("101")) {
		t.Errorf("expected 101.4 -> 101, got %s -> %s", tr.EntryPrice, tr.ExitPrice)
	}
	if tr.SignalID != res.Signals[1].ID {
		t.Errorf("trade should reference the BUY signal")
	}
	if !tr.PnL.IsNegative() {
		t.Errorf("buy closed below entry should lose, got %s", tr.PnL)
	}
	if res.Performance.TotalTrades != 1 || res.Performance.Losses != 1 {
		t.Errorf("unexpected performance %+v", res.Performance)
	}
	if !res.FinalBalance.Equal(d("10000").Add(*tr.PnL)) {
		t.Errorf("final balance should include pnl, got %s", res.FinalBalance)
	}
}

func TestRun_BracketExit(t *testing.T) {
	in := input(lower(bar(model.TF1m, 47, "100.8", "101", "100.3", "100.5")))
	in.StopDistancePercent = d("1")

	res, err := Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	// stop = 101.4 - 1.014
	if tr.ExitReason != simulator.ReasonStopLoss || !tr.ExitPrice.Equal(p("100.386")) {
		t.Errorf("expected stop_loss at 100.386, got %s at %s", tr.ExitReason, tr.ExitPrice)
	}
}

func TestRun_AggregatesWhenHigherMissing(t *testing.T) {
	lowers := make([]model.Candle, 0, 62)
	for i := 0; i < 62; i++ {
		lowers = append(lowers, bar(model.TF1m, i, "100", "101", "99", "100"))
	}
	in := input(lowers)
	in.Higher = nil

	res, err := Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CandlesProcessed != 62 {
		t.Errorf("expected 62 processed, got %d", res.CandlesProcessed)
	}
}

func TestRun_InvalidTimeframePair(t *testing.T) {
	in := input(lower(bar(model.TF1m, 47, "100.8", "101.5", "100.6", "101")))
	in.Higher = nil
	in.LowerTimeframe = model.TF5m
	in.HigherTimeframe = model.TF3m

	if _, err := Run(context.Background(), in); !errors.Is(err, candle.ErrTimeframeOrder) {
		t.Errorf("expected ErrTimeframeOrder, got %v", err)
	}
}

func TestRun_NoCandles(t *testing.T) {
	if _, err := Run(context.Background(), Input{}); !errors.Is(err, ErrNoCandles) {
		t.Errorf("expected ErrNoCandles, got %v", err)
	}
}

func TestRun_InvalidRisk(t *testing.T) {
	in := input(lower(bar(model.TF1m, 47, "100.8", "101.5", "100.6", "101")))
	in.Risk = model.RiskModel{RiskPercent: d("150"), RewardRatio: d("2")}
	if _, err := Run(context.Background(), in); !errors.Is(err, model.ErrInvalidRiskModel) {
		t.Errorf("expected ErrInvalidRiskModel, got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, input(lower(bar(model.TF1m, 47, "100.8", "101.5", "100.6", "101"))))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !res.Cancelled || res.CandlesProcessed != 0 {
		t.Errorf("expected cancelled result with nothing processed, got %+v", res)
	}
	if res.Performance.FinalBalance != "10000.00" {
		t.Errorf("partial result should still carry performance, got %s", res.Performance.FinalBalance)
	}
}
