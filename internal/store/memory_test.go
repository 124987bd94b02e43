package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/market"
	"github.com/atmx/confluence-engine/internal/model"
)

func newRun(id string, at time.Time) *model.Run {
	return &model.Run{
		ID:              id,
		Symbol:          "BTCUSDT",
		HigherTimeframe: model.TF15m,
		LowerTimeframe:  model.TF1m,
		Status:          model.RunRunning,
		CreatedAt:       at,
	}
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.CreateRun(ctx, newRun("r1", created)); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, newRun("r1", created)); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	run, _ := s.GetRun(ctx, "r1")
	run.Status = model.RunCompleted
	run.CandleCount = 42
	run.Performance = &model.Performance{TotalTrades: 3}
	run.CreatedAt = time.Time{}
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.RunCompleted || got.CandleCount != 42 || got.Performance.TotalTrades != 3 {
		t.Errorf("update not applied: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at must be preserved, got %v", got.CreatedAt)
	}

	// Returned copies are detached from the store.
	got.Performance.TotalTrades = 99
	again, _ := s.GetRun(ctx, "r1")
	if again.Performance.TotalTrades != 3 {
		t.Errorf("stored run was mutated through a returned copy")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateRun(context.Background(), newRun("missing", time.Now())); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestMemoryStore_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s.CreateRun(ctx, newRun(id, base.Add(time.Duration(i)*time.Hour)))
	}

	runs, _ := s.ListRuns(ctx, 2)
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("unexpected order: %+v", runs)
	}
}

func TestMemoryStore_SaveTradesUpserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tr, _ := model.NewTrade("t1", "s1", "BTCUSDT", model.SideBuy, 60_000, model.MustPrice("100"), decimal.NewFromInt(1))
	s.SaveTrades(ctx, "r1", []model.Trade{*tr})

	tr.Close(model.MustPrice("110"), 120_000, "new_signal")
	s.SaveTrades(ctx, "r1", []model.Trade{*tr})

	got, _ := s.ListTrades(ctx, "r1")
	if len(got) != 1 {
		t.Fatalf("expected 1 trade after upsert, got %d", len(got))
	}
	if got[0].Status != model.TradeClosed || !got[0].PnL.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected closed trade with pnl 10, got %s %v", got[0].Status, got[0].PnL)
	}
}

func TestMemoryStore_SignalsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	late := model.NewSignal("s2", "BTCUSDT", model.SignalSell, model.MustPrice("1"), 200, "x", nil)
	early := model.NewSignal("s1", "BTCUSDT", model.SignalBuy, model.MustPrice("1"), 100, "x", nil)
	s.InsertSignals(ctx, "r1", []model.Signal{late})
	s.InsertSignals(ctx, "r1", []model.Signal{early})

	got, _ := s.ListSignals(ctx, "r1")
	if len(got) != 2 || got[0].ID != "s1" {
		t.Errorf("expected timestamp order, got %+v", got)
	}
	if other, _ := s.ListSignals(ctx, "r2"); len(other) != 0 {
		t.Errorf("signals leaked across runs: %+v", other)
	}
}

func TestRecorder_CreatesLiveRunOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := NewRecorder(s, model.RunParams{RiskPercent: decimal.NewFromInt(2)})
	stream, _ := market.ParseStream("BTCUSDT@15m/1m")

	sig := model.NewSignal("s1", "BTCUSDT", model.SignalBuy, model.MustPrice("100"), 60_000, "bullish", nil)
	rec.PublishSignal(ctx, stream, sig)
	tr, _ := model.NewTrade("t1", "s1", "BTCUSDT", model.SideBuy, 60_000, model.MustPrice("100"), decimal.NewFromInt(1))
	rec.PublishTrade(ctx, stream, *tr)

	runs, _ := s.ListRuns(ctx, 0)
	if len(runs) != 1 {
		t.Fatalf("expected one live run, got %d", len(runs))
	}
	id := LiveRunID(stream)
	if runs[0].ID != id || runs[0].Status != model.RunRunning {
		t.Errorf("unexpected live run %+v", runs[0])
	}
	if sigs, _ := s.ListSignals(ctx, id); len(sigs) != 1 {
		t.Errorf("expected 1 recorded signal, got %d", len(sigs))
	}
	if trades, _ := s.ListTrades(ctx, id); len(trades) != 1 {
		t.Errorf("expected 1 recorded trade, got %d", len(trades))
	}

	// A restarted recorder reuses the existing run.
	NewRecorder(s, model.RunParams{}).PublishSignal(ctx, stream, sig)
	if runs, _ := s.ListRuns(ctx, 0); len(runs) != 1 {
		t.Errorf("restart must not create a second run, got %d", len(runs))
	}
}

func TestRecorder_RefreshesPerformanceOnClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := NewRecorder(s, model.RunParams{InitialBalance: decimal.NewFromInt(1000)})
	stream, _ := market.ParseStream("BTCUSDT@15m/1m")
	id := LiveRunID(stream)

	sig := model.NewSignal("s1", "BTCUSDT", model.SignalBuy, model.MustPrice("100"), 60_000, "bullish", nil)
	rec.PublishSignal(ctx, stream, sig)
	tr, _ := model.NewTrade("t1", "s1", "BTCUSDT", model.SideBuy, 60_000, model.MustPrice("100"), decimal.NewFromInt(2))
	rec.PublishTrade(ctx, stream, *tr)

	if run, _ := s.GetRun(ctx, id); run.Performance != nil {
		t.Errorf("an open trade should not produce performance, got %+v", run.Performance)
	}

	if err := tr.Close(model.MustPrice("110"), 120_000, "risk_check"); err != nil {
		t.Fatal(err)
	}
	rec.PublishTrade(ctx, stream, *tr)

	run, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.RunRunning {
		t.Errorf("expected live run to stay running, got %s", run.Status)
	}
	if run.Performance == nil {
		t.Fatal("expected performance after a close")
	}
	if run.Performance.TotalTrades != 1 || run.Performance.TotalPnL != "20.00" || run.Performance.FinalBalance != "1020.00" {
		t.Errorf("unexpected performance %+v", run.Performance)
	}
	if run.SignalCount != 1 {
		t.Errorf("expected signal count 1, got %d", run.SignalCount)
	}
	if trades, _ := s.ListTrades(ctx, id); len(trades) != 1 || trades[0].Status != model.TradeClosed {
		t.Errorf("expected the trade upserted as closed, got %+v", trades)
	}
}
