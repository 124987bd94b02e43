package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/confluence-engine/internal/market"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/performance"
)

// Recorder persists live output. Each stream gets one long-lived run whose
// ID is derived from the stream key, so restarts keep appending to it. The
// run stays running; its counts and performance are refreshed whenever a
// trade closes.
type Recorder struct {
	store  Store
	params model.RunParams

	mu    sync.Mutex
	known map[string]bool
}

// NewRecorder records into st. params are stored on the run created for
// each stream.
func NewRecorder(st Store, params model.RunParams) *Recorder {
	return &Recorder{store: st, params: params, known: make(map[string]bool)}
}

// LiveRunID returns the run ID used for a stream.
func LiveRunID(stream market.Stream) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("live/"+stream.Key)).String()
}

func (r *Recorder) PublishSignal(ctx context.Context, stream market.Stream, sig model.Signal) {
	id, err := r.ensureRun(ctx, stream)
	if err == nil {
		err = r.store.InsertSignals(ctx, id, []model.Signal{sig})
	}
	if err != nil {
		slog.Error("record signal", "stream", stream.Key, "signal_id", sig.ID, "err", err)
	}
}

func (r *Recorder) PublishTrade(ctx context.Context, stream market.Stream, tr model.Trade) {
	id, err := r.ensureRun(ctx, stream)
	if err == nil {
		err = r.store.SaveTrades(ctx, id, []model.Trade{tr})
	}
	if err == nil && tr.Status == model.TradeClosed {
		err = r.refresh(ctx, id)
	}
	if err != nil {
		slog.Error("record trade", "stream", stream.Key, "trade_id", tr.ID, "err", err)
	}
}

// refresh recomputes the run's statistics from everything recorded so far.
func (r *Recorder) refresh(ctx context.Context, id string) error {
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	trades, err := r.store.ListTrades(ctx, id)
	if err != nil {
		return err
	}
	signals, err := r.store.ListSignals(ctx, id)
	if err != nil {
		return err
	}
	perf := performance.Calculate(trades, r.params.InitialBalance)
	run.Performance = &perf
	run.SignalCount = len(signals)
	return r.store.UpdateRun(ctx, run)
}

func (r *Recorder) ensureRun(ctx context.Context, stream market.Stream) (string, error) {
	id := LiveRunID(stream)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known[id] {
		return id, nil
	}
	err := r.store.CreateRun(ctx, &model.Run{
		ID:              id,
		Symbol:          stream.Symbol,
		HigherTimeframe: stream.Higher,
		LowerTimeframe:  stream.Lower,
		Status:          model.RunRunning,
		Params:          r.params,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		return "", err
	}
	r.known[id] = true
	return id, nil
}
