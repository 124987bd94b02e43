// Package live runs the strategy against exchange candles as they close.
//
// Each Poller owns one stream and its own evaluator and simulator, so
// streams share no mutable state. A poll fetches recent closed candles for
// both timeframes and skips everything at or below the per-timeframe close
// time watermark, so overlapping fetch windows never replay a bar.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/confluence-engine/internal/candle"
	"github.com/atmx/confluence-engine/internal/market"
	"github.com/atmx/confluence-engine/internal/metrics"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/simulator"
	"github.com/atmx/confluence-engine/internal/strategy"
	"github.com/atmx/confluence-engine/internal/structure"
)

const (
	// DefaultFetchLimit is the number of bars requested per timeframe per poll.
	DefaultFetchLimit = 100

	// DefaultZoneRetentionBars is the zone retention, in higher-timeframe
	// bars, used when Config.ZoneRetention is zero.
	DefaultZoneRetentionBars = 500

	// pruneEvery is how many higher bars pass between evictions.
	pruneEvery = 10
)

// ErrDeriveTimeframe is returned when DeriveHigher is asked for a higher
// timeframe whose bars are not aligned to the Unix epoch.
var ErrDeriveTimeframe = errors.New("live: higher bars above 1d cannot be derived")

// CandleSource yields the most recent candles for a symbol and timeframe in
// ascending open time. The last bar may still be forming.
type CandleSource interface {
	RecentCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error)
}

// CandleArchive stores closed candles. Writes must be idempotent per bar.
type CandleArchive interface {
	InsertCandles(ctx context.Context, candles []model.Candle) error
}

// Sink receives engine output. Implementations must not block for long;
// they are called from the polling goroutine.
type Sink interface {
	PublishSignal(ctx context.Context, stream market.Stream, sig model.Signal)
	PublishTrade(ctx context.Context, stream market.Stream, tr model.Trade)
}

// Sinks fans out to every sink in order.
type Sinks []Sink

func (s Sinks) PublishSignal(ctx context.Context, stream market.Stream, sig model.Signal) {
	for _, sk := range s {
		sk.PublishSignal(ctx, stream, sig)
	}
}

func (s Sinks) PublishTrade(ctx context.Context, stream market.Stream, tr model.Trade) {
	for _, sk := range s {
		sk.PublishTrade(ctx, stream, tr)
	}
}

// Config holds per-poller settings.
type Config struct {
	Strategy            strategy.Config
	Risk                model.RiskModel
	InitialBalance      decimal.Decimal
	StopDistancePercent decimal.Decimal
	FetchLimit          int
	// DeriveHigher builds higher bars from lower ones instead of fetching
	// them. Lower bars before the first higher-timeframe boundary are used
	// for structure only. Only timeframes up to 1d can be derived.
	DeriveHigher bool
	// ZoneRetention is how long mitigated zones are kept before eviction.
	// Zero means DefaultZoneRetentionBars higher bars.
	ZoneRetention time.Duration
	// Archive, when set, receives the fetched bars each poll closes.
	Archive CandleArchive
}

// Poller drives one stream.
type Poller struct {
	stream market.Stream
	source CandleSource
	sink   Sink
	cfg    Config

	eval *strategy.Evaluator
	sim  *simulator.Simulator

	// Close-time watermarks, one per timeframe.
	lastLower  model.Timestamp
	lastHigher model.Timestamp

	queue   []model.Candle // closed higher bars not yet visible to a lower bar
	current *model.Candle  // visible higher bar

	builder *candle.Builder
	aligned bool

	sincePrune int // higher bars made visible since the last eviction

	now func() time.Time
	log *slog.Logger
}

// NewPoller wires a poller. sink may be nil.
func NewPoller(stream market.Stream, source CandleSource, sink Sink, cfg Config) (*Poller, error) {
	if source == nil {
		return nil, errors.New("live: candle source is required")
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultFetchLimit
	}
	if cfg.Risk == (model.RiskModel{}) {
		cfg.Risk = model.DefaultRiskModel
	}
	if err := cfg.Risk.Validate(); err != nil {
		return nil, err
	}
	if cfg.InitialBalance.IsZero() {
		cfg.InitialBalance = decimal.NewFromInt(10000)
	}
	if cfg.ZoneRetention <= 0 {
		cfg.ZoneRetention = time.Duration(DefaultZoneRetentionBars*stream.Higher.Ms()) * time.Millisecond
	}
	if cfg.DeriveHigher && stream.Higher.Ms() > model.TF1d.Ms() {
		return nil, fmt.Errorf("%w: %s", ErrDeriveTimeframe, stream.Higher)
	}

	eval, err := strategy.NewEvaluator(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	sim, err := simulator.NewSimulator(simulator.Config{
		InitialBalance:      cfg.InitialBalance,
		StopDistancePercent: cfg.StopDistancePercent,
	})
	if err != nil {
		return nil, err
	}

	p := &Poller{
		stream: stream,
		source: source,
		sink:   sink,
		cfg:    cfg,
		eval:   eval,
		sim:    sim,
		now:    time.Now,
		log:    slog.With("stream", stream.Key),
	}
	if cfg.DeriveHigher {
		if p.builder, err = candle.NewBuilder(stream.Lower, stream.Higher); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Stream returns the stream key the poller serves.
func (p *Poller) Stream() market.Stream { return p.stream }

// Watermarks returns the last processed close times (lower, higher).
func (p *Poller) Watermarks() (model.Timestamp, model.Timestamp) {
	return p.lastLower, p.lastHigher
}

// OpenTrade returns the simulated position, if any.
func (p *Poller) OpenTrade() (model.Trade, bool) { return p.sim.OpenTrade() }

// ClosedTrades returns the session's closed trades.
func (p *Poller) ClosedTrades() []model.Trade { return p.sim.ClosedTrades() }

// Poll runs one fetch-and-evaluate cycle and returns how many new lower bars
// were processed.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	nowMs := model.Timestamp(p.now().UnixMilli())
	var fresh []model.Candle

	if !p.cfg.DeriveHigher {
		hs, err := p.source.RecentCandles(ctx, p.stream.Symbol, p.stream.Higher, p.cfg.FetchLimit)
		if err != nil {
			return 0, fmt.Errorf("live: fetch %s %s: %w", p.stream.Symbol, p.stream.Higher, err)
		}
		for _, h := range hs {
			if h.CloseTime <= p.lastHigher || h.CloseTime > nowMs {
				continue
			}
			p.queue = append(p.queue, h)
			p.lastHigher = h.CloseTime
			fresh = append(fresh, h)
		}
	}

	ls, err := p.source.RecentCandles(ctx, p.stream.Symbol, p.stream.Lower, p.cfg.FetchLimit)
	if err != nil {
		return 0, fmt.Errorf("live: fetch %s %s: %w", p.stream.Symbol, p.stream.Lower, err)
	}

	n := 0
	var stepErr error
	for _, lc := range ls {
		if lc.CloseTime <= p.lastLower || lc.CloseTime > nowMs {
			continue
		}
		if stepErr = p.step(ctx, lc); stepErr != nil {
			break
		}
		p.lastLower = lc.CloseTime
		fresh = append(fresh, lc)
		n++
	}
	p.archive(ctx, fresh)
	metrics.CandlesProcessed.WithLabelValues("live").Add(float64(n))
	return n, stepErr
}

// archive hands closed bars to the archive. Failures are logged; the bars
// are not retried.
func (p *Poller) archive(ctx context.Context, cs []model.Candle) {
	if p.cfg.Archive == nil || len(cs) == 0 {
		return
	}
	if err := p.cfg.Archive.InsertCandles(ctx, cs); err != nil {
		p.log.Warn("archive candles failed", "count", len(cs), "err", err)
	}
}

func (p *Poller) step(ctx context.Context, lc model.Candle) error {
	if p.builder != nil {
		p.derive(lc)
	}
	for len(p.queue) > 0 && p.queue[0].CloseTime <= lc.CloseTime {
		h := p.queue[0]
		p.current = &h
		p.queue = p.queue[1:]
		p.sincePrune++
	}

	if closed, err := p.sim.CheckBrackets(lc); err != nil {
		return err
	} else if closed != nil {
		p.publishTrade(ctx, *closed)
	}

	sigs := p.eval.Evaluate(lc, p.current)
	if p.sincePrune >= pruneEvery {
		p.prune(lc.CloseTime)
		p.sincePrune = 0
	}
	for _, sig := range sigs {
		metrics.SignalsTotal.WithLabelValues(string(sig.Type), "live").Inc()
		p.log.Info("signal", "type", sig.Type, "reason", sig.Reason, "price", sig.Price.String())
		if p.sink != nil {
			p.sink.PublishSignal(ctx, p.stream, sig)
		}

		if sig.Tradable() {
			closed, err := p.sim.CloseOpenTrade(lc, simulator.ReasonNewSignal)
			if err != nil {
				return err
			}
			if closed != nil {
				p.publishTrade(ctx, *closed)
			}
			opened, err := p.sim.ProcessSignal(sig, p.cfg.Risk)
			if err != nil {
				return err
			}
			if opened != nil && p.sink != nil {
				p.sink.PublishTrade(ctx, p.stream, *opened)
			}
			continue
		}
		if err := p.riskCheck(ctx, lc); err != nil {
			return err
		}
	}
	return nil
}

// riskCheck exits the open trade when structure breaks against it without a
// new entry.
func (p *Poller) riskCheck(ctx context.Context, lc model.Candle) error {
	open, ok := p.sim.OpenTrade()
	if !ok {
		return nil
	}
	st := p.eval.Structure()
	against := (open.Side == model.SideBuy && st.BOSDirection == structure.Bearish) ||
		(open.Side == model.SideSell && st.BOSDirection == structure.Bullish)
	if !st.BOS || !against {
		return nil
	}
	closed, err := p.sim.CloseOpenTrade(lc, simulator.ReasonRiskCheck)
	if err != nil {
		return err
	}
	if closed != nil {
		p.publishTrade(ctx, *closed)
	}
	return nil
}

// derive feeds the builder once the lower feed reaches a higher boundary.
func (p *Poller) derive(lc model.Candle) {
	if !p.aligned {
		if lc.OpenTime.Ms()%p.stream.Higher.Ms() != 0 {
			return
		}
		p.aligned = true
	}
	if h, ok := p.builder.Push(lc); ok {
		p.queue = append(p.queue, h)
		p.lastHigher = h.CloseTime
	}
}

// prune evicts mitigated zones older than the retention window.
func (p *Poller) prune(now model.Timestamp) {
	cutoff := now - model.Timestamp(p.cfg.ZoneRetention.Milliseconds())
	if cutoff <= 0 {
		return
	}
	if n := p.eval.Prune(cutoff); n > 0 {
		p.log.Debug("evicted mitigated zones", "count", n)
	}
}

func (p *Poller) publishTrade(ctx context.Context, tr model.Trade) {
	if tr.Status == model.TradeClosed {
		metrics.TradesClosedTotal.WithLabelValues(string(tr.Side), tr.ExitReason).Inc()
		p.log.Info("trade closed", "trade_id", tr.ID, "reason", tr.ExitReason, "pnl", tr.PnL.StringFixed(2))
	}
	if p.sink != nil {
		p.sink.PublishTrade(ctx, p.stream, tr)
	}
}

// Run polls immediately and then every interval until ctx is done. Poll
// errors are logged and do not stop the loop.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := p.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			metrics.LivePolls.WithLabelValues(p.stream.Key, "error").Inc()
			p.log.Error("poll failed", "err", err)
		case err == nil:
			metrics.LivePolls.WithLabelValues(p.stream.Key, "ok").Inc()
			if n > 0 {
				p.log.Debug("poll", "new_candles", n)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunAll runs every poller in its own goroutine until ctx is done.
func RunAll(ctx context.Context, pollers []*Poller, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		g.Go(func() error { return p.Run(ctx, interval) })
	}
	return g.Wait()
}
