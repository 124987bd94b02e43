// Package service provides the HTTP handlers for running backtests and
// reading back their runs, signals and trades, plus the WebSocket hub that
// pushes live output to clients.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/backtest"
	"github.com/atmx/confluence-engine/internal/candle"
	"github.com/atmx/confluence-engine/internal/market"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/store"
	"github.com/atmx/confluence-engine/internal/strategy"
)

// RangeSource loads candle history for a backtest.
type RangeSource interface {
	CandleRange(ctx context.Context, symbol string, tf model.Timeframe, from, to model.Timestamp) ([]model.Candle, error)
}

// Service runs backtests synchronously within the request and persists the
// outcome.
type Service struct {
	store    store.Store
	candles  RangeSource // nil when only inline candles are accepted
	defaults model.RunParams
	validate *validator.Validate
	wsHub    *WSHub // optional
}

// NewService creates a service. Zero fields in defaults fall back to the
// engine defaults. candles and hub may be nil.
func NewService(st store.Store, candles RangeSource, defaults model.RunParams, hub *WSHub) *Service {
	if defaults.RiskPercent.IsZero() {
		defaults.RiskPercent = model.DefaultRiskModel.RiskPercent
	}
	if defaults.RewardRatio.IsZero() {
		defaults.RewardRatio = model.DefaultRiskModel.RewardRatio
	}
	if defaults.MinFvgSizePercent.IsZero() && defaults.MaxFvgSizePercent.IsZero() {
		def := strategy.DefaultConfig()
		defaults.MinFvgSizePercent = def.MinFvgSizePercent
		defaults.MaxFvgSizePercent = def.MaxFvgSizePercent
	}
	if defaults.InitialBalance.IsZero() {
		defaults.InitialBalance = backtest.DefaultInitialBalance
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		_, err := model.ParseTimeframe(fl.Field().String())
		return err == nil
	})

	return &Service{
		store:    st,
		candles:  candles,
		defaults: defaults,
		validate: v,
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// BacktestRequest is the JSON body for POST /api/v1/backtests. Either
// Candles (lower timeframe) or a From/To open-time range must be given.
// Nil parameters take the service defaults.
type BacktestRequest struct {
	Symbol          string `json:"symbol" validate:"required,alphanum,uppercase,min=2,max=20"`
	HigherTimeframe string `json:"higher_timeframe" validate:"required,timeframe"`
	LowerTimeframe  string `json:"lower_timeframe" validate:"required,timeframe"`

	From int64 `json:"from" validate:"gte=0"`
	To   int64 `json:"to" validate:"omitempty,gtfield=From"`

	Candles       []model.Candle `json:"candles,omitempty"`
	HigherCandles []model.Candle `json:"higher_candles,omitempty"`

	RiskPercent         *decimal.Decimal `json:"risk_percent,omitempty"`
	RewardRatio         *decimal.Decimal `json:"reward_ratio,omitempty"`
	MinFvgSizePercent   *decimal.Decimal `json:"min_fvg_size_percent,omitempty"`
	MaxFvgSizePercent   *decimal.Decimal `json:"max_fvg_size_percent,omitempty"`
	InitialBalance      *decimal.Decimal `json:"initial_balance,omitempty"`
	StopDistancePercent *decimal.Decimal `json:"stop_distance_percent,omitempty"`
}

// BacktestResponse is returned from POST /api/v1/backtests.
type BacktestResponse struct {
	Run          *model.Run      `json:"run"`
	FinalBalance decimal.Decimal `json:"final_balance"`
	TradeCount   int             `json:"trade_count"`
}

// --- HTTP Handlers ---

// CreateBacktest handles POST /api/v1/backtests
func (s *Service) CreateBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	higher, _ := model.ParseTimeframe(req.HigherTimeframe)
	lower, _ := model.ParseTimeframe(req.LowerTimeframe)
	stream, err := market.NewStream(req.Symbol, higher, lower)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	params := s.params(req)
	risk, err := model.NewRiskModel(params.RiskPercent, params.RewardRatio)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := strategy.Config{MinFvgSizePercent: params.MinFvgSizePercent, MaxFvgSizePercent: params.MaxFvgSizePercent}
	if err := cfg.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if params.StopDistancePercent.IsNegative() || params.StopDistancePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		writeError(w, "stop_distance_percent must be in [0, 100)", http.StatusBadRequest)
		return
	}

	if err := checkSeries("higher_candles", req.HigherCandles, stream.Higher); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	lowerCandles, status, err := s.loadCandles(ctx, stream, req)
	if err != nil {
		writeError(w, err.Error(), status)
		return
	}

	run := &model.Run{
		ID:              uuid.New().String(),
		Symbol:          stream.Symbol,
		HigherTimeframe: stream.Higher,
		LowerTimeframe:  stream.Lower,
		Status:          model.RunRunning,
		Params:          params,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	res, runErr := backtest.Run(ctx, backtest.Input{
		RunID:               run.ID,
		Symbol:              stream.Symbol,
		HigherTimeframe:     stream.Higher,
		LowerTimeframe:      stream.Lower,
		Lower:               lowerCandles,
		Higher:              req.HigherCandles,
		Strategy:            cfg,
		Risk:                risk,
		InitialBalance:      params.InitialBalance,
		StopDistancePercent: params.StopDistancePercent,
	})

	// Persist with a fresh context so a client disconnect does not lose
	// the partial result.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.save(saveCtx, run, res, runErr); err != nil {
		slog.Error("backtest persist failed", "run_id", run.ID, "err", err)
		writeError(w, "failed to persist run", http.StatusInternalServerError)
		return
	}

	if runErr != nil {
		switch {
		case res.Cancelled:
			writeError(w, "backtest cancelled", http.StatusServiceUnavailable)
		case errors.Is(runErr, candle.ErrTimeframeOrder), errors.Is(runErr, model.ErrAggregationFactor):
			writeError(w, runErr.Error(), http.StatusBadRequest)
		default:
			writeError(w, runErr.Error(), http.StatusInternalServerError)
		}
		return
	}

	slog.Info("backtest completed",
		"run_id", run.ID,
		"stream", stream.Key,
		"candles", res.CandlesProcessed,
		"signals", len(res.Signals),
		"trades", len(res.Trades),
		"final_balance", res.FinalBalance.StringFixed(2),
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MessageBacktest, Stream: stream.Key, RunID: run.ID, Status: string(run.Status)})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(BacktestResponse{
		Run:          run,
		FinalBalance: res.FinalBalance,
		TradeCount:   len(res.Trades),
	})
}

// ListBacktests handles GET /api/v1/backtests?limit=N
func (s *Service) ListBacktests(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, runs)
}

// GetBacktest handles GET /api/v1/backtests/{runID}
func (s *Service) GetBacktest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, run)
}

// GetSignals handles GET /api/v1/backtests/{runID}/signals
func (s *Service) GetSignals(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	signals, err := s.store.ListSignals(r.Context(), run.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if signals == nil {
		signals = []model.Signal{}
	}
	writeJSON(w, signals)
}

// GetTrades handles GET /api/v1/backtests/{runID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	trades, err := s.store.ListTrades(r.Context(), run.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, trades)
}

// --- Internal ---

func (s *Service) params(req BacktestRequest) model.RunParams {
	p := s.defaults
	pick := func(dst *decimal.Decimal, v *decimal.Decimal) {
		if v != nil {
			*dst = *v
		}
	}
	pick(&p.RiskPercent, req.RiskPercent)
	pick(&p.RewardRatio, req.RewardRatio)
	pick(&p.MinFvgSizePercent, req.MinFvgSizePercent)
	pick(&p.MaxFvgSizePercent, req.MaxFvgSizePercent)
	pick(&p.InitialBalance, req.InitialBalance)
	pick(&p.StopDistancePercent, req.StopDistancePercent)
	return p
}

// loadCandles returns the lower-timeframe history and, on failure, the
// HTTP status to answer with.
func (s *Service) loadCandles(ctx context.Context, stream market.Stream, req BacktestRequest) ([]model.Candle, int, error) {
	if len(req.Candles) > 0 {
		if err := checkSeries("candles", req.Candles, stream.Lower); err != nil {
			return nil, http.StatusBadRequest, err
		}
		return req.Candles, 0, nil
	}

	if req.To == 0 {
		return nil, http.StatusBadRequest, errors.New("either candles or a from/to range is required")
	}
	if s.candles == nil {
		return nil, http.StatusBadRequest, errors.New("no candle history source configured; send candles inline")
	}
	cs, err := s.candles.CandleRange(ctx, stream.Symbol, stream.Lower, model.Timestamp(req.From), model.Timestamp(req.To))
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("load candles: %w", err)
	}
	if len(cs) == 0 {
		return nil, http.StatusNotFound, fmt.Errorf("no %s candles for %s in range", stream.Lower, stream.Symbol)
	}
	return cs, 0, nil
}

// checkSeries rejects inline candles that are malformed, on the wrong
// timeframe, or not strictly ascending by open time.
func checkSeries(field string, cs []model.Candle, tf model.Timeframe) error {
	for i, c := range cs {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		if c.Timeframe != tf {
			return fmt.Errorf("%s[%d]: timeframe %s, expected %s", field, i, c.Timeframe, tf)
		}
		if i > 0 && c.OpenTime <= cs[i-1].OpenTime {
			return fmt.Errorf("%s[%d]: open time %d is not after %d", field, i, c.OpenTime, cs[i-1].OpenTime)
		}
	}
	return nil
}

func (s *Service) save(ctx context.Context, run *model.Run, res backtest.Result, runErr error) error {
	if err := s.store.InsertSignals(ctx, run.ID, res.Signals); err != nil {
		return err
	}
	if err := s.store.SaveTrades(ctx, run.ID, res.Trades); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.FinishedAt = &now
	run.CandleCount = res.CandlesProcessed
	run.SignalCount = len(res.Signals)
	switch {
	case res.Cancelled:
		run.Status = model.RunCancelled
	case runErr != nil:
		run.Status = model.RunFailed
		run.Error = runErr.Error()
	default:
		run.Status = model.RunCompleted
	}
	if runErr == nil || res.Cancelled {
		perf := res.Performance
		run.Performance = &perf
	}
	return s.store.UpdateRun(ctx, run)
}

func (s *Service) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
