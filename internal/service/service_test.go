package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/market"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/service"
	"github.com/atmx/confluence-engine/internal/store"
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

// A bullish 15m gap [100,102], touched and then confirmed by a 1m break.
func higherBars() []model.Candle {
	return []model.Candle{
		bar(model.TF15m, 0, "99", "100", "98", "99.5"),
		bar(model.TF15m, 1, "100", "103", "99.5", "102.5"),
		bar(model.TF15m, 2, "103", "106", "102", "105"),
	}
}

func lowerBars() []model.Candle {
	return []model.Candle{
		bar(model.TF1m, 14, "99", "99.5", "98.5", "99"),
		bar(model.TF1m, 29, "99", "101", "99", "100.5"),
		bar(model.TF1m, 44, "100.5", "100.8", "99.5", "100.2"),
		bar(model.TF1m, 45, "100.2", "101.5", "100.1", "101.4"),
		bar(model.TF1m, 46, "101.4", "101.45", "100.5", "100.8"),
		bar(model.TF1m, 47, "100.8", "101.5", "100.6", "101"),
	}
}

type fakeRange struct {
	candles []model.Candle
	err     error
	gotFrom model.Timestamp
	gotTo   model.Timestamp
}

func (f *fakeRange) CandleRange(_ context.Context, _ string, _ model.Timeframe, from, to model.Timestamp) ([]model.Candle, error) {
	f.gotFrom, f.gotTo = from, to
	return f.candles, f.err
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, src service.RangeSource) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := service.NewService(ms, src, model.RunParams{}, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/backtests", svc.CreateBacktest)
	r.Get("/api/v1/backtests", svc.ListBacktests)
	r.Get("/api/v1/backtests/{runID}", svc.GetBacktest)
	r.Get("/api/v1/backtests/{runID}/signals", svc.GetSignals)
	r.Get("/api/v1/backtests/{runID}/trades", svc.GetTrades)
	return ms, r
}

func post(t *testing.T, router chi.Router, req any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/backtests", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func get(router chi.Router, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func inlineRequest() service.BacktestRequest {
	return service.BacktestRequest{
		Symbol:          "BTCUSDT",
		HigherTimeframe: "15m",
		LowerTimeframe:  "1m",
		Candles:         lowerBars(),
		HigherCandles:   higherBars(),
	}
}

func TestCreateBacktest_Inline(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, inlineRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp service.BacktestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	run := resp.Run
	if run.ID == "" || run.Status != model.RunCompleted {
		t.Fatalf("expected a completed run, got %+v", run)
	}
	if run.CandleCount != 6 || run.SignalCount != 2 || resp.TradeCount != 1 {
		t.Errorf("unexpected counts candles=%d signals=%d trades=%d", run.CandleCount, run.SignalCount, resp.TradeCount)
	}
	if run.Performance == nil || run.Performance.TotalTrades != 1 {
		t.Errorf("expected performance with 1 trade, got %+v", run.Performance)
	}
	if !run.Params.RiskPercent.Equal(d("2")) || !run.Params.MinFvgSizePercent.Equal(d("0.8")) {
		t.Errorf("defaults not applied: %+v", run.Params)
	}

	w = get(router, "/api/v1/backtests/"+run.ID+"/signals")
	var signals []model.Signal
	json.Unmarshal(w.Body.Bytes(), &signals)
	if len(signals) != 2 || signals[1].Type != model.SignalBuy {
		t.Errorf("expected INVALID then BUY, got %+v", signals)
	}

	w = get(router, "/api/v1/backtests/"+run.ID+"/trades")
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 || trades[0].ExitReason != "end_of_backtest" {
		t.Errorf("expected one end_of_backtest trade, got %+v", trades)
	}

	w = get(router, "/api/v1/backtests/"+run.ID)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCreateBacktest_ParamOverrides(t *testing.T) {
	_, router := newTestEnv(t, nil)
	req := inlineRequest()
	minSize := d("5")
	maxSize := d("10")
	req.MinFvgSizePercent = &minSize
	req.MaxFvgSizePercent = &maxSize

	w := post(t, router, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp service.BacktestResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	// The 2% gap no longer passes the size filter.
	if resp.TradeCount != 0 {
		t.Errorf("expected no trades with a 5%% minimum, got %d", resp.TradeCount)
	}
}

func TestCreateBacktest_FromRange(t *testing.T) {
	src := &fakeRange{candles: lowerBars()}
	_, router := newTestEnv(t, src)

	req := service.BacktestRequest{Symbol: "BTCUSDT", HigherTimeframe: "15m", LowerTimeframe: "1m", From: 0, To: 48 * 60_000}
	w := post(t, router, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if src.gotTo != model.Timestamp(48*60_000) {
		t.Errorf("range not forwarded, got to=%d", src.gotTo)
	}
}

func TestCreateBacktest_RangeErrors(t *testing.T) {
	req := service.BacktestRequest{Symbol: "BTCUSDT", HigherTimeframe: "15m", LowerTimeframe: "1m", To: 60_000}

	_, router := newTestEnv(t, nil)
	if w := post(t, router, req); w.Code != http.StatusBadRequest {
		t.Errorf("no source: expected 400, got %d", w.Code)
	}

	_, router = newTestEnv(t, &fakeRange{err: errors.New("upstream down")})
	if w := post(t, router, req); w.Code != http.StatusBadGateway {
		t.Errorf("source error: expected 502, got %d", w.Code)
	}

	_, router = newTestEnv(t, &fakeRange{})
	if w := post(t, router, req); w.Code != http.StatusNotFound {
		t.Errorf("empty range: expected 404, got %d", w.Code)
	}
}

func TestCreateBacktest_Validation(t *testing.T) {
	badRisk := d("0")
	tests := []struct {
		name   string
		mutate func(*service.BacktestRequest)
	}{
		{"lowercase symbol", func(r *service.BacktestRequest) { r.Symbol = "btcusdt" }},
		{"missing symbol", func(r *service.BacktestRequest) { r.Symbol = "" }},
		{"unknown timeframe", func(r *service.BacktestRequest) { r.HigherTimeframe = "7m" }},
		{"not a multiple", func(r *service.BacktestRequest) { r.HigherTimeframe, r.LowerTimeframe = "5m", "3m" }},
		{"inverted timeframes", func(r *service.BacktestRequest) { r.HigherTimeframe, r.LowerTimeframe = "1m", "15m" }},
		{"zero risk", func(r *service.BacktestRequest) { r.RiskPercent = &badRisk }},
		{"no candles or range", func(r *service.BacktestRequest) { r.Candles = nil }},
		{"to before from", func(r *service.BacktestRequest) { r.Candles, r.From, r.To = nil, 100, 50 }},
		{"wrong candle timeframe", func(r *service.BacktestRequest) { r.Candles = higherBars() }},
		{"candles out of order", func(r *service.BacktestRequest) { r.Candles[2], r.Candles[3] = r.Candles[3], r.Candles[2] }},
		{"duplicate candle", func(r *service.BacktestRequest) { r.Candles[1] = r.Candles[0] }},
		{"higher high below low", func(r *service.BacktestRequest) {
			r.HigherCandles[1].OHLCV.High = p("90")
		}},
		{"wrong higher timeframe", func(r *service.BacktestRequest) {
			r.HigherCandles[1].Timeframe = model.TF1h
		}},
		{"higher candles out of order", func(r *service.BacktestRequest) {
			r.HigherCandles[0], r.HigherCandles[2] = r.HigherCandles[2], r.HigherCandles[0]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, router := newTestEnv(t, nil)
			req := inlineRequest()
			tt.mutate(&req)
			if w := post(t, router, req); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if runs, _ := ms.ListRuns(context.Background(), 0); len(runs) != 0 {
				t.Errorf("rejected request must not create a run, got %d", len(runs))
			}
		})
	}
}

func TestCreateBacktest_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backtests", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetBacktest_NotFound(t *testing.T) {
	_, router := newTestEnv(t, nil)
	for _, path := range []string{
		"/api/v1/backtests/nope",
		"/api/v1/backtests/nope/signals",
		"/api/v1/backtests/nope/trades",
	} {
		if w := get(router, path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestListBacktests(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		ms.CreateRun(context.Background(), &model.Run{ID: id, Status: model.RunCompleted, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	w := get(router, "/api/v1/backtests?limit=2")
	var runs []model.Run
	json.Unmarshal(w.Body.Bytes(), &runs)
	if len(runs) != 2 || runs[0].ID != "c" {
		t.Errorf("expected newest two runs, got %+v", runs)
	}

	if w := get(router, "/api/v1/backtests?limit=zero"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestListBacktests_EmptyIsArray(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := get(router, "/api/v1/backtests")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestWSHub_BroadcastsLiveSignals(t *testing.T) {
	hub := service.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stream, _ := market.ParseStream("BTCUSDT@15m/1m")
	sig := model.NewSignal("sig-1", "BTCUSDT", model.SignalBuy, p("101.4"), 60_000, "bullish_fvg_bos", nil)
	hub.PublishSignal(context.Background(), stream, sig)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg service.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != service.MessageSignal || msg.Stream != "BTCUSDT@15m/1m" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Signal == nil || msg.Signal.ID != "sig-1" || !msg.Signal.Price.Equal(p("101.4")) {
		t.Errorf("unexpected signal payload %+v", msg.Signal)
	}
}

func TestWSHub_ClosesConnectionsAfterStop(t *testing.T) {
	hub := service.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- hub.Run(ctx) }()
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the stopped hub to close the connection")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Errorf("connection was left open after stop: %v", err)
	}
	if hub.Clients() != 0 {
		t.Errorf("expected no registered clients, got %d", hub.Clients())
	}
}
