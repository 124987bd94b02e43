// Package metrics provides Prometheus instrumentation for the confluence
// engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SignalsTotal counts emitted signals by type (BUY, SELL, INVALID) and
	// source (backtest, live).
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confluence_signals_total",
		Help: "Total number of strategy signals emitted",
	}, []string{"type", "source"})

	// TradesClosedTotal counts closed simulated trades by side and exit reason.
	TradesClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confluence_trades_closed_total",
		Help: "Total number of simulated trades closed",
	}, []string{"side", "reason"})

	// CandlesProcessed counts lower-timeframe candles fed to an evaluator.
	CandlesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confluence_candles_processed_total",
		Help: "Lower-timeframe candles processed",
	}, []string{"source"})

	// BacktestDuration tracks wall time per backtest run by final status.
	BacktestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "confluence_backtest_duration_seconds",
		Help:    "Backtest run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"status"})

	// LivePolls counts live poll cycles per stream and outcome.
	LivePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confluence_live_polls_total",
		Help: "Live polling cycles",
	}, []string{"stream", "result"})

	// ExchangeRequestDuration tracks kline REST latency.
	ExchangeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "confluence_exchange_request_duration_seconds",
		Help:    "Exchange REST request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confluence_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confluence_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "confluence_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps run ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
