package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/confluence-engine/internal/config"
	"github.com/atmx/confluence-engine/internal/exchange"
	"github.com/atmx/confluence-engine/internal/live"
	"github.com/atmx/confluence-engine/internal/metrics"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/service"
	"github.com/atmx/confluence-engine/internal/store"
	"github.com/atmx/confluence-engine/internal/strategy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.MigratePostgres(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Candle sources ---
	binance := exchange.NewClient(cfg.Binance.BaseURL, cfg.Binance.RPS)
	var history service.RangeSource = binance
	var liveSource live.CandleSource = binance
	var archive live.CandleArchive

	if cfg.ClickHouseDSN != "" {
		if err := store.MigrateClickHouse(ctx, cfg.ClickHouseDSN); err != nil {
			slog.Error("clickhouse migration failed", "err", err)
			os.Exit(1)
		}
		ch, err := store.NewClickHouseCandles(ctx, cfg.ClickHouseDSN)
		if err != nil {
			slog.Error("clickhouse connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { ch.Close() })
		history = ch
		if cfg.Live.Source == config.SourceClickHouse {
			liveSource = ch
		} else {
			archive = ch
		}
		slog.Info("ClickHouse candle history enabled", "live_source", cfg.Live.Source)
	}

	// --- WebSocket hub + backtest service ---
	wsHub := service.NewWSHub()
	svc := service.NewService(st, history, cfg.Params, wsHub)

	// --- Live pollers ---
	pollers, err := newPollers(cfg, liveSource, archive, live.Sinks{wsHub, store.NewRecorder(st, cfg.Params)})
	if err != nil {
		slog.Error("live setup failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"confluence-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live signals and trades.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))
			r.Get("/backtests", svc.ListBacktests)
			r.Post("/backtests", svc.CreateBacktest)
			r.Get("/backtests/{runID}", svc.GetBacktest)
			r.Get("/backtests/{runID}/signals", svc.GetSignals)
			r.Get("/backtests/{runID}/trades", svc.GetTrades)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return live.RunAll(gctx, pollers, cfg.Live.PollInterval) })
	g.Go(func() error {
		slog.Info("confluence-engine listening", "port", cfg.Port, "live_streams", len(pollers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down confluence-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
	slog.Info("confluence-engine stopped")
}

func newPollers(cfg *config.Config, source live.CandleSource, archive live.CandleArchive, sink live.Sink) ([]*live.Poller, error) {
	risk, err := model.NewRiskModel(cfg.Params.RiskPercent, cfg.Params.RewardRatio)
	if err != nil {
		return nil, err
	}
	lc := live.Config{
		Strategy: strategy.Config{
			MinFvgSizePercent: cfg.Params.MinFvgSizePercent,
			MaxFvgSizePercent: cfg.Params.MaxFvgSizePercent,
		},
		Risk:                risk,
		InitialBalance:      cfg.Params.InitialBalance,
		StopDistancePercent: cfg.Params.StopDistancePercent,
		FetchLimit:          cfg.Live.FetchLimit,
		DeriveHigher:        cfg.Live.DeriveHigher,
		Archive:             archive,
	}

	pollers := make([]*live.Poller, 0, len(cfg.Live.Streams))
	for _, stream := range cfg.Live.Streams {
		p, err := live.NewPoller(stream, source, sink, lc)
		if err != nil {
			return nil, err
		}
		pollers = append(pollers, p)
		slog.Info("live stream configured", "stream", stream.Key, "derive_higher", lc.DeriveHigher)
	}
	return pollers, nil
}
