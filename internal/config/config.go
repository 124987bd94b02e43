// Package config loads process configuration from environment variables,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/market"
	"github.com/atmx/confluence-engine/internal/model"
)

// Config holds all settings. Load it once at startup.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DatabaseURL selects PostgreSQL. Empty means the in-memory store.
	DatabaseURL string

	// RedisURL enables the read-through cache in front of PostgreSQL.
	RedisURL string
	RedisTTL time.Duration

	// ClickHouseDSN enables the candle warehouse. It serves backtest ranges
	// and archives the bars live pollers fetch from Binance, or feeds the
	// pollers itself when Live.Source is SourceClickHouse.
	ClickHouseDSN string

	Binance BinanceConfig
	Live    LiveConfig

	// Params are the defaults for runs that do not override them.
	Params model.RunParams
}

// BinanceConfig holds REST client settings.
type BinanceConfig struct {
	BaseURL string
	RPS     float64
}

// Live candle sources.
const (
	SourceBinance    = "binance"
	SourceClickHouse = "clickhouse"
)

// LiveConfig holds live polling settings.
type LiveConfig struct {
	// Streams are parsed from a comma-separated LIVE_STREAMS value.
	Streams      []market.Stream
	PollInterval time.Duration
	DeriveHigher bool
	FetchLimit   int
	Source       string
}

// Load reads the environment. A missing .env file is not an error; an
// unparsable value is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var l loader
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		RedisTTL:      time.Duration(l.int("REDIS_TTL_SECONDS", 30)) * time.Second,
		ClickHouseDSN: getEnv("CLICKHOUSE_DSN", ""),
		Binance: BinanceConfig{
			BaseURL: getEnv("BINANCE_BASE_URL", "https://api.binance.com"),
			RPS:     l.decimal("BINANCE_RPS", "5").InexactFloat64(),
		},
		Live: LiveConfig{
			PollInterval: time.Duration(l.int("LIVE_POLL_SECONDS", 60)) * time.Second,
			DeriveHigher: l.bool("LIVE_DERIVE_HIGHER", false),
			FetchLimit:   l.int("LIVE_FETCH_LIMIT", 100),
			Source:       strings.ToLower(getEnv("LIVE_SOURCE", SourceBinance)),
		},
		Params: model.RunParams{
			RiskPercent:         l.decimal("RISK_PERCENT", "2"),
			RewardRatio:         l.decimal("REWARD_RATIO", "2"),
			MinFvgSizePercent:   l.decimal("MIN_FVG_SIZE_PERCENT", "0.8"),
			MaxFvgSizePercent:   l.decimal("MAX_FVG_SIZE_PERCENT", "4"),
			InitialBalance:      l.decimal("INITIAL_BALANCE", "10000"),
			StopDistancePercent: l.decimal("STOP_DISTANCE_PERCENT", "0"),
		},
	}
	if l.err != nil {
		return nil, l.err
	}

	if raw := getEnv("LIVE_STREAMS", ""); raw != "" {
		streams, err := market.ParseStreams(raw)
		if err != nil {
			return nil, fmt.Errorf("config: LIVE_STREAMS: %w", err)
		}
		cfg.Live.Streams = streams
	}
	if cfg.Live.PollInterval <= 0 {
		return nil, fmt.Errorf("config: LIVE_POLL_SECONDS must be positive")
	}
	switch cfg.Live.Source {
	case SourceBinance:
	case SourceClickHouse:
		if cfg.ClickHouseDSN == "" {
			return nil, fmt.Errorf("config: LIVE_SOURCE=clickhouse requires CLICKHOUSE_DSN")
		}
	default:
		return nil, fmt.Errorf("config: LIVE_SOURCE=%q: expected binance or clickhouse", cfg.Live.Source)
	}
	if _, err := model.NewRiskModel(cfg.Params.RiskPercent, cfg.Params.RewardRatio); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loader keeps the first parse error so Load can build the struct in one
// expression.
type loader struct {
	err error
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("config: %s=%q: %w", key, value, err)
	}
}

func (l *loader) int(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return fallback
	}
	return n
}

func (l *loader) bool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, v, err)
		return fallback
	}
	return b
}

func (l *loader) decimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		l.fail(key, v, err)
		return decimal.RequireFromString(fallback)
	}
	return d
}

// getEnv treats an empty value as unset.
func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
