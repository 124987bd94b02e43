package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "LIVE_STREAMS", "RISK_PERCENT", "REWARD_RATIO", "BINANCE_RPS", "LIVE_POLL_SECONDS", "LIVE_SOURCE"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DatabaseURL != "" {
		t.Errorf("unexpected server settings %+v", cfg)
	}
	if cfg.Live.PollInterval != time.Minute || len(cfg.Live.Streams) != 0 || cfg.Live.Source != SourceBinance {
		t.Errorf("unexpected live settings %+v", cfg.Live)
	}
	if !cfg.Params.RiskPercent.Equal(decimal.NewFromInt(2)) || cfg.Binance.RPS != 5 {
		t.Errorf("unexpected defaults risk=%s rps=%v", cfg.Params.RiskPercent, cfg.Binance.RPS)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LIVE_STREAMS", "BTCUSDT@15m/1m, ETHUSDT@1h/5m")
	t.Setenv("LIVE_POLL_SECONDS", "15")
	t.Setenv("LIVE_DERIVE_HIGHER", "true")
	t.Setenv("STOP_DISTANCE_PERCENT", "1.5")
	t.Setenv("RISK_PERCENT", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Live.Streams) != 2 || cfg.Live.Streams[1].Symbol != "ETHUSDT" {
		t.Errorf("unexpected streams %+v", cfg.Live.Streams)
	}
	if cfg.Live.PollInterval != 15*time.Second || !cfg.Live.DeriveHigher {
		t.Errorf("unexpected live settings %+v", cfg.Live)
	}
	if !cfg.Params.StopDistancePercent.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected stop distance 1.5, got %s", cfg.Params.StopDistancePercent)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct{ key, value string }{
		{"LIVE_POLL_SECONDS", "soon"},
		{"LIVE_POLL_SECONDS", "0"},
		{"RISK_PERCENT", "lots"},
		{"RISK_PERCENT", "0"},
		{"LIVE_STREAMS", "btc"},
		{"LIVE_DERIVE_HIGHER", "maybe"},
		{"LIVE_SOURCE", "kafka"},
		{"LIVE_SOURCE", "clickhouse"}, // without CLICKHOUSE_DSN
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv("CLICKHOUSE_DSN", "")
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_ClickHouseLiveSource(t *testing.T) {
	t.Setenv("CLICKHOUSE_DSN", "clickhouse://localhost:9000/default")
	t.Setenv("LIVE_SOURCE", "ClickHouse")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Live.Source != SourceClickHouse {
		t.Errorf("expected %s, got %s", SourceClickHouse, cfg.Live.Source)
	}
}
