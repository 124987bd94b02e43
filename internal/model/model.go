// Package model defines the value types and records shared across the
// confluence engine: prices, timestamps, timeframes, candles, signals,
// trades and backtest runs.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a backtest run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunParams are the caller-supplied knobs for one run.
type RunParams struct {
	RiskPercent         decimal.Decimal `json:"risk_percent" db:"risk_percent"`
	RewardRatio         decimal.Decimal `json:"reward_ratio" db:"reward_ratio"`
	MinFvgSizePercent   decimal.Decimal `json:"min_fvg_size_percent" db:"min_fvg_size_percent"`
	MaxFvgSizePercent   decimal.Decimal `json:"max_fvg_size_percent" db:"max_fvg_size_percent"`
	InitialBalance      decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	StopDistancePercent decimal.Decimal `json:"stop_distance_percent" db:"stop_distance_percent"` // 0 disables brackets
}

// Run is the persisted summary of one backtest over one stream.
type Run struct {
	ID              string       `json:"id" db:"id"`
	Symbol          string       `json:"symbol" db:"symbol"`
	HigherTimeframe Timeframe    `json:"higher_timeframe" db:"higher_timeframe"`
	LowerTimeframe  Timeframe    `json:"lower_timeframe" db:"lower_timeframe"`
	Status          RunStatus    `json:"status" db:"status"`
	Params          RunParams    `json:"params"`
	CandleCount     int          `json:"candle_count" db:"candle_count"`
	SignalCount     int          `json:"signal_count" db:"signal_count"`
	Performance     *Performance `json:"performance,omitempty"`
	Error           string       `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty" db:"finished_at"`
}

// Performance is the run-level statistics block. Monetary and ratio fields
// are fixed two-decimal strings.
type Performance struct {
	TotalTrades        int    `json:"total_trades"`
	Wins               int    `json:"wins"`
	Losses             int    `json:"losses"`
	Draws              int    `json:"draws"`
	WinRate            string `json:"win_rate"`
	TotalPnL           string `json:"total_pnl"`
	ROI                string `json:"roi"`
	AverageWin         string `json:"average_win"`
	AverageLoss        string `json:"average_loss"`
	ProfitFactor       string `json:"profit_factor"`
	Expectancy         string `json:"expectancy"`
	MaxDrawdown        string `json:"max_drawdown"`
	MaxDrawdownPercent string `json:"max_drawdown_percent"`
	SharpeRatio        string `json:"sharpe_ratio"`
	FinalBalance       string `json:"final_balance"`
}
