package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text in both directions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const runColumns = `id, symbol, higher_timeframe, lower_timeframe, status,
	risk_percent::TEXT, reward_ratio::TEXT, min_fvg_size_percent::TEXT,
	max_fvg_size_percent::TEXT, initial_balance::TEXT, stop_distance_percent::TEXT,
	candle_count, signal_count, performance::TEXT, error, created_at, finished_at`

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	perf, err := perfArg(r.Performance)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, symbol, higher_timeframe, lower_timeframe, status,
		                   risk_percent, reward_ratio, min_fvg_size_percent, max_fvg_size_percent,
		                   initial_balance, stop_distance_percent,
		                   candle_count, signal_count, performance, error, created_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13, $14::JSONB, $15, $16, $17)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Symbol, string(r.HigherTimeframe), string(r.LowerTimeframe), string(r.Status),
		r.Params.RiskPercent.String(), r.Params.RewardRatio.String(),
		r.Params.MinFvgSizePercent.String(), r.Params.MaxFvgSizePercent.String(),
		r.Params.InitialBalance.String(), r.Params.StopDistancePercent.String(),
		r.CandleCount, r.SignalCount, perf, r.Error, r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", ErrConflict, r.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.Run) error {
	perf, err := perfArg(r.Performance)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2, candle_count = $3, signal_count = $4,
		     performance = $5::JSONB, error = $6, finished_at = $7
		 WHERE id = $1`,
		r.ID, string(r.Status), r.CandleCount, r.SignalCount, perf, r.Error, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, r.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) InsertSignals(ctx context.Context, runID string, signals []model.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, sig := range signals {
		var meta *string
		if len(sig.Metadata) > 0 {
			data, err := json.Marshal(sig.Metadata)
			if err != nil {
				return err
			}
			m := string(data)
			meta = &m
		}
		b.Queue(
			`INSERT INTO signals (id, run_id, symbol, type, price, ts, reason, metadata)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::JSONB)`,
			sig.ID, runID, sig.Symbol, string(sig.Type), sig.Price.String(),
			sig.Timestamp.Ms(), sig.Reason, meta,
		)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert signals for run %s: %w", runID, err)
	}
	return nil
}

func (s *PostgresStore) SaveTrades(ctx context.Context, runID string, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, t := range trades {
		var exitTime *int64
		if t.ExitTime != nil {
			ms := t.ExitTime.Ms()
			exitTime = &ms
		}
		b.Queue(
			`INSERT INTO trades (id, run_id, signal_id, symbol, side, status, entry_time,
			                     entry_price, quantity, stop_loss, take_profit,
			                     exit_time, exit_price, exit_reason, pnl, pnl_percent)
			 VALUES ($1, $2, $3, $4, $5, $6, $7,
			         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
			         $12, $13::NUMERIC, $14, $15::NUMERIC, $16::NUMERIC)
			 ON CONFLICT (id) DO UPDATE
			 SET status = EXCLUDED.status, exit_time = EXCLUDED.exit_time,
			     exit_price = EXCLUDED.exit_price, exit_reason = EXCLUDED.exit_reason,
			     pnl = EXCLUDED.pnl, pnl_percent = EXCLUDED.pnl_percent`,
			t.ID, runID, t.SignalID, t.Symbol, string(t.Side), string(t.Status), t.EntryTime.Ms(),
			t.EntryPrice.String(), t.Quantity.String(), priceArg(t.StopLoss), priceArg(t.TakeProfit),
			exitTime, priceArg(t.ExitPrice), t.ExitReason, decimalArg(t.PnL), decimalArg(t.PnLPercent),
		)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("save trades for run %s: %w", runID, err)
	}
	return nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, runID string) ([]model.Signal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, type, price::TEXT, ts, reason, metadata::TEXT
		 FROM signals WHERE run_id = $1 ORDER BY ts, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var typ, priceS string
		var ts int64
		var meta *string
		if err := rows.Scan(&sig.ID, &sig.Symbol, &typ, &priceS, &ts, &sig.Reason, &meta); err != nil {
			return nil, err
		}
		sig.Type = model.SignalType(typ)
		sig.Timestamp = model.Timestamp(ts)
		if sig.Price, err = model.ParsePrice(priceS); err != nil {
			return nil, err
		}
		if meta != nil {
			if err := json.Unmarshal([]byte(*meta), &sig.Metadata); err != nil {
				return nil, fmt.Errorf("signal %s metadata: %w", sig.ID, err)
			}
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, runID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, signal_id, symbol, side, status, entry_time,
		        entry_price::TEXT, quantity::TEXT, stop_loss::TEXT, take_profit::TEXT,
		        exit_time, exit_price::TEXT, exit_reason, pnl::TEXT, pnl_percent::TEXT
		 FROM trades WHERE run_id = $1 ORDER BY entry_time, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanRun(row pgxRow) (*model.Run, error) {
	var r model.Run
	var higher, lower, status string
	var risk, reward, minFvg, maxFvg, balance, stop string
	var perf *string

	if err := row.Scan(&r.ID, &r.Symbol, &higher, &lower, &status,
		&risk, &reward, &minFvg, &maxFvg, &balance, &stop,
		&r.CandleCount, &r.SignalCount, &perf, &r.Error, &r.CreatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.HigherTimeframe = model.Timeframe(higher)
	r.LowerTimeframe = model.Timeframe(lower)
	r.Status = model.RunStatus(status)

	r.Params.RiskPercent, _ = decimal.NewFromString(risk)
	r.Params.RewardRatio, _ = decimal.NewFromString(reward)
	r.Params.MinFvgSizePercent, _ = decimal.NewFromString(minFvg)
	r.Params.MaxFvgSizePercent, _ = decimal.NewFromString(maxFvg)
	r.Params.InitialBalance, _ = decimal.NewFromString(balance)
	r.Params.StopDistancePercent, _ = decimal.NewFromString(stop)

	if perf != nil {
		var p model.Performance
		if err := json.Unmarshal([]byte(*perf), &p); err != nil {
			return nil, fmt.Errorf("run %s performance: %w", r.ID, err)
		}
		r.Performance = &p
	}
	return &r, nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, status, entryS, qtyS string
		var entryTime int64
		var stopS, targetS, exitS, pnlS, pnlPctS *string
		var exitTime *int64

		if err := rows.Scan(&t.ID, &t.SignalID, &t.Symbol, &side, &status, &entryTime,
			&entryS, &qtyS, &stopS, &targetS,
			&exitTime, &exitS, &t.ExitReason, &pnlS, &pnlPctS); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Status = model.TradeStatus(status)
		t.EntryTime = model.Timestamp(entryTime)

		var err error
		if t.EntryPrice, err = model.ParsePrice(entryS); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qtyS)
		if exitTime != nil {
			ts := model.Timestamp(*exitTime)
			t.ExitTime = &ts
		}
		if t.StopLoss, err = parseNullPrice(stopS); err != nil {
			return nil, err
		}
		if t.TakeProfit, err = parseNullPrice(targetS); err != nil {
			return nil, err
		}
		if t.ExitPrice, err = parseNullPrice(exitS); err != nil {
			return nil, err
		}
		t.PnL = parseNullDecimal(pnlS)
		t.PnLPercent = parseNullDecimal(pnlPctS)

		out = append(out, t)
	}
	return out, rows.Err()
}

func perfArg(p *model.Performance) (*string, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func priceArg(p *model.Price) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullPrice(s *string) (*model.Price, error) {
	if s == nil {
		return nil, nil
	}
	p, err := model.ParsePrice(*s)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
