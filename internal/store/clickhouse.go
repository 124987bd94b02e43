package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"github.com/atmx/confluence-engine/internal/model"
)

// ClickHouseCandles reads and writes candle history in ClickHouse. It serves
// backtest ranges and, through RecentCandles, can also feed a live poller
// from a table another process keeps filled.
type ClickHouseCandles struct {
	conn driver.Conn
}

// NewClickHouseCandles parses the DSN, opens a connection, and verifies
// connectivity with a ping.
func NewClickHouseCandles(ctx context.Context, dsn string) (*ClickHouseCandles, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: clickhouse ping: %w", err)
	}
	return &ClickHouseCandles{conn: conn}, nil
}

// InsertCandles writes candles in one batch. Rows with the same key are
// collapsed by the table engine, so re-importing a range is safe.
func (s *ClickHouseCandles) InsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candles (
			symbol, timeframe, open_time, close_time,
			open, high, low, close, volume, quote_volume
		)
	`)
	if err != nil {
		return err
	}
	for _, c := range candles {
		if err := batch.Append(
			c.Symbol,
			string(c.Timeframe),
			c.OpenTime.Ms(),
			c.CloseTime.Ms(),
			c.Open().Decimal(),
			c.High().Decimal(),
			c.Low().Decimal(),
			c.Close().Decimal(),
			c.Volume().Decimal(),
			c.QuoteVolume.Decimal(),
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

// CandleRange returns candles with open time in [from, to], ascending.
func (s *ClickHouseCandles) CandleRange(ctx context.Context, symbol string, tf model.Timeframe, from, to model.Timestamp) ([]model.Candle, error) {
	return s.query(ctx, symbol, tf, `
		SELECT open_time, close_time, open, high, low, close, volume, quote_volume
		FROM candles FINAL
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time`,
		symbol, string(tf), from.Ms(), to.Ms())
}

// RecentCandles returns the latest limit candles, ascending.
func (s *ClickHouseCandles) RecentCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	return s.query(ctx, symbol, tf, `
		SELECT * FROM (
			SELECT open_time, close_time, open, high, low, close, volume, quote_volume
			FROM candles FINAL
			WHERE symbol = ? AND timeframe = ?
			ORDER BY open_time DESC
			LIMIT ?
		) ORDER BY open_time`,
		symbol, string(tf), limit)
}

func (s *ClickHouseCandles) query(ctx context.Context, symbol string, tf model.Timeframe, q string, args ...any) ([]model.Candle, error) {
	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query candles %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var openMs, closeMs int64
		var o, h, l, c, v, qv decimal.Decimal
		if err := rows.Scan(&openMs, &closeMs, &o, &h, &l, &c, &v, &qv); err != nil {
			return nil, err
		}
		cdl, err := toCandle(symbol, tf, openMs, closeMs, [6]decimal.Decimal{o, h, l, c, v, qv})
		if err != nil {
			return nil, fmt.Errorf("store: candle %s %s at %d: %w", symbol, tf, openMs, err)
		}
		out = append(out, cdl)
	}
	return out, rows.Err()
}

// Close releases the connection.
func (s *ClickHouseCandles) Close() error { return s.conn.Close() }

func toCandle(symbol string, tf model.Timeframe, openMs, closeMs int64, d [6]decimal.Decimal) (model.Candle, error) {
	var px [6]model.Price
	for i := range d {
		p, err := model.NewPrice(d[i])
		if err != nil {
			return model.Candle{}, err
		}
		px[i] = p
	}
	ohlcv, err := model.NewOHLCV(px[0], px[1], px[2], px[3], px[4])
	if err != nil {
		return model.Candle{}, err
	}
	return model.NewCandle(symbol, tf, model.Timestamp(openMs), model.Timestamp(closeMs), ohlcv, px[5])
}
