// Package exchange fetches klines from the Binance spot REST API.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/atmx/confluence-engine/internal/metrics"
	"github.com/atmx/confluence-engine/internal/model"
)

// DefaultBaseURL is the public spot API.
const DefaultBaseURL = "https://api.binance.com"

// MaxKlinesPerRequest is the API page size cap.
const MaxKlinesPerRequest = 1000

// ErrStatus wraps non-2xx responses.
var ErrStatus = errors.New("exchange: unexpected status")

// Client is safe for concurrent use. Requests share one rate limiter.
type Client struct {
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	backoff    time.Duration
}

// NewClient builds a client limited to rps requests per second. An empty
// baseURL selects DefaultBaseURL.
func NewClient(baseURL string, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 15 * time.Second}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: 3,
		backoff:    250 * time.Millisecond,
	}
}

// KlineQuery selects a page of klines. Zero times are omitted.
type KlineQuery struct {
	Symbol    string
	Timeframe model.Timeframe
	StartTime model.Timestamp
	EndTime   model.Timestamp
	Limit     int
}

// Klines fetches one page of candles in ascending open time.
func (c *Client) Klines(ctx context.Context, q KlineQuery) ([]model.Candle, error) {
	if !q.Timeframe.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidTimeframe, q.Timeframe)
	}
	params := url.Values{}
	params.Set("symbol", q.Symbol)
	params.Set("interval", q.Timeframe.BinanceInterval())
	if q.Limit <= 0 || q.Limit > MaxKlinesPerRequest {
		q.Limit = MaxKlinesPerRequest
	}
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartTime.Ms(), 10))
	}
	if q.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndTime.Ms(), 10))
	}

	var raw [][]any
	if err := c.getJSON(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	out := make([]model.Candle, 0, len(raw))
	for i, row := range raw {
		cdl, err := parseKline(q.Symbol, q.Timeframe, row)
		if err != nil {
			return nil, fmt.Errorf("exchange: kline %d: %w", i, err)
		}
		out = append(out, cdl)
	}
	return out, nil
}

// RecentCandles returns the latest limit candles. The last one may still be
// forming.
func (c *Client) RecentCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	return c.Klines(ctx, KlineQuery{Symbol: symbol, Timeframe: tf, Limit: limit})
}

// CandleRange pages through [from, to] by open time.
func (c *Client) CandleRange(ctx context.Context, symbol string, tf model.Timeframe, from, to model.Timestamp) ([]model.Candle, error) {
	var out []model.Candle
	next := from
	for next <= to {
		page, err := c.Klines(ctx, KlineQuery{Symbol: symbol, Timeframe: tf, StartTime: next, EndTime: to})
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		last := page[len(page)-1]
		if last.OpenTime < next {
			break
		}
		next = last.OpenTime + model.Timestamp(tf.Ms())
		if len(page) < MaxKlinesPerRequest {
			break
		}
	}
	return out, nil
}

// getJSON waits on the limiter and retries 429 and 5xx responses with
// exponential backoff.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, target any) error {
	u := c.baseURL + endpoint + "?" + params.Encode()
	b := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoff))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			metrics.ExchangeRequestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
			return retry.RetryableError(fmt.Errorf("exchange: GET %s: %w", endpoint, err))
		}
		defer resp.Body.Close()
		metrics.ExchangeRequestDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return retry.RetryableError(err)
			}
			return err
		}

		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(target); err != nil {
			return fmt.Errorf("exchange: decode %s: %w", endpoint, err)
		}
		return nil
	})
}

// parseKline reads one Binance kline row:
// [0] openTime, [1] O, [2] H, [3] L, [4] C, [5] volume, [6] closeTime,
// [7] quoteVolume, ...
func parseKline(symbol string, tf model.Timeframe, row []any) (model.Candle, error) {
	if len(row) < 8 {
		return model.Candle{}, fmt.Errorf("short row of %d fields", len(row))
	}
	openMs, err := fieldInt(row[0])
	if err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	closeMs, err := fieldInt(row[6])
	if err != nil {
		return model.Candle{}, fmt.Errorf("close time: %w", err)
	}

	var px [6]model.Price
	for i, idx := range []int{1, 2, 3, 4, 5, 7} {
		s, err := fieldString(row[idx])
		if err != nil {
			return model.Candle{}, err
		}
		if px[i], err = model.ParsePrice(s); err != nil {
			return model.Candle{}, err
		}
	}

	ohlcv, err := model.NewOHLCV(px[0], px[1], px[2], px[3], px[4])
	if err != nil {
		return model.Candle{}, err
	}
	openTime, err := model.NewTimestamp(openMs)
	if err != nil {
		return model.Candle{}, err
	}
	closeTime, err := model.NewTimestamp(closeMs)
	if err != nil {
		return model.Candle{}, err
	}
	return model.NewCandle(symbol, tf, openTime, closeTime, ohlcv, px[5])
}

func fieldString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	}
	return "", fmt.Errorf("unexpected field type %T", v)
}

func fieldInt(v any) (int64, error) {
	s, err := fieldString(v)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}
