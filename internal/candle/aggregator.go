// Package candle merges lower-timeframe candles into higher-timeframe bars,
// either over a whole slice or incrementally over a stream, and tracks the
// currently visible higher-timeframe bar for a lower-timeframe tick.
package candle

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/confluence-engine/internal/model"
)

// ErrTimeframeOrder is returned when the target timeframe is shorter than
// the source timeframe.
var ErrTimeframeOrder = errors.New("candle: target timeframe is smaller than source")

// factor validates the from→to pair and returns the chunk size.
func factor(from, to model.Timeframe) (int, error) {
	if !from.Valid() {
		return 0, fmt.Errorf("%w: %q", model.ErrInvalidTimeframe, from)
	}
	if !to.Valid() {
		return 0, fmt.Errorf("%w: %q", model.ErrInvalidTimeframe, to)
	}
	if to.Ms() < from.Ms() {
		return 0, fmt.Errorf("%w: %s < %s", ErrTimeframeOrder, to, from)
	}
	return to.AggregationFactor(from)
}

// Aggregate groups candles into consecutive chunks of `factor` bars starting
// at index 0 and merges each chunk. A trailing partial chunk is dropped.
// If from == to the input is returned unchanged.
func Aggregate(candles []model.Candle, from, to model.Timeframe) ([]model.Candle, error) {
	n, err := factor(from, to)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return candles, nil
	}

	out := make([]model.Candle, 0, len(candles)/n)
	for start := 0; start+n <= len(candles); start += n {
		out = append(out, merge(candles[start:start+n], to))
	}
	return out, nil
}

// AggregateStream applies the same grouping to a channel. The returned
// channel is closed when in is closed or ctx is done; a partial chunk left
// in the buffer at that point is never emitted.
func AggregateStream(ctx context.Context, in <-chan model.Candle, from, to model.Timeframe) (<-chan model.Candle, error) {
	b, err := NewBuilder(from, to)
	if err != nil {
		return nil, err
	}

	out := make(chan model.Candle, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				merged, done := b.Push(c)
				if !done {
					continue
				}
				select {
				case out <- merged:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Builder is the incremental form of Aggregate. It buffers lower-timeframe
// candles until a full chunk has arrived.
type Builder struct {
	to     model.Timeframe
	factor int
	buf    []model.Candle
}

// NewBuilder validates the timeframe pair.
func NewBuilder(from, to model.Timeframe) (*Builder, error) {
	n, err := factor(from, to)
	if err != nil {
		return nil, err
	}
	return &Builder{to: to, factor: n, buf: make([]model.Candle, 0, n)}, nil
}

// Push adds a candle and returns the merged bar once the chunk is full.
func (b *Builder) Push(c model.Candle) (model.Candle, bool) {
	if b.factor == 1 {
		return c, true
	}
	b.buf = append(b.buf, c)
	if len(b.buf) < b.factor {
		return model.Candle{}, false
	}
	merged := merge(b.buf, b.to)
	b.buf = b.buf[:0]
	return merged, true
}

// Pending returns how many candles are buffered toward the next chunk.
func (b *Builder) Pending() int { return len(b.buf) }

// Reset drops any buffered candles.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// merge folds a non-empty chunk into one bar. Max/min of valid bars keeps
// the OHLCV invariant, so no re-validation is needed.
func merge(chunk []model.Candle, tf model.Timeframe) model.Candle {
	first, last := chunk[0], chunk[len(chunk)-1]

	high, low := first.High(), first.Low()
	volume, quote := model.Price{}, model.Price{}
	for _, c := range chunk {
		high = model.MaxPrice(high, c.High())
		low = model.MinPrice(low, c.Low())
		volume = volume.Add(c.Volume())
		quote = quote.Add(c.QuoteVolume)
	}

	return model.Candle{
		Symbol:    first.Symbol,
		Timeframe: tf,
		OpenTime:  first.OpenTime,
		CloseTime: last.CloseTime,
		OHLCV: model.OHLCV{
			Open:   first.Open(),
			High:   high,
			Low:    low,
			Close:  last.Close(),
			Volume: volume,
		},
		QuoteVolume: quote,
	}
}
