package candle

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/atmx/confluence-engine/internal/model"
)

const minute = int64(60_000)

// bar builds a 1m candle at index i with the given prices.
func bar(i int, o, h, l, c string) model.Candle {
	open := model.Timestamp(int64(i) * minute)
	return model.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: model.TF1m,
		OpenTime:  open,
		CloseTime: open + model.Timestamp(minute-1),
		OHLCV: model.OHLCV{
			Open:   model.MustPrice(o),
			High:   model.MustPrice(h),
			Low:    model.MustPrice(l),
			Close:  model.MustPrice(c),
			Volume: model.MustPrice("1.5"),
		},
		QuoteVolume: model.MustPrice("150"),
	}
}

// series builds n flat-ish 1m candles whose high/low vary with i.
func series(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		base := 100 + i%7
		out[i] = bar(i,
			itoa(base), itoa(base+2+i%3), itoa(base-1-i%2), itoa(base+1))
	}
	return out
}

func itoa(v int) string { return strconv.Itoa(v) }

// sameBar compares candles by value; decimals hold pointers so == is not
// meaningful across separately computed bars.
func sameBar(a, b model.Candle) bool {
	return a.Symbol == b.Symbol &&
		a.Timeframe == b.Timeframe &&
		a.OpenTime == b.OpenTime &&
		a.CloseTime == b.CloseTime &&
		a.Open().Equal(b.Open()) &&
		a.High().Equal(b.High()) &&
		a.Low().Equal(b.Low()) &&
		a.Close().Equal(b.Close()) &&
		a.Volume().Equal(b.Volume()) &&
		a.QuoteVolume.Equal(b.QuoteVolume)
}

func TestAggregate_CountAndRemainderDropped(t *testing.T) {
	tests := []struct {
		n    int
		to   model.Timeframe
		want int
	}{
		{15, model.TF15m, 1},
		{44, model.TF15m, 2},
		{45, model.TF15m, 3},
		{14, model.TF15m, 0},
		{0, model.TF5m, 0},
		{61, model.TF1h, 1},
	}
	for _, tt := range tests {
		out, err := Aggregate(series(tt.n), model.TF1m, tt.to)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != tt.want {
			t.Errorf("n=%d to=%s: expected %d bars, got %d", tt.n, tt.to, tt.want, len(out))
		}
	}
}

func TestAggregate_MergeSemantics(t *testing.T) {
	in := series(30)
	out, err := Aggregate(in, model.TF1m, model.TF15m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(out))
	}

	for g, merged := range out {
		chunk := in[g*15 : (g+1)*15]
		high, low := chunk[0].High(), chunk[0].Low()
		for _, c := range chunk {
			high = model.MaxPrice(high, c.High())
			low = model.MinPrice(low, c.Low())
		}
		if !merged.High().Equal(high) {
			t.Errorf("group %d: expected high %s, got %s", g, high, merged.High())
		}
		if !merged.Low().Equal(low) {
			t.Errorf("group %d: expected low %s, got %s", g, low, merged.Low())
		}
		if !merged.Open().Equal(chunk[0].Open()) {
			t.Errorf("group %d: open should come from first candle", g)
		}
		if !merged.Close().Equal(chunk[14].Close()) {
			t.Errorf("group %d: close should come from last candle", g)
		}
		if merged.OpenTime != chunk[0].OpenTime || merged.CloseTime != chunk[14].CloseTime {
			t.Errorf("group %d: time range mismatch %d-%d", g, merged.OpenTime, merged.CloseTime)
		}
		if !merged.Volume().Equal(model.MustPrice("22.5")) {
			t.Errorf("group %d: expected volume 22.5, got %s", g, merged.Volume())
		}
		if !merged.QuoteVolume.Equal(model.MustPrice("2250")) {
			t.Errorf("group %d: expected quote volume 2250, got %s", g, merged.QuoteVolume)
		}
		if merged.Timeframe != model.TF15m {
			t.Errorf("group %d: expected 15m timeframe, got %s", g, merged.Timeframe)
		}
		if err := merged.Validate(); err != nil {
			t.Errorf("group %d: merged candle invalid: %v", g, err)
		}
	}
}

func TestAggregate_SameTimeframeUnchanged(t *testing.T) {
	in := series(7)
	out, err := Aggregate(in, model.TF1m, model.TF1m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 7 || !sameBar(out[3], in[3]) {
		t.Errorf("same timeframe should return input unchanged")
	}
}

func TestAggregate_Errors(t *testing.T) {
	if _, err := Aggregate(nil, model.TF15m, model.TF1m); !errors.Is(err, ErrTimeframeOrder) {
		t.Errorf("expected ErrTimeframeOrder, got %v", err)
	}
	if _, err := Aggregate(nil, model.TF3m, model.TF5m); !errors.Is(err, model.ErrAggregationFactor) {
		t.Errorf("expected ErrAggregationFactor, got %v", err)
	}
	if _, err := Aggregate(nil, model.Timeframe("x"), model.TF5m); !errors.Is(err, model.ErrInvalidTimeframe) {
		t.Errorf("expected ErrInvalidTimeframe, got %v", err)
	}
}

func TestAggregateStream_MatchesAggregate(t *testing.T) {
	in := series(50)
	want, _ := Aggregate(in, model.TF1m, model.TF5m)

	src := make(chan model.Candle)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := AggregateStream(ctx, src, model.TF1m, model.TF5m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	go func() {
		for _, c := range in {
			src <- c
		}
		close(src)
	}()

	var got []model.Candle
	for c := range out {
		got = append(got, c)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d bars, got %d", len(want), len(got))
	}
	for i := range want {
		if !sameBar(got[i], want[i]) {
			t.Errorf("bar %d differs between stream and batch forms", i)
		}
	}
}

func TestAggregateStream_NoPartialFlush(t *testing.T) {
	src := make(chan model.Candle, 4)
	for _, c := range series(4) {
		src <- c
	}
	close(src)

	out, err := AggregateStream(context.Background(), src, model.TF1m, model.TF5m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range out {
		t.Error("partial trailing chunk must not be emitted")
	}
}

func TestAggregateStream_InvalidPair(t *testing.T) {
	if _, err := AggregateStream(context.Background(), nil, model.TF1h, model.TF5m); !errors.Is(err, ErrTimeframeOrder) {
		t.Errorf("expected ErrTimeframeOrder, got %v", err)
	}
}

func TestBuilder_Pending(t *testing.T) {
	b, err := NewBuilder(model.TF1m, model.TF3m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := series(4)
	for i := 0; i < 2; i++ {
		if _, done := b.Push(in[i]); done {
			t.Fatalf("chunk should not complete after %d candles", i+1)
		}
	}
	if b.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", b.Pending())
	}
	merged, done := b.Push(in[2])
	if !done {
		t.Fatal("expected chunk to complete on third candle")
	}
	if merged.OpenTime != in[0].OpenTime || merged.CloseTime != in[2].CloseTime {
		t.Errorf("unexpected merged range %d-%d", merged.OpenTime, merged.CloseTime)
	}
	if b.Pending() != 0 {
		t.Errorf("buffer should be empty after a full chunk, got %d", b.Pending())
	}
}

func TestCursor_NoLookahead(t *testing.T) {
	lower := series(31)
	higher, _ := Aggregate(lower, model.TF1m, model.TF15m)
	cur := NewCursor(higher)

	var advances []int
	for i, c := range lower {
		h, ok, advanced := cur.Advance(c)
		if i < 14 {
			if ok {
				t.Fatalf("no higher bar should be visible at lower index %d", i)
			}
			continue
		}
		if !ok {
			t.Fatalf("expected a visible higher bar at lower index %d", i)
		}
		if h.CloseTime > c.CloseTime {
			t.Fatalf("higher bar closing at %d visible at lower close %d", h.CloseTime, c.CloseTime)
		}
		if advanced {
			advances = append(advances, i)
		}
	}
	if len(advances) != 2 || advances[0] != 14 || advances[1] != 29 {
		t.Errorf("expected advances at [14 29], got %v", advances)
	}
	if cur.Remaining() != 0 {
		t.Errorf("expected cursor exhausted, got %d remaining", cur.Remaining())
	}
}
