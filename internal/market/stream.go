// Package market parses and validates stream keys of the form
// {SYMBOL}@{higher}/{lower}, for example BTCUSDT@15m/1m.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/confluence-engine/internal/model"
)

// streamRegex matches: {SYMBOL}@{higherTF}/{lowerTF}
// Example: BTCUSDT@15m/1m
var streamRegex = regexp.MustCompile(`^([A-Z0-9]{2,20})@([0-9]{1,2}(?:mo|[mhdwM]))/([0-9]{1,2}(?:mo|[mhdwM]))$`)

var ErrInvalidStream = errors.New("market: invalid stream key")

// Stream is one symbol traded on a higher/lower timeframe pair.
type Stream struct {
	Key    string          `json:"key"`
	Symbol string          `json:"symbol"`
	Higher model.Timeframe `json:"higher"`
	Lower  model.Timeframe `json:"lower"`
	Factor int             `json:"factor"` // lower bars per higher bar
}

// NewStream validates the pair. The higher timeframe must be a whole
// multiple of the lower one, and strictly longer.
func NewStream(symbol string, higher, lower model.Timeframe) (Stream, error) {
	key := fmt.Sprintf("%s@%s/%s", strings.ToUpper(symbol), higher, lower)
	return ParseStream(key)
}

// ParseStream parses and validates a stream key.
// Format: {SYMBOL}@{higher}/{lower}
func ParseStream(key string) (Stream, error) {
	m := streamRegex.FindStringSubmatch(key)
	if m == nil {
		return Stream{}, fmt.Errorf("%w: %q (expected SYMBOL@{higher}/{lower})", ErrInvalidStream, key)
	}

	higher, err := model.ParseTimeframe(m[2])
	if err != nil {
		return Stream{}, err
	}
	lower, err := model.ParseTimeframe(m[3])
	if err != nil {
		return Stream{}, err
	}
	factor, err := higher.AggregationFactor(lower)
	if err != nil {
		return Stream{}, err
	}
	if factor < 2 {
		return Stream{}, fmt.Errorf("%w: higher timeframe %s must be longer than %s", ErrInvalidStream, higher, lower)
	}

	return Stream{
		Key:    fmt.Sprintf("%s@%s/%s", m[1], higher, lower),
		Symbol: m[1],
		Higher: higher,
		Lower:  lower,
		Factor: factor,
	}, nil
}

// ParseStreams parses a comma-separated list, skipping blanks. Duplicate
// keys are rejected.
func ParseStreams(list string) ([]Stream, error) {
	var out []Stream
	seen := make(map[string]bool)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := ParseStream(part)
		if err != nil {
			return nil, err
		}
		if seen[s.Key] {
			return nil, fmt.Errorf("%w: duplicate %s", ErrInvalidStream, s.Key)
		}
		seen[s.Key] = true
		out = append(out, s)
	}
	return out, nil
}

func (s Stream) String() string { return s.Key }
