package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrNegativeTimestamp is returned when a timestamp would be below zero.
var ErrNegativeTimestamp = errors.New("model: negative timestamp")

// Timestamp is a non-negative count of milliseconds since the Unix epoch.
type Timestamp int64

// NewTimestamp validates ms as a timestamp.
func NewTimestamp(ms int64) (Timestamp, error) {
	if ms < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeTimestamp, ms)
	}
	return Timestamp(ms), nil
}

// TimestampFromTime converts t to a millisecond timestamp.
func TimestampFromTime(t time.Time) (Timestamp, error) {
	return NewTimestamp(t.UnixMilli())
}

// Ms returns the raw millisecond value.
func (t Timestamp) Ms() int64 { return int64(t) }

// Time returns the timestamp as a UTC time.Time.
func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)).UTC() }

func (t Timestamp) Before(o Timestamp) bool { return t < o }

func (t Timestamp) After(o Timestamp) bool { return t > o }

// AddMs returns t + ms, failing if the result would be negative.
func (t Timestamp) AddMs(ms int64) (Timestamp, error) {
	return NewTimestamp(int64(t) + ms)
}

// SubtractMs returns t - ms, failing if the result would be negative.
func (t Timestamp) SubtractMs(ms int64) (Timestamp, error) {
	return NewTimestamp(int64(t) - ms)
}

func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}
