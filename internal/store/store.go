// Package store persists backtest runs with their signals and trades.
// PostgreSQL is the source of truth, Redis a read-through cache in front of
// it, and the in-memory store serves tests and database-less development.
// Candle history lives separately in ClickHouse.
package store

import (
	"context"
	"errors"

	"github.com/atmx/confluence-engine/internal/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when creating a run whose ID is taken.
	ErrConflict = errors.New("store: already exists")
)

// DefaultListLimit caps ListRuns when the caller passes 0.
const DefaultListLimit = 50

// Store is the persistence interface. Implementations are safe for
// concurrent use.
type Store interface {
	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *model.Run) error

	// UpdateRun overwrites status, counts, performance, error and finish time.
	UpdateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// InsertSignals appends signals to a run. Signals are immutable.
	InsertSignals(ctx context.Context, runID string, signals []model.Signal) error

	// SaveTrades inserts trades or replaces them by trade ID, so an open
	// trade can later be saved again once closed.
	SaveTrades(ctx context.Context, runID string, trades []model.Trade) error

	// ListSignals returns a run's signals in timestamp order.
	ListSignals(ctx context.Context, runID string) ([]model.Signal, error)

	// ListTrades returns a run's trades in entry order.
	ListTrades(ctx context.Context, runID string) ([]model.Trade, error)
}
