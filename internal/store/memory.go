package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/confluence-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*model.Run
	signals map[string][]model.Signal
	trades  map[string][]model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*model.Run),
		signals: make(map[string][]model.Signal),
		trades:  make(map[string][]model.Trade),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s", ErrConflict, run.ID)
	}
	// Store a copy to avoid external mutation.
	cp := copyRun(run)
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	cp := copyRun(run)
	cp.CreatedAt = existing.CreatedAt
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	cp := copyRun(r)
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	runs := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, copyRun(r))
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) InsertSignals(_ context.Context, runID string, signals []model.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals[runID] = append(s.signals[runID], signals...)
	return nil
}

func (s *MemoryStore) SaveTrades(_ context.Context, runID string, trades []model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.trades[runID]
next:
	for _, t := range trades {
		for i := range existing {
			if existing[i].ID == t.ID {
				existing[i] = t
				continue next
			}
		}
		existing = append(existing, t)
	}
	s.trades[runID] = existing
	return nil
}

func (s *MemoryStore) ListSignals(_ context.Context, runID string) ([]model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Signal(nil), s.signals[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, runID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Trade(nil), s.trades[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime < out[j].EntryTime })
	return out, nil
}

func copyRun(r *model.Run) model.Run {
	cp := *r
	if r.Performance != nil {
		perf := *r.Performance
		cp.Performance = &perf
	}
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		cp.FinishedAt = &at
	}
	return cp
}
