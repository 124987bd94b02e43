package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/confluence-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Signal and trade lists
// are only cached once their run has finished.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.CreateRun(ctx, r); err != nil {
		return err
	}
	s.set(ctx, runKey(r.ID), r)
	return nil
}

func (s *CachedStore) UpdateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.UpdateRun(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, runKey(r.ID), signalsKey(r.ID), tradesKey(r.ID))
	return nil
}

func (s *CachedStore) InsertSignals(ctx context.Context, runID string, signals []model.Signal) error {
	if err := s.primary.InsertSignals(ctx, runID, signals); err != nil {
		return err
	}
	s.rdb.Del(ctx, signalsKey(runID))
	return nil
}

func (s *CachedStore) SaveTrades(ctx context.Context, runID string, trades []model.Trade) error {
	if err := s.primary.SaveTrades(ctx, runID, trades); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(runID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	if s.get(ctx, runKey(id), &r) {
		return &r, nil
	}

	run, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, runKey(id), run)
	return run, nil
}

func (s *CachedStore) ListSignals(ctx context.Context, runID string) ([]model.Signal, error) {
	var out []model.Signal
	if s.get(ctx, signalsKey(runID), &out) {
		return out, nil
	}

	out, err := s.primary.ListSignals(ctx, runID)
	if err != nil {
		return nil, err
	}
	if s.finished(ctx, runID) {
		s.set(ctx, signalsKey(runID), out)
	}
	return out, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, runID string) ([]model.Trade, error) {
	var out []model.Trade
	if s.get(ctx, tradesKey(runID), &out) {
		return out, nil
	}

	out, err := s.primary.ListTrades(ctx, runID)
	if err != nil {
		return nil, err
	}
	if s.finished(ctx, runID) {
		s.set(ctx, tradesKey(runID), out)
	}
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	return s.primary.ListRuns(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) finished(ctx context.Context, runID string) bool {
	r, err := s.GetRun(ctx, runID)
	return err == nil && r.Status != model.RunRunning
}

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func runKey(id string) string     { return fmt.Sprintf("run:%s", id) }
func signalsKey(id string) string { return fmt.Sprintf("run:%s:signals", id) }
func tradesKey(id string) string  { return fmt.Sprintf("run:%s:trades", id) }
