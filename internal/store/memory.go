package store

import (
	"context"
	"sync"
	"time"

	"github.com/alliedadvantage/research-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	queries  map[string]*model.QueryRecord
	markets  map[string]map[string]*model.MarketRecord // key → marketCode → record
	statuses map[string]*model.StatusRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queries:  make(map[string]*model.QueryRecord),
		markets:  make(map[string]map[string]*model.MarketRecord),
		statuses: make(map[string]*model.StatusRecord),
	}
}

func key(userID, queryID string) string { return userID + "/" + queryID }

func (s *MemoryStore) CreateQuery(_ context.Context, q *model.QueryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(q.UserID, q.QueryID)
	if _, ok := s.queries[k]; ok {
		return nil
	}
	cp := cloneQuery(q)
	s.queries[k] = cp
	return nil
}

func (s *MemoryStore) GetQuery(_ context.Context, userID, queryID string) (*model.QueryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[key(userID, queryID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQuery(q), nil
}

func (s *MemoryStore) TouchRequested(_ context.Context, userID, queryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[key(userID, queryID)]
	if !ok {
		return ErrNotFound
	}
	t := at
	q.LastRequestedAt = &t
	return nil
}

func (s *MemoryStore) SaveResult(_ context.Context, userID, queryID string, summary model.Summary, computedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[key(userID, queryID)]
	if !ok {
		return ErrNotFound
	}
	sum := summary
	ca, ea := computedAt, expiresAt
	q.Summary = &sum
	q.LastComputedAt = &ca
	q.ExpiresAt = &ea
	return nil
}

func (s *MemoryStore) UpsertMarket(_ context.Context, userID, queryID string, m *model.MarketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(userID, queryID)
	if s.markets[k] == nil {
		s.markets[k] = make(map[string]*model.MarketRecord)
	}
	cp := *m
	s.markets[k][m.MarketCode] = &cp
	return nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, userID, queryID string) ([]model.MarketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]model.MarketRecord, 0, len(s.markets[key(userID, queryID)]))
	for _, m := range s.markets[key(userID, queryID)] {
		records = append(records, *m)
	}
	return records, nil
}

func (s *MemoryStore) GetStatus(_ context.Context, userID, queryID string) (*model.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[key(userID, queryID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, userID, queryID string, status *model.StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *status
	s.statuses[key(userID, queryID)] = &cp
	return nil
}

func (s *MemoryStore) TryStartRun(_ context.Context, userID, queryID, runID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(userID, queryID)
	if existing, ok := s.statuses[k]; ok && existing.State == model.StateRunning {
		return false, nil
	}
	t := at
	s.statuses[k] = &model.StatusRecord{
		State:         model.StateRunning,
		RunID:         runID,
		StartedAt:     &t,
		LastUpdatedAt: at,
	}
	return true, nil
}

func cloneQuery(q *model.QueryRecord) *model.QueryRecord {
	cp := *q
	cp.Markets = append([]string(nil), q.Markets...)
	if q.Summary != nil {
		sum := *q.Summary
		cp.Summary = &sum
	}
	return &cp
}
