package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alliedadvantage/research-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over query and market reads. Writes go to the primary store and
// invalidate the cache. Status operations always hit the primary: the
// run-start guard depends on its atomicity.
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

func (s *CachedStore) CreateQuery(ctx context.Context, q *model.QueryRecord) error {
	if err := s.primary.CreateQuery(ctx, q); err != nil {
		return err
	}
	s.rdb.Del(ctx, queryKey(q.UserID, q.QueryID))
	return nil
}

func (s *CachedStore) TouchRequested(ctx context.Context, userID, queryID string, at time.Time) error {
	if err := s.primary.TouchRequested(ctx, userID, queryID, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, queryKey(userID, queryID))
	return nil
}

func (s *CachedStore) SaveResult(ctx context.Context, userID, queryID string, summary model.Summary, computedAt, expiresAt time.Time) error {
	if err := s.primary.SaveResult(ctx, userID, queryID, summary, computedAt, expiresAt); err != nil {
		return err
	}
	s.rdb.Del(ctx, queryKey(userID, queryID))
	return nil
}

func (s *CachedStore) UpsertMarket(ctx context.Context, userID, queryID string, m *model.MarketRecord) error {
	if err := s.primary.UpsertMarket(ctx, userID, queryID, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketsKey(userID, queryID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetQuery(ctx context.Context, userID, queryID string) (*model.QueryRecord, error) {
	data, err := s.rdb.Get(ctx, queryKey(userID, queryID)).Bytes()
	if err == nil {
		var q model.QueryRecord
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	q, err := s.primary.GetQuery(ctx, userID, queryID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(q); err == nil {
		s.rdb.Set(ctx, queryKey(userID, queryID), data, s.ttl)
	}
	return q, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context, userID, queryID string) ([]model.MarketRecord, error) {
	data, err := s.rdb.Get(ctx, marketsKey(userID, queryID)).Bytes()
	if err == nil {
		var records []model.MarketRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	records, err := s.primary.ListMarkets(ctx, userID, queryID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(records); err == nil {
		s.rdb.Set(ctx, marketsKey(userID, queryID), data, s.ttl)
	}
	return records, nil
}

// --- Passthrough (not cached; status reads must observe live state) ---

func (s *CachedStore) GetStatus(ctx context.Context, userID, queryID string) (*model.StatusRecord, error) {
	return s.primary.GetStatus(ctx, userID, queryID)
}

func (s *CachedStore) SetStatus(ctx context.Context, userID, queryID string, st *model.StatusRecord) error {
	return s.primary.SetStatus(ctx, userID, queryID, st)
}

func (s *CachedStore) TryStartRun(ctx context.Context, userID, queryID, runID string, at time.Time) (bool, error) {
	return s.primary.TryStartRun(ctx, userID, queryID, runID, at)
}

// --- Cache keys ---

func queryKey(userID, queryID string) string   { return fmt.Sprintf("rq:%s:%s", userID, queryID) }
func marketsKey(userID, queryID string) string { return fmt.Sprintf("rm:%s:%s", userID, queryID) }
