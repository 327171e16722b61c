// Package store defines the persistence interface for the research engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The unit of mutation is the (user, queryId) record tree: a query record
// plus its per-market rows and a singleton status row, addressed by
// composite keys.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/alliedadvantage/research-engine/internal/model"
)

// ErrNotFound is returned when the addressed record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Query records ---

	// CreateQuery persists a new query record if the identity does not
	// exist yet; an existing record is left untouched.
	CreateQuery(ctx context.Context, q *model.QueryRecord) error

	// GetQuery retrieves a query record by owner and canonical ID.
	GetQuery(ctx context.Context, userID, queryID string) (*model.QueryRecord, error)

	// TouchRequested updates lastRequestedAt, marking a refresh trigger.
	TouchRequested(ctx context.Context, userID, queryID string, at time.Time) error

	// SaveResult persists the aggregate summary and computation timestamps
	// after a completed orchestration run.
	SaveResult(ctx context.Context, userID, queryID string, summary model.Summary, computedAt, expiresAt time.Time) error

	// --- Market records ---

	// UpsertMarket writes one market's metrics; the latest run wins.
	UpsertMarket(ctx context.Context, userID, queryID string, m *model.MarketRecord) error

	// ListMarkets returns all market records for a query.
	ListMarkets(ctx context.Context, userID, queryID string) ([]model.MarketRecord, error)

	// --- Status records ---

	// GetStatus retrieves the singleton refresh status for a query.
	GetStatus(ctx context.Context, userID, queryID string) (*model.StatusRecord, error)

	// SetStatus overwrites the refresh status.
	SetStatus(ctx context.Context, userID, queryID string, s *model.StatusRecord) error

	// TryStartRun atomically transitions the status to running unless a run
	// is already in flight. Returns false when another run holds the state.
	TryStartRun(ctx context.Context, userID, queryID, runID string, at time.Time) (bool, error)
}
