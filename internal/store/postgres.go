package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alliedadvantage/research-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision; the
// summary snapshot is a JSONB document on the query row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateQuery(ctx context.Context, q *model.QueryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO research_queries (user_id, query_id, keyword, match_type, device, markets)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, query_id) DO NOTHING`,
		q.UserID, q.QueryID, q.Keyword, q.MatchType, q.Device, q.Markets,
	)
	return err
}

func (s *PostgresStore) GetQuery(ctx context.Context, userID, queryID string) (*model.QueryRecord, error) {
	var q model.QueryRecord
	var summaryJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, query_id, keyword, match_type, device, markets,
		        last_requested_at, last_computed_at, expires_at, summary
		 FROM research_queries WHERE user_id = $1 AND query_id = $2`,
		userID, queryID).
		Scan(&q.UserID, &q.QueryID, &q.Keyword, &q.MatchType, &q.Device, &q.Markets,
			&q.LastRequestedAt, &q.LastComputedAt, &q.ExpiresAt, &summaryJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get query %s: %w", queryID, err)
	}

	if len(summaryJSON) > 0 {
		var sum model.Summary
		if err := json.Unmarshal(summaryJSON, &sum); err != nil {
			return nil, fmt.Errorf("decode summary for %s: %w", queryID, err)
		}
		q.Summary = &sum
	}
	return &q, nil
}

func (s *PostgresStore) TouchRequested(ctx context.Context, userID, queryID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_queries SET last_requested_at = $3
		 WHERE user_id = $1 AND query_id = $2`,
		userID, queryID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, userID, queryID string, summary model.Summary, computedAt, expiresAt time.Time) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE research_queries
		 SET summary = $3, last_computed_at = $4, expires_at = $5
		 WHERE user_id = $1 AND query_id = $2`,
		userID, queryID, summaryJSON, computedAt, expiresAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, userID, queryID string, m *model.MarketRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO research_markets
		   (user_id, query_id, market_code, currency_code, avg_monthly_searches,
		    average_cpc, low_top_of_page_bid, high_top_of_page_bid,
		    competition_index, status, error, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (user_id, query_id, market_code) DO UPDATE SET
		   currency_code = EXCLUDED.currency_code,
		   avg_monthly_searches = EXCLUDED.avg_monthly_searches,
		   average_cpc = EXCLUDED.average_cpc,
		   low_top_of_page_bid = EXCLUDED.low_top_of_page_bid,
		   high_top_of_page_bid = EXCLUDED.high_top_of_page_bid,
		   competition_index = EXCLUDED.competition_index,
		   status = EXCLUDED.status,
		   error = EXCLUDED.error,
		   computed_at = EXCLUDED.computed_at`,
		userID, queryID, m.MarketCode, m.CurrencyCode, m.AvgMonthlySearches,
		decimalArg(m.AverageCpc), decimalArg(m.LowTopOfPageBid), decimalArg(m.HighTopOfPageBid),
		m.CompetitionIndex, m.Status, m.Error, m.ComputedAt,
	)
	return err
}

func (s *PostgresStore) ListMarkets(ctx context.Context, userID, queryID string) ([]model.MarketRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_code, currency_code, avg_monthly_searches,
		        average_cpc::TEXT, low_top_of_page_bid::TEXT, high_top_of_page_bid::TEXT,
		        competition_index, status, error, computed_at
		 FROM research_markets
		 WHERE user_id = $1 AND query_id = $2
		 ORDER BY market_code`,
		userID, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.MarketRecord
	for rows.Next() {
		var m model.MarketRecord
		var avgCpc, lowBid, highBid *string

		if err := rows.Scan(&m.MarketCode, &m.CurrencyCode, &m.AvgMonthlySearches,
			&avgCpc, &lowBid, &highBid,
			&m.CompetitionIndex, &m.Status, &m.Error, &m.ComputedAt); err != nil {
			return nil, err
		}

		m.AverageCpc = parseDecimal(avgCpc)
		m.LowTopOfPageBid = parseDecimal(lowBid)
		m.HighTopOfPageBid = parseDecimal(highBid)
		records = append(records, m)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetStatus(ctx context.Context, userID, queryID string) (*model.StatusRecord, error) {
	var st model.StatusRecord

	err := s.pool.QueryRow(ctx,
		`SELECT state, run_id, started_at, completed_at, error, last_updated_at
		 FROM research_status WHERE user_id = $1 AND query_id = $2`,
		userID, queryID).
		Scan(&st.State, &st.RunID, &st.StartedAt, &st.CompletedAt, &st.Error, &st.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", queryID, err)
	}
	return &st, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, userID, queryID string, st *model.StatusRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO research_status
		   (user_id, query_id, state, run_id, started_at, completed_at, error, last_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, query_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   run_id = EXCLUDED.run_id,
		   started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at,
		   error = EXCLUDED.error,
		   last_updated_at = EXCLUDED.last_updated_at`,
		userID, queryID, st.State, st.RunID, st.StartedAt, st.CompletedAt, st.Error, st.LastUpdatedAt,
	)
	return err
}

// TryStartRun is the single-flight guard: the running transition only
// succeeds when no other run currently holds state='running'.
func (s *PostgresStore) TryStartRun(ctx context.Context, userID, queryID, runID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO research_status
		   (user_id, query_id, state, run_id, started_at, completed_at, error, last_updated_at)
		 VALUES ($1, $2, 'running', $3, $4, NULL, '', $4)
		 ON CONFLICT (user_id, query_id) DO UPDATE SET
		   state = 'running',
		   run_id = EXCLUDED.run_id,
		   started_at = EXCLUDED.started_at,
		   completed_at = NULL,
		   error = '',
		   last_updated_at = EXCLUDED.last_updated_at
		 WHERE research_status.state <> 'running'`,
		userID, queryID, runID, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
