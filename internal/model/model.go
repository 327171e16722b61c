// Package model defines the core domain types shared across the research
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market fetch outcomes.
const (
	MarketSuccess = "success"
	MarketError   = "error"
)

// Refresh run states. Transitions: idle → running → success|error;
// terminal states flip back to running when the next run starts.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateSuccess = "success"
	StateError   = "error"
)

// QueryRecord is the cache entry for one canonical research query. Created on
// the first request for an identity, mutated by the refresh orchestrator and
// by reads (lastRequestedAt), never deleted by this subsystem.
type QueryRecord struct {
	QueryID         string     `json:"queryId" db:"query_id"`
	UserID          string     `json:"userId" db:"user_id"`
	Keyword         string     `json:"keyword" db:"keyword"`
	MatchType       string     `json:"matchType" db:"match_type"`
	Device          string     `json:"device" db:"device"`
	Markets         []string   `json:"markets" db:"markets"` // as requested, ordered
	LastRequestedAt *time.Time `json:"lastRequestedAt" db:"last_requested_at"`
	LastComputedAt  *time.Time `json:"lastComputedAt" db:"last_computed_at"`
	ExpiresAt       *time.Time `json:"expiresAt" db:"expires_at"`
	Summary         *Summary   `json:"summary,omitempty" db:"summary"`
}

// MarketRecord holds the fetched metrics for one (query, market) pair.
// Written once per orchestration run per market; the latest run wins.
// Metric fields are nil when the provider returned no value or the fetch
// failed; absence of the record itself means the market was never fetched.
type MarketRecord struct {
	MarketCode         string           `json:"marketCode" db:"market_code"`
	CurrencyCode       string           `json:"currencyCode" db:"currency_code"`
	AvgMonthlySearches *int64           `json:"avgMonthlySearches" db:"avg_monthly_searches"`
	AverageCpc         *decimal.Decimal `json:"averageCpc" db:"average_cpc"`
	LowTopOfPageBid    *decimal.Decimal `json:"lowTopOfPageBid" db:"low_top_of_page_bid"`
	HighTopOfPageBid   *decimal.Decimal `json:"highTopOfPageBid" db:"high_top_of_page_bid"`
	CompetitionIndex   *float64         `json:"competitionIndex" db:"competition_index"`
	Status             string           `json:"status" db:"status"` // "success" or "error"
	Error              string           `json:"error,omitempty" db:"error"`
	ComputedAt         time.Time        `json:"computedAt" db:"computed_at"`
}

// StatusRecord is the singleton per-query refresh state machine.
// state=running implies an orchestration is in flight.
type StatusRecord struct {
	State         string     `json:"state" db:"state"`
	RunID         string     `json:"runId,omitempty" db:"run_id"`
	StartedAt     *time.Time `json:"startedAt" db:"started_at"`
	CompletedAt   *time.Time `json:"completedAt" db:"completed_at"`
	Error         string     `json:"error,omitempty" db:"error"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt" db:"last_updated_at"`
}

// Summary is the aggregate snapshot computed after a full orchestration run.
// Markets with status=error are excluded from every average/min/max.
type Summary struct {
	TotalMarkets        int             `json:"totalMarkets"`
	SuccessfulMarkets   int             `json:"successfulMarkets"`
	AvgMonthlySearches  float64         `json:"avgMonthlySearches"`
	AvgCompetitionIndex float64         `json:"avgCompetitionIndex"`
	AvgCpc              decimal.Decimal `json:"avgCpc"`
	MinCpc              decimal.Decimal `json:"minCpc"`
	MaxCpc              decimal.Decimal `json:"maxCpc"`
}

// MarketMetrics is the payload returned by the upstream metrics provider for
// one market. Monetary figures arrive micro-denominated (1/1,000,000 of a
// currency unit), as the ad platform reports them.
type MarketMetrics struct {
	AvgMonthlySearches     *int64   `json:"avgMonthlySearches"`
	CompetitionIndex       *float64 `json:"competitionIndex"`
	AverageCpcMicros       *int64   `json:"averageCpcMicros"`
	LowTopOfPageBidMicros  *int64   `json:"lowTopOfPageBidMicros"`
	HighTopOfPageBidMicros *int64   `json:"highTopOfPageBidMicros"`
}
