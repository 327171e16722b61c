// Package refresh implements the out-of-band recomputation run: resolving
// requested markets, fanning out to the metrics provider in bounded chunks,
// persisting per-market progress incrementally, and aggregating the summary.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alliedadvantage/research-engine/internal/identity"
	"github.com/alliedadvantage/research-engine/internal/metrics"
	"github.com/alliedadvantage/research-engine/internal/model"
	"github.com/alliedadvantage/research-engine/internal/provider"
	"github.com/alliedadvantage/research-engine/internal/registry"
	"github.com/alliedadvantage/research-engine/internal/store"
)

// Orchestration defaults.
const (
	DefaultChunkSize  = 5
	DefaultChunkDelay = 300 * time.Millisecond
	DefaultResultTTL  = 24 * time.Hour
)

var (
	// ErrNoMarkets is returned when no requested descriptor resolves
	// against the market registry.
	ErrNoMarkets = errors.New("refresh: no resolvable markets in request")

	// ErrRunInProgress is returned when another orchestration run already
	// holds the running state for this query.
	ErrRunInProgress = errors.New("refresh: run already in progress")
)

// Request is the body of the orchestrator trigger, the process boundary
// between the read path and a refresh run. Markets accept bare code strings
// or structured descriptors.
type Request struct {
	UserID    string                `json:"userId"`
	Keyword   string                `json:"keyword"`
	MatchType string                `json:"matchType"`
	Device    string                `json:"device"`
	Markets   []registry.Descriptor `json:"markets"`
}

// StatusNotifier receives refresh state transitions for live subscribers.
// Pass nil if broadcasting is not needed.
type StatusNotifier interface {
	NotifyStatus(userID, queryID, state, errMsg string)
}

// Orchestrator executes refresh runs against the cache store.
type Orchestrator struct {
	store    store.Store
	provider provider.MetricsProvider
	creds    provider.CredentialSource
	notifier StatusNotifier

	chunkSize  int
	chunkDelay time.Duration
	resultTTL  time.Duration
}

// Option tunes orchestration parameters.
type Option func(*Orchestrator)

// WithChunking overrides the fan-out chunk size and inter-chunk delay.
func WithChunking(size int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if size > 0 {
			o.chunkSize = size
		}
		o.chunkDelay = delay
	}
}

// WithResultTTL overrides how long a computed result stays fresh.
func WithResultTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.resultTTL = ttl
		}
	}
}

// New creates an orchestrator. Pass nil for notifier if status broadcasting
// is not needed.
func New(st store.Store, p provider.MetricsProvider, creds provider.CredentialSource, notifier StatusNotifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		provider:   p,
		creds:      creds,
		notifier:   notifier,
		chunkSize:  DefaultChunkSize,
		chunkDelay: DefaultChunkDelay,
		resultTTL:  DefaultResultTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one orchestration for the request's canonical query identity.
//
// Orchestration-level failures (unresolvable market set, missing credentials)
// abort before any market is attempted, mark the status record as error, and
// are returned to the caller. Per-market fetch failures are recorded on the
// market record and never abort the run.
func (o *Orchestrator) Run(ctx context.Context, runID string, req Request) error {
	codes := make([]string, len(req.Markets))
	for i, d := range req.Markets {
		codes[i] = d.Code
	}

	q, err := identity.Canonicalize(req.Keyword, req.MatchType, req.Device, codes)
	if err != nil {
		return err
	}

	// The record tree may not exist yet when the trigger is invoked
	// directly rather than via the read path.
	if err := o.store.CreateQuery(ctx, &model.QueryRecord{
		QueryID:   q.ID,
		UserID:    req.UserID,
		Keyword:   q.Keyword,
		MatchType: q.MatchType,
		Device:    q.Device,
		Markets:   q.Markets,
	}); err != nil {
		return fmt.Errorf("create query record: %w", err)
	}

	// Claim the run slot before validating: a rejected start must leave the
	// live run's status record untouched. Once claimed, validation failures
	// release the slot through the error state.
	now := time.Now().UTC()
	started, err := o.store.TryStartRun(ctx, req.UserID, q.ID, runID, now)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	if !started {
		metrics.RefreshRunsTotal.WithLabelValues("rejected").Inc()
		return ErrRunInProgress
	}
	o.notify(req.UserID, q.ID, model.StateRunning, "")

	resolved := registry.Resolve(req.Markets)
	if len(resolved) == 0 {
		return o.fail(ctx, req.UserID, q.ID, runID, ErrNoMarkets)
	}

	creds, err := o.creds.CredentialsFor(ctx, req.UserID)
	if err != nil {
		return o.fail(ctx, req.UserID, q.ID, runID, err)
	}

	slog.Info("refresh run started",
		"run_id", runID,
		"user", req.UserID,
		"query_id", q.ID,
		"keyword", q.Keyword,
		"markets", len(resolved),
	)

	records := o.fetchAll(ctx, q, req.UserID, resolved, creds)

	summary := buildSummary(len(resolved), records)
	computedAt := time.Now().UTC()
	expiresAt := computedAt.Add(o.resultTTL)

	if err := o.store.SaveResult(ctx, req.UserID, q.ID, summary, computedAt, expiresAt); err != nil {
		metrics.RefreshRunsTotal.WithLabelValues("error").Inc()
		return o.fail(ctx, req.UserID, q.ID, runID, fmt.Errorf("persist summary: %w", err))
	}

	completed := time.Now().UTC()
	startAt := now
	if err := o.store.SetStatus(ctx, req.UserID, q.ID, &model.StatusRecord{
		State:         model.StateSuccess,
		RunID:         runID,
		StartedAt:     &startAt,
		CompletedAt:   &completed,
		LastUpdatedAt: completed,
	}); err != nil {
		return fmt.Errorf("finalize status: %w", err)
	}
	o.notify(req.UserID, q.ID, model.StateSuccess, "")
	metrics.RefreshRunsTotal.WithLabelValues("success").Inc()

	slog.Info("refresh run completed",
		"run_id", runID,
		"query_id", q.ID,
		"total_markets", summary.TotalMarkets,
		"successful_markets", summary.SuccessfulMarkets,
		"duration", completed.Sub(now).String(),
	)
	return nil
}

// fetchAll partitions the resolved markets into fixed-size chunks processed
// sequentially; within a chunk every market is fetched concurrently. The
// inter-chunk delay is the only backpressure toward the upstream provider.
// Each market record is persisted as soon as its fetch resolves, so a crash
// mid-run leaves completed markets intact.
func (o *Orchestrator) fetchAll(ctx context.Context, q *identity.Query, userID string, resolved []registry.Market, creds *provider.Credentials) []model.MarketRecord {
	var (
		mu      sync.Mutex
		records []model.MarketRecord
	)

	for start := 0; start < len(resolved); start += o.chunkSize {
		if start > 0 && o.chunkDelay > 0 {
			time.Sleep(o.chunkDelay)
		}

		end := start + o.chunkSize
		if end > len(resolved) {
			end = len(resolved)
		}
		chunk := resolved[start:end]

		var wg sync.WaitGroup
		for _, market := range chunk {
			wg.Add(1)
			go func(market registry.Market) {
				defer wg.Done()

				record := o.fetchMarket(ctx, q, market, creds)
				if err := o.store.UpsertMarket(ctx, userID, q.ID, &record); err != nil {
					slog.Error("persist market record failed",
						"query_id", q.ID, "market", market.Code, "err", err)
					// The summary must reflect what actually landed.
					record.Status = model.MarketError
					record.Error = fmt.Sprintf("persist market record: %v", err)
				}

				mu.Lock()
				records = append(records, record)
				mu.Unlock()
			}(market)
		}
		wg.Wait()
	}
	return records
}

// fetchMarket calls the provider for one market and converts the payload.
// A failure becomes a status=error record rather than an aborted run.
func (o *Orchestrator) fetchMarket(ctx context.Context, q *identity.Query, market registry.Market, creds *provider.Credentials) model.MarketRecord {
	now := time.Now().UTC()

	payload, err := o.provider.FetchMarketMetrics(ctx, q.Keyword, q.MatchType, q.Device, market, creds)
	if err != nil {
		metrics.MarketFetchesTotal.WithLabelValues(model.MarketError).Inc()
		slog.Warn("market fetch failed",
			"query_id", q.ID, "market", market.Code, "err", err)
		return model.MarketRecord{
			MarketCode:   market.Code,
			CurrencyCode: market.CurrencyCode,
			Status:       model.MarketError,
			Error:        err.Error(),
			ComputedAt:   now,
		}
	}

	metrics.MarketFetchesTotal.WithLabelValues(model.MarketSuccess).Inc()
	record := model.MarketRecord{
		MarketCode:         market.Code,
		CurrencyCode:       market.CurrencyCode,
		AvgMonthlySearches: payload.AvgMonthlySearches,
		CompetitionIndex:   payload.CompetitionIndex,
		AverageCpc:         microsToUnits(payload.AverageCpcMicros),
		LowTopOfPageBid:    microsToUnits(payload.LowTopOfPageBidMicros),
		HighTopOfPageBid:   microsToUnits(payload.HighTopOfPageBidMicros),
		Status:             model.MarketSuccess,
		ComputedAt:         now,
	}

	// No direct average-CPC figure: derive it as the midpoint of the
	// low/high top-of-page bid range.
	if record.AverageCpc == nil && record.LowTopOfPageBid != nil && record.HighTopOfPageBid != nil {
		mid := record.LowTopOfPageBid.Add(*record.HighTopOfPageBid).
			Div(decimal.NewFromInt(2)).Round(4)
		record.AverageCpc = &mid
	}
	return record
}

// fail records an orchestration-level failure on the status record and
// re-surfaces the error to the caller.
func (o *Orchestrator) fail(ctx context.Context, userID, queryID, runID string, cause error) error {
	now := time.Now().UTC()
	if err := o.store.SetStatus(ctx, userID, queryID, &model.StatusRecord{
		State:         model.StateError,
		RunID:         runID,
		CompletedAt:   &now,
		Error:         cause.Error(),
		LastUpdatedAt: now,
	}); err != nil {
		slog.Error("record orchestration failure", "query_id", queryID, "err", err)
	}
	o.notify(userID, queryID, model.StateError, cause.Error())
	metrics.RefreshRunsTotal.WithLabelValues("error").Inc()
	return cause
}

func (o *Orchestrator) notify(userID, queryID, state, errMsg string) {
	if o.notifier != nil {
		o.notifier.NotifyStatus(userID, queryID, state, errMsg)
	}
}

var oneMillion = decimal.NewFromInt(1_000_000)

// microsToUnits converts a micro-denominated amount to currency units,
// rounded to 4 decimal places.
func microsToUnits(micros *int64) *decimal.Decimal {
	if micros == nil {
		return nil
	}
	d := decimal.NewFromInt(*micros).Div(oneMillion).Round(4)
	return &d
}

// buildSummary aggregates over markets with status=success only; error
// markets are excluded from every average, min, and max.
func buildSummary(total int, records []model.MarketRecord) model.Summary {
	summary := model.Summary{TotalMarkets: total}

	var (
		searchesSum   int64
		searchesCount int
		compSum       float64
		compCount     int
		cpcSum        decimal.Decimal
		cpcCount      int
	)

	for _, r := range records {
		if r.Status != model.MarketSuccess {
			continue
		}
		summary.SuccessfulMarkets++

		if r.AvgMonthlySearches != nil {
			searchesSum += *r.AvgMonthlySearches
			searchesCount++
		}
		if r.CompetitionIndex != nil {
			compSum += *r.CompetitionIndex
			compCount++
		}
		if r.AverageCpc != nil {
			cpcSum = cpcSum.Add(*r.AverageCpc)
			cpcCount++
			if cpcCount == 1 {
				summary.MinCpc = *r.AverageCpc
				summary.MaxCpc = *r.AverageCpc
			} else {
				if r.AverageCpc.LessThan(summary.MinCpc) {
					summary.MinCpc = *r.AverageCpc
				}
				if r.AverageCpc.GreaterThan(summary.MaxCpc) {
					summary.MaxCpc = *r.AverageCpc
				}
			}
		}
	}

	if searchesCount > 0 {
		summary.AvgMonthlySearches = float64(searchesSum) / float64(searchesCount)
	}
	if compCount > 0 {
		summary.AvgCompetitionIndex = compSum / float64(compCount)
	}
	if cpcCount > 0 {
		summary.AvgCpc = cpcSum.Div(decimal.NewFromInt(int64(cpcCount))).Round(4)
	}
	return summary
}
