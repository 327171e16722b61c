// Package research provides the HTTP read path over the query cache: resolve
// the canonical identity, branch on staleness, and answer either with cached
// market data (filtered, sorted, paginated) or a processing hint after
// scheduling a refresh.
//
// The read path never blocks on a refresh: it fires the trigger and returns
// immediately ("fire-and-poll").
package research

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alliedadvantage/research-engine/internal/auth"
	"github.com/alliedadvantage/research-engine/internal/identity"
	"github.com/alliedadvantage/research-engine/internal/listing"
	"github.com/alliedadvantage/research-engine/internal/metrics"
	"github.com/alliedadvantage/research-engine/internal/model"
	"github.com/alliedadvantage/research-engine/internal/policy"
	"github.com/alliedadvantage/research-engine/internal/refresh"
	"github.com/alliedadvantage/research-engine/internal/registry"
	"github.com/alliedadvantage/research-engine/internal/store"
)

// NextRecommendedPollMs is the poll hint returned with processing responses.
const NextRecommendedPollMs = 15000

// Service handles the research read API.
type Service struct {
	store    store.Store
	policy   *policy.Policy
	enqueuer Enqueuer
	notifier refresh.StatusNotifier // optional
}

// NewService creates the read-path service. Pass nil for notifier if status
// broadcasting is not needed.
func NewService(st store.Store, p *policy.Policy, enq Enqueuer, notifier refresh.StatusNotifier) *Service {
	return &Service{store: st, policy: p, enqueuer: enq, notifier: notifier}
}

// ProcessingResponse is returned while cached data is stale or absent.
type ProcessingResponse struct {
	Status                string     `json:"status"`
	QueryID               string     `json:"queryId"`
	Enqueued              bool       `json:"enqueued"`
	LastRequestedAt       *time.Time `json:"lastRequestedAt"`
	LastComputedAt        *time.Time `json:"lastComputedAt"`
	NextRecommendedPollMs int        `json:"nextRecommendedPollMs"`
}

// ReadyResponse carries one page of cached market data.
type ReadyResponse struct {
	Status         string               `json:"status"`
	QueryID        string               `json:"queryId"`
	Data           []model.MarketRecord `json:"data"`
	Pagination     listing.Page         `json:"pagination"`
	Aggregates     listing.Aggregates   `json:"aggregates"`
	Summary        *model.Summary       `json:"summary"`
	LastComputedAt *time.Time           `json:"lastComputedAt"`
}

// GetResearch handles GET /api/v1/research.
func (s *Service) GetResearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := auth.Subject(ctx)
	if subject == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated subject")
		return
	}

	// The resource owner must match the token subject.
	if owner := r.URL.Query().Get("userId"); owner != "" && owner != subject {
		writeError(w, http.StatusForbidden, "forbidden", "userId does not match token subject")
		return
	}
	userID := subject

	keyword := r.URL.Query().Get("keyword")
	matchType := r.URL.Query().Get("matchType")
	device := r.URL.Query().Get("device")
	requested := parseMarkets(r.URL.Query()["markets"])

	queryID := r.URL.Query().Get("queryId")
	if queryID == "" {
		// Canonicalize the tuple; explicit queryId bypasses this and is
		// trusted as addressing a specific cache entry.
		q, err := identity.Canonicalize(keyword, matchType, device, requested)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request",
				"provide queryId, or keyword and at least one market")
			return
		}
		queryID = q.ID
		keyword, matchType, device = q.Keyword, q.MatchType, q.Device
		requested = q.Markets
	}

	now := time.Now().UTC()

	record, err := s.store.GetQuery(ctx, userID, queryID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		record = nil
	case err != nil:
		slog.Error("load query record", "query_id", queryID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load query")
		return
	}

	// First request for this identity creates the cache entry.
	if record == nil && keyword != "" && len(requested) > 0 {
		record = &model.QueryRecord{
			QueryID:   queryID,
			UserID:    userID,
			Keyword:   keyword,
			MatchType: matchType,
			Device:    device,
			Markets:   requested,
		}
		if err := s.store.CreateQuery(ctx, record); err != nil {
			slog.Error("create query record", "query_id", queryID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to create query")
			return
		}
	}

	var marketRecords []model.MarketRecord
	if record != nil {
		marketRecords, err = s.store.ListMarkets(ctx, userID, queryID)
		if err != nil {
			slog.Error("load market records", "query_id", queryID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load markets")
			return
		}
	}

	if s.policy.NeedsRefresh(record, marketRecords, now) {
		s.respondProcessing(w, r, userID, queryID, record, now)
		return
	}

	s.respondReady(w, r, queryID, record, marketRecords)
}

// respondProcessing schedules a refresh when the throttle window allows and
// answers with the poll hint. It never returns 5xx solely because data is
// stale; only a failed trigger is a hard error.
func (s *Service) respondProcessing(w http.ResponseWriter, r *http.Request, userID, queryID string, record *model.QueryRecord, now time.Time) {
	enqueued := false

	// A queryId-only miss has no tuple to recompute from; report
	// processing without a trigger.
	if record != nil && s.policy.CanEnqueue(record, now) {
		descriptors := make([]registry.Descriptor, len(record.Markets))
		for i, code := range record.Markets {
			descriptors[i] = registry.Descriptor{Code: code}
		}

		err := s.enqueuer.Enqueue(r.Context(), refresh.Request{
			UserID:    userID,
			Keyword:   record.Keyword,
			MatchType: record.MatchType,
			Device:    record.Device,
			Markets:   descriptors,
		})
		if err != nil {
			metrics.EnqueuesTotal.WithLabelValues("failed").Inc()
			slog.Error("refresh enqueue failed", "query_id", queryID, "err", err)
			writeError(w, http.StatusInternalServerError, "enqueue_failed", "refresh trigger unreachable")
			return
		}

		if err := s.store.TouchRequested(r.Context(), userID, queryID, now); err != nil {
			slog.Warn("touch lastRequestedAt", "query_id", queryID, "err", err)
		}
		t := now
		record.LastRequestedAt = &t
		enqueued = true
		metrics.EnqueuesTotal.WithLabelValues("enqueued").Inc()
		if s.notifier != nil {
			s.notifier.NotifyStatus(userID, queryID, "queued", "")
		}
	} else {
		metrics.EnqueuesTotal.WithLabelValues("throttled").Inc()
	}

	resp := ProcessingResponse{
		Status:                "processing",
		QueryID:               queryID,
		Enqueued:              enqueued,
		NextRecommendedPollMs: NextRecommendedPollMs,
	}
	if record != nil {
		resp.LastRequestedAt = record.LastRequestedAt
		resp.LastComputedAt = record.LastComputedAt
	}

	metrics.ReadResponsesTotal.WithLabelValues("processing").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// respondReady runs the successful market records through the listing engine
// and returns one page plus filtered-set aggregates.
func (s *Service) respondReady(w http.ResponseWriter, r *http.Request, queryID string, record *model.QueryRecord, marketRecords []model.MarketRecord) {
	successful := marketRecords[:0:0]
	for _, m := range marketRecords {
		if m.Status == model.MarketSuccess {
			successful = append(successful, m)
		}
	}

	q, err := parseListingQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result := listing.Apply(successful, q)

	metrics.ReadResponsesTotal.WithLabelValues("ready").Inc()
	writeJSON(w, http.StatusOK, ReadyResponse{
		Status:         "ready",
		QueryID:        queryID,
		Data:           result.Records,
		Pagination:     result.Page,
		Aggregates:     result.Aggregates,
		Summary:        record.Summary,
		LastComputedAt: record.LastComputedAt,
	})
}

// --- Parameter parsing ---

// parseMarkets accepts repeated params, CSV strings, and JSON array strings.
func parseMarkets(values []string) []string {
	var out []string
	seen := make(map[string]bool)

	add := func(code string) {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		out = append(out, code)
	}

	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "[") {
			var arr []string
			if err := json.Unmarshal([]byte(v), &arr); err == nil {
				for _, code := range arr {
					add(code)
				}
				continue
			}
		}
		for _, code := range strings.Split(v, ",") {
			add(code)
		}
	}
	return out
}

func parseListingQuery(r *http.Request) (listing.Query, error) {
	q := listing.Query{
		Sort:      r.URL.Query().Get("sort"),
		SortOrder: r.URL.Query().Get("sortOrder"),
	}

	var err error
	if q.Limit, err = intParam(r, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(r, "offset"); err != nil {
		return q, err
	}
	if q.MinSearchVolume, err = int64Param(r, "minSearchVolume"); err != nil {
		return q, err
	}
	if q.MaxSearchVolume, err = int64Param(r, "maxSearchVolume"); err != nil {
		return q, err
	}
	if q.MinAverageCpc, err = decimalParam(r, "minAverageCpc", "minCpc"); err != nil {
		return q, err
	}
	if q.MaxAverageCpc, err = decimalParam(r, "maxAverageCpc", "maxCpc"); err != nil {
		return q, err
	}
	if q.MinCompetitionIndex, err = floatParam(r, "minCompetitionIndex", "minCompetition"); err != nil {
		return q, err
	}
	if q.MaxCompetitionIndex, err = floatParam(r, "maxCompetitionIndex", "maxCompetition"); err != nil {
		return q, err
	}
	return q, nil
}

func firstParam(r *http.Request, names ...string) (string, string) {
	for _, name := range names {
		if v := r.URL.Query().Get(name); v != "" {
			return name, v
		}
	}
	return "", ""
}

func intParam(r *http.Request, name string) (int, error) {
	_, v := firstParam(r, name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func int64Param(r *http.Request, names ...string) (*int64, error) {
	name, v := firstParam(r, names...)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, errors.New(name + " must be an integer")
	}
	return &n, nil
}

func floatParam(r *http.Request, names ...string) (*float64, error) {
	name, v := firstParam(r, names...)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, errors.New(name + " must be a number")
	}
	return &f, nil
}

func decimalParam(r *http.Request, names ...string) (*decimal.Decimal, error) {
	name, v := firstParam(r, names...)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, errors.New(name + " must be a number")
	}
	return &d, nil
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
