package research

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/alliedadvantage/research-engine/internal/auth"
	"github.com/alliedadvantage/research-engine/internal/identity"
	"github.com/alliedadvantage/research-engine/internal/model"
	"github.com/alliedadvantage/research-engine/internal/policy"
	"github.com/alliedadvantage/research-engine/internal/refresh"
	"github.com/alliedadvantage/research-engine/internal/store"
)

// stubEnqueuer records triggers and optionally fails.
type stubEnqueuer struct {
	requests []refresh.Request
	err      error
}

func (e *stubEnqueuer) Enqueue(_ context.Context, req refresh.Request) error {
	if e.err != nil {
		return e.err
	}
	e.requests = append(e.requests, req)
	return nil
}

func newTestRouter(st store.Store, enq Enqueuer) http.Handler {
	svc := NewService(st, policy.New(24*time.Hour, 60*time.Second), enq, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(auth.InsecureVerifier{}))
		r.Get("/research", svc.GetResearch)
	})
	return r
}

func doGet(t *testing.T, h http.Handler, url, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, w.Body.String())
	}
}

func mustQueryID(t *testing.T, keyword string, markets []string) string {
	t.Helper()
	q, err := identity.Canonicalize(keyword, "", "", markets)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	return q.ID
}

func seedReady(t *testing.T, st store.Store, userID, keyword string, markets []string) string {
	t.Helper()
	ctx := context.Background()
	queryID := mustQueryID(t, keyword, markets)
	now := time.Now().UTC()

	err := st.CreateQuery(ctx, &model.QueryRecord{
		QueryID: queryID,
		UserID:  userID,
		Keyword: keyword,
		Markets: markets,
	})
	if err != nil {
		t.Fatalf("seed query: %v", err)
	}

	volumes := map[string]int64{"US-EN": 5000, "GB-EN": 3000, "CA-EN": 1000}
	cpcs := map[string]string{"US-EN": "2.50", "GB-EN": "1.25", "CA-EN": "0.80"}
	for _, code := range markets {
		v := volumes[code]
		cpc := decimal.RequireFromString(cpcs[code])
		comp := 0.5
		err := st.UpsertMarket(ctx, userID, queryID, &model.MarketRecord{
			MarketCode:         code,
			CurrencyCode:       "USD",
			AvgMonthlySearches: &v,
			AverageCpc:         &cpc,
			CompetitionIndex:   &comp,
			Status:             model.MarketSuccess,
			ComputedAt:         now,
		})
		if err != nil {
			t.Fatalf("seed market %s: %v", code, err)
		}
	}

	summary := model.Summary{TotalMarkets: len(markets), SuccessfulMarkets: len(markets)}
	if err := st.SaveResult(ctx, userID, queryID, summary, now, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("seed summary: %v", err)
	}
	return queryID
}

func TestGetResearchRequiresAuth(t *testing.T) {
	router := newTestRouter(store.NewMemoryStore(), &stubEnqueuer{})

	w := doGet(t, router, "/api/v1/research?keyword=widgets&markets=US-EN", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestGetResearchForbiddenMismatch(t *testing.T) {
	router := newTestRouter(store.NewMemoryStore(), &stubEnqueuer{})

	w := doGet(t, router, "/api/v1/research?userId=someone-else&keyword=widgets&markets=US-EN", "user-1")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestGetResearchInvalidRequest(t *testing.T) {
	router := newTestRouter(store.NewMemoryStore(), &stubEnqueuer{})

	w := doGet(t, router, "/api/v1/research", "user-1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body map[string]string
	decodeJSON(t, w, &body)
	if body["error"] != "invalid_request" {
		t.Errorf("expected invalid_request, got %q", body["error"])
	}
}

func TestGetResearchMissEnqueues(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &stubEnqueuer{}
	router := newTestRouter(st, enq)

	w := doGet(t, router, "/api/v1/research?keyword=Standing+Desk&markets=US-EN,GB-EN", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ProcessingResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "processing" || !resp.Enqueued {
		t.Errorf("expected enqueued processing response, got %+v", resp)
	}
	if resp.NextRecommendedPollMs != NextRecommendedPollMs {
		t.Errorf("poll hint = %d, want %d", resp.NextRecommendedPollMs, NextRecommendedPollMs)
	}
	if resp.QueryID != mustQueryID(t, "standing desk", []string{"US-EN", "GB-EN"}) {
		t.Errorf("unexpected queryId %s", resp.QueryID)
	}

	if len(enq.requests) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(enq.requests))
	}
	if enq.requests[0].UserID != "user-1" || enq.requests[0].Keyword != "standing desk" {
		t.Errorf("unexpected trigger: %+v", enq.requests[0])
	}

	// The cache entry exists with lastRequestedAt stamped.
	record, err := st.GetQuery(context.Background(), "user-1", resp.QueryID)
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if record.LastRequestedAt == nil {
		t.Error("expected lastRequestedAt to be stamped")
	}
}

func TestGetResearchThrottlesRepeatedMiss(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &stubEnqueuer{}
	router := newTestRouter(st, enq)

	url := "/api/v1/research?keyword=widgets&markets=US-EN"
	doGet(t, router, url, "user-1")
	w := doGet(t, router, url, "user-1")

	var resp ProcessingResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "processing" || resp.Enqueued {
		t.Errorf("second request inside throttle should not enqueue: %+v", resp)
	}
	if len(enq.requests) != 1 {
		t.Errorf("expected exactly 1 trigger across both requests, got %d", len(enq.requests))
	}
}

func TestGetResearchEnqueueFailure(t *testing.T) {
	router := newTestRouter(store.NewMemoryStore(), &stubEnqueuer{err: errors.New("connection refused")})

	w := doGet(t, router, "/api/v1/research?keyword=widgets&markets=US-EN", "user-1")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	decodeJSON(t, w, &body)
	if body["error"] != "enqueue_failed" {
		t.Errorf("expected enqueue_failed, got %q", body["error"])
	}
}

func TestGetResearchQueryIDOnlyMiss(t *testing.T) {
	enq := &stubEnqueuer{}
	router := newTestRouter(store.NewMemoryStore(), enq)

	w := doGet(t, router, "/api/v1/research?queryId=deadbeef", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp ProcessingResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "processing" || resp.Enqueued {
		t.Errorf("queryId-only miss must not enqueue: %+v", resp)
	}
	if len(enq.requests) != 0 {
		t.Errorf("expected no triggers, got %d", len(enq.requests))
	}
}

func TestGetResearchReady(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &stubEnqueuer{}
	router := newTestRouter(st, enq)

	markets := []string{"US-EN", "GB-EN", "CA-EN"}
	queryID := seedReady(t, st, "user-1", "widgets", markets)

	w := doGet(t, router, "/api/v1/research?keyword=widgets&markets=US-EN,GB-EN,CA-EN", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ReadyResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "ready" || resp.QueryID != queryID {
		t.Errorf("unexpected response header fields: %+v", resp)
	}
	if len(resp.Data) != 3 {
		t.Fatalf("expected 3 records, got %d", len(resp.Data))
	}
	// Default sort: search volume descending.
	if resp.Data[0].MarketCode != "US-EN" || resp.Data[2].MarketCode != "CA-EN" {
		t.Errorf("unexpected order: %s .. %s", resp.Data[0].MarketCode, resp.Data[2].MarketCode)
	}
	if resp.Summary == nil || resp.Summary.TotalMarkets != 3 {
		t.Errorf("expected summary over 3 markets, got %+v", resp.Summary)
	}
	if resp.Pagination.Total != 3 || resp.Pagination.HasMore {
		t.Errorf("unexpected pagination: %+v", resp.Pagination)
	}

	// A fresh hit never fires the trigger.
	if len(enq.requests) != 0 {
		t.Errorf("ready path must not enqueue, got %d triggers", len(enq.requests))
	}
}

func TestGetResearchReadyFilters(t *testing.T) {
	st := store.NewMemoryStore()
	router := newTestRouter(st, &stubEnqueuer{})

	seedReady(t, st, "user-1", "widgets", []string{"US-EN", "GB-EN", "CA-EN"})

	w := doGet(t, router,
		"/api/v1/research?keyword=widgets&markets=US-EN,GB-EN,CA-EN&minCpc=1.00&sort=averageCpc&sortOrder=asc", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp ReadyResponse
	decodeJSON(t, w, &resp)
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 records above minCpc=1.00, got %d", len(resp.Data))
	}
	if resp.Data[0].MarketCode != "GB-EN" || resp.Data[1].MarketCode != "US-EN" {
		t.Errorf("unexpected ascending cpc order: %s, %s", resp.Data[0].MarketCode, resp.Data[1].MarketCode)
	}
	// Aggregates describe the filtered set.
	if resp.Aggregates.TotalResults != 2 {
		t.Errorf("expected aggregates over 2 records, got %d", resp.Aggregates.TotalResults)
	}
	if resp.Aggregates.MinAverageCpc == nil || !resp.Aggregates.MinAverageCpc.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("unexpected min cpc aggregate: %v", resp.Aggregates.MinAverageCpc)
	}
}

func TestGetResearchReadyExcludesErrorMarkets(t *testing.T) {
	st := store.NewMemoryStore()
	router := newTestRouter(st, &stubEnqueuer{})

	markets := []string{"US-EN", "GB-EN"}
	queryID := seedReady(t, st, "user-1", "widgets", markets)

	// One market failed its last fetch.
	err := st.UpsertMarket(context.Background(), "user-1", queryID, &model.MarketRecord{
		MarketCode: "DE-DE",
		Status:     model.MarketError,
		Error:      "upstream unavailable",
		ComputedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed error market: %v", err)
	}

	w := doGet(t, router, "/api/v1/research?queryId="+queryID, "user-1")
	var resp ReadyResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "ready" {
		t.Fatalf("expected ready, got %s", resp.Status)
	}
	for _, m := range resp.Data {
		if m.MarketCode == "DE-DE" {
			t.Error("error markets must not appear in ready data")
		}
	}
	if len(resp.Data) != 2 {
		t.Errorf("expected 2 successful records, got %d", len(resp.Data))
	}
}

func TestGetResearchBadFilterParam(t *testing.T) {
	st := store.NewMemoryStore()
	router := newTestRouter(st, &stubEnqueuer{})

	seedReady(t, st, "user-1", "widgets", []string{"US-EN"})

	w := doGet(t, router, "/api/v1/research?keyword=widgets&markets=US-EN&minCpc=abc", "user-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric filter, got %d", w.Code)
	}
}

func TestParseMarkets(t *testing.T) {
	cases := []struct {
		name   string
		values []string
		want   []string
	}{
		{"repeated params", []string{"US-EN", "GB-EN"}, []string{"US-EN", "GB-EN"}},
		{"csv", []string{"US-EN,GB-EN , CA-EN"}, []string{"US-EN", "GB-EN", "CA-EN"}},
		{"json array", []string{`["US-EN","GB-EN"]`}, []string{"US-EN", "GB-EN"}},
		{"duplicates", []string{"US-EN,US-EN", "US-EN"}, []string{"US-EN"}},
		{"empty", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseMarkets(tc.values)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}
