// Package policy decides when a cached research query needs recomputation and
// when a refresh may actually be triggered.
//
// The two decisions are independent: staleness says the data is too old to
// serve as fresh; the throttle caps how often the upstream trigger fires for
// one identity. A stale entry inside the throttle window is reported as
// processing without a new enqueue.
package policy

import (
	"time"

	"github.com/alliedadvantage/research-engine/internal/model"
)

// Defaults per the cache contract.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultThrottle = 60 * time.Second
)

// Policy evaluates staleness and throttle windows.
type Policy struct {
	// TTL is the maximum age of lastComputedAt before the entry is stale.
	TTL time.Duration

	// Throttle is the minimum interval between refresh triggers for the
	// same identity.
	Throttle time.Duration
}

// New returns a policy with the given windows; non-positive values fall back
// to the defaults.
func New(ttl, throttle time.Duration) *Policy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Policy{TTL: ttl, Throttle: throttle}
}

// NeedsRefresh reports whether the cache entry must be recomputed: the record
// is missing, never computed, older than the TTL, or holds no successful
// market at all.
func (p *Policy) NeedsRefresh(record *model.QueryRecord, markets []model.MarketRecord, now time.Time) bool {
	if record == nil || record.LastComputedAt == nil {
		return true
	}
	if now.Sub(*record.LastComputedAt) > p.TTL {
		return true
	}
	return successCount(markets) == 0
}

// CanEnqueue reports whether a refresh trigger is allowed for this identity:
// either it has never been requested or the last request is outside the
// throttle window.
func (p *Policy) CanEnqueue(record *model.QueryRecord, now time.Time) bool {
	if record == nil || record.LastRequestedAt == nil {
		return true
	}
	return now.Sub(*record.LastRequestedAt) > p.Throttle
}

func successCount(markets []model.MarketRecord) int {
	n := 0
	for _, m := range markets {
		if m.Status == model.MarketSuccess {
			n++
		}
	}
	return n
}
