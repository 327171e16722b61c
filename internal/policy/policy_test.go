package policy

import (
	"testing"
	"time"

	"github.com/alliedadvantage/research-engine/internal/model"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestNeedsRefreshMissingRecord(t *testing.T) {
	p := New(0, 0)
	now := time.Now()

	if !p.NeedsRefresh(nil, nil, now) {
		t.Error("nil record should need refresh")
	}
	if !p.NeedsRefresh(&model.QueryRecord{}, nil, now) {
		t.Error("never-computed record should need refresh")
	}
}

func TestNeedsRefreshAge(t *testing.T) {
	p := New(24*time.Hour, time.Minute)
	now := time.Now()

	fresh := &model.QueryRecord{LastComputedAt: timePtr(now.Add(-23 * time.Hour))}
	stale := &model.QueryRecord{LastComputedAt: timePtr(now.Add(-25 * time.Hour))}
	success := []model.MarketRecord{{MarketCode: "US-EN", Status: model.MarketSuccess}}

	if p.NeedsRefresh(fresh, success, now) {
		t.Error("23h-old entry with a successful market should be fresh")
	}
	if !p.NeedsRefresh(stale, success, now) {
		t.Error("25h-old entry should be stale")
	}
}

func TestNeedsRefreshZeroSuccesses(t *testing.T) {
	p := New(24*time.Hour, time.Minute)
	now := time.Now()
	record := &model.QueryRecord{LastComputedAt: timePtr(now.Add(-time.Hour))}

	allFailed := []model.MarketRecord{
		{MarketCode: "US-EN", Status: model.MarketError},
		{MarketCode: "GB-EN", Status: model.MarketError},
	}
	if !p.NeedsRefresh(record, allFailed, now) {
		t.Error("entry with zero successful markets should need refresh even inside TTL")
	}

	partial := append(allFailed, model.MarketRecord{MarketCode: "CA-EN", Status: model.MarketSuccess})
	if p.NeedsRefresh(record, partial, now) {
		t.Error("one successful market inside TTL should count as fresh")
	}
}

func TestCanEnqueueThrottle(t *testing.T) {
	p := New(24*time.Hour, 60*time.Second)
	now := time.Now()

	if !p.CanEnqueue(nil, now) {
		t.Error("never-requested identity should be enqueueable")
	}
	if !p.CanEnqueue(&model.QueryRecord{}, now) {
		t.Error("record without lastRequestedAt should be enqueueable")
	}

	recent := &model.QueryRecord{LastRequestedAt: timePtr(now.Add(-30 * time.Second))}
	if p.CanEnqueue(recent, now) {
		t.Error("request 30s ago should be throttled")
	}

	old := &model.QueryRecord{LastRequestedAt: timePtr(now.Add(-61 * time.Second))}
	if !p.CanEnqueue(old, now) {
		t.Error("request 61s ago should be outside the throttle window")
	}
}

func TestNewDefaults(t *testing.T) {
	p := New(0, -time.Second)
	if p.TTL != DefaultTTL {
		t.Errorf("expected default TTL, got %v", p.TTL)
	}
	if p.Throttle != DefaultThrottle {
		t.Errorf("expected default throttle, got %v", p.Throttle)
	}
}
