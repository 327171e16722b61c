// Package listing implements the read-side filter, sort, and pagination
// engine over cached market records, plus the aggregates computed over the
// filtered (pre-pagination) set.
//
// Filter bounds are inclusive; a record whose field is null never satisfies
// any bound, upper or lower. Numeric sorts place null values after all
// non-null values regardless of direction.
package listing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alliedadvantage/research-engine/internal/model"
)

// Pagination limits.
const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// Selectable sort fields.
const (
	SortSearchVolume     = "searchVolume"
	SortAverageCpc       = "averageCpc"
	SortCompetitionIndex = "competitionIndex"
	SortTopOfPageBidLow  = "topOfPageBidLow"
	SortTopOfPageBidHigh = "topOfPageBidHigh"
	SortMarketCode       = "marketCode"
)

// Query carries the caller-supplied filter/sort/pagination parameters.
// Nil filter pointers mean the bound is inactive.
type Query struct {
	MinSearchVolume     *int64
	MaxSearchVolume     *int64
	MinAverageCpc       *decimal.Decimal
	MaxAverageCpc       *decimal.Decimal
	MinCompetitionIndex *float64
	MaxCompetitionIndex *float64

	Sort      string
	SortOrder string // "asc" or "desc"; default desc for numeric fields

	Limit  int
	Offset int
}

// Page describes the returned slice of the filtered set.
type Page struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	Total      int  `json:"total"`
	HasMore    bool `json:"hasMore"`
	NextOffset *int `json:"nextOffset"`
}

// Aggregates are computed over the filtered set (post-filter,
// pre-pagination), so they describe what the caller is viewing rather than
// the raw cache or the returned page.
type Aggregates struct {
	MinAverageCpc          *decimal.Decimal `json:"minAverageCpc"`
	MaxAverageCpc          *decimal.Decimal `json:"maxAverageCpc"`
	MedianCompetitionIndex *float64         `json:"medianCompetitionIndex"`
	TotalResults           int              `json:"totalResults"`
}

// Result is the full outcome of one engine pass.
type Result struct {
	Records    []model.MarketRecord
	Page       Page
	Aggregates Aggregates
}

// Apply filters, sorts, and paginates the records.
func Apply(records []model.MarketRecord, q Query) Result {
	filtered := filter(records, q)
	sortRecords(filtered, q.Sort, q.SortOrder)
	agg := aggregate(filtered)

	limit := q.Limit
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	total := len(filtered)
	end := offset + limit
	if end > total {
		end = total
	}
	start := offset
	if start > total {
		start = total
	}

	page := Page{
		Limit:   limit,
		Offset:  offset,
		Total:   total,
		HasMore: end < total,
	}
	if page.HasMore {
		next := end
		page.NextOffset = &next
	}

	return Result{
		Records:    filtered[start:end],
		Page:       page,
		Aggregates: agg,
	}
}

func filter(records []model.MarketRecord, q Query) []model.MarketRecord {
	out := make([]model.MarketRecord, 0, len(records))
	for _, r := range records {
		if !int64InBounds(r.AvgMonthlySearches, q.MinSearchVolume, q.MaxSearchVolume) {
			continue
		}
		if !decimalInBounds(r.AverageCpc, q.MinAverageCpc, q.MaxAverageCpc) {
			continue
		}
		if !floatInBounds(r.CompetitionIndex, q.MinCompetitionIndex, q.MaxCompetitionIndex) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func int64InBounds(v, min, max *int64) bool {
	if min == nil && max == nil {
		return true
	}
	if v == nil {
		return false
	}
	if min != nil && *v < *min {
		return false
	}
	if max != nil && *v > *max {
		return false
	}
	return true
}

func decimalInBounds(v, min, max *decimal.Decimal) bool {
	if min == nil && max == nil {
		return true
	}
	if v == nil {
		return false
	}
	if min != nil && v.LessThan(*min) {
		return false
	}
	if max != nil && v.GreaterThan(*max) {
		return false
	}
	return true
}

func floatInBounds(v, min, max *float64) bool {
	if min == nil && max == nil {
		return true
	}
	if v == nil {
		return false
	}
	if min != nil && *v < *min {
		return false
	}
	if max != nil && *v > *max {
		return false
	}
	return true
}

func sortRecords(records []model.MarketRecord, field, order string) {
	if field == "" {
		field = SortSearchVolume
	}

	dir := -1 // numeric fields default to desc
	if field == SortMarketCode {
		dir = 1
	}
	switch strings.ToLower(order) {
	case "asc":
		dir = 1
	case "desc":
		dir = -1
	}

	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if field == SortMarketCode {
			if dir > 0 {
				return a.MarketCode < b.MarketCode
			}
			return a.MarketCode > b.MarketCode
		}

		av, aNull := sortKey(a, field)
		bv, bNull := sortKey(b, field)

		// Nulls sort after all non-null values in either direction.
		if aNull != bNull {
			return !aNull
		}
		if aNull {
			return false
		}
		if dir > 0 {
			return av.LessThan(bv)
		}
		return av.GreaterThan(bv)
	})
}

// sortKey extracts the numeric sort value for a record as a decimal,
// reporting whether it is null.
func sortKey(r model.MarketRecord, field string) (decimal.Decimal, bool) {
	switch field {
	case SortSearchVolume:
		if r.AvgMonthlySearches == nil {
			return decimal.Zero, true
		}
		return decimal.NewFromInt(*r.AvgMonthlySearches), false
	case SortAverageCpc:
		if r.AverageCpc == nil {
			return decimal.Zero, true
		}
		return *r.AverageCpc, false
	case SortCompetitionIndex:
		if r.CompetitionIndex == nil {
			return decimal.Zero, true
		}
		return decimal.NewFromFloat(*r.CompetitionIndex), false
	case SortTopOfPageBidLow:
		if r.LowTopOfPageBid == nil {
			return decimal.Zero, true
		}
		return *r.LowTopOfPageBid, false
	case SortTopOfPageBidHigh:
		if r.HighTopOfPageBid == nil {
			return decimal.Zero, true
		}
		return *r.HighTopOfPageBid, false
	default:
		if r.AvgMonthlySearches == nil {
			return decimal.Zero, true
		}
		return decimal.NewFromInt(*r.AvgMonthlySearches), false
	}
}

func aggregate(records []model.MarketRecord) Aggregates {
	agg := Aggregates{TotalResults: len(records)}

	var competitions []float64
	for _, r := range records {
		if r.AverageCpc != nil {
			if agg.MinAverageCpc == nil || r.AverageCpc.LessThan(*agg.MinAverageCpc) {
				v := *r.AverageCpc
				agg.MinAverageCpc = &v
			}
			if agg.MaxAverageCpc == nil || r.AverageCpc.GreaterThan(*agg.MaxAverageCpc) {
				v := *r.AverageCpc
				agg.MaxAverageCpc = &v
			}
		}
		if r.CompetitionIndex != nil {
			competitions = append(competitions, *r.CompetitionIndex)
		}
	}

	if len(competitions) > 0 {
		sort.Float64s(competitions)
		mid := len(competitions) / 2
		var median float64
		if len(competitions)%2 == 1 {
			median = competitions[mid]
		} else {
			median = (competitions[mid-1] + competitions[mid]) / 2
		}
		agg.MedianCompetitionIndex = &median
	}

	return agg
}
