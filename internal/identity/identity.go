// Package identity computes the canonical identity of a research query.
//
// Two logically identical requests, regardless of market ordering or input
// casing, must resolve to the same query ID so the cache entry is shared and
// upstream effort is not duplicated.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

// Defaults applied when match type or device are absent.
const (
	DefaultMatchType = "BROAD"
	DefaultDevice    = "DESKTOP"
)

// ErrIncompleteQuery is returned when neither an explicit query ID nor a
// complete (keyword + at least one market) tuple is available.
var ErrIncompleteQuery = errors.New("identity: keyword and at least one market are required")

// Query is a canonicalized research query.
type Query struct {
	ID        string
	Keyword   string
	MatchType string
	Device    string
	Markets   []string // trimmed, uppercased, deduplicated, sorted
}

// Canonicalize normalizes the raw inputs and derives the deterministic
// query ID: keyword is trimmed and lowercased; matchType and device are
// uppercased with defaults; markets are trimmed, uppercased, empties
// dropped, deduplicated, and sorted.
func Canonicalize(keyword, matchType, device string, markets []string) (*Query, error) {
	kw := strings.ToLower(strings.TrimSpace(keyword))

	mt := strings.ToUpper(strings.TrimSpace(matchType))
	if mt == "" {
		mt = DefaultMatchType
	}
	dev := strings.ToUpper(strings.TrimSpace(device))
	if dev == "" {
		dev = DefaultDevice
	}

	seen := make(map[string]bool, len(markets))
	normalized := make([]string, 0, len(markets))
	for _, m := range markets {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		normalized = append(normalized, m)
	}
	sort.Strings(normalized)

	if kw == "" || len(normalized) == 0 {
		return nil, ErrIncompleteQuery
	}

	return &Query{
		ID:        hash(kw, mt, dev, normalized),
		Keyword:   kw,
		MatchType: mt,
		Device:    dev,
		Markets:   normalized,
	}, nil
}

// hash computes SHA256(keyword|matchType|device|market1|market2|...).
func hash(keyword, matchType, device string, markets []string) string {
	parts := append([]string{keyword, matchType, device}, markets...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
