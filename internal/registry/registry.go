// Package registry holds the static table of supported target markets and
// resolves the polymorphic market descriptors accepted on the wire.
//
// A market is a (geography, language, currency) target identified by a short
// code such as "US-EN". Callers may send either a bare code string or a
// structured descriptor; both resolve through the same lookup.
package registry

import (
	"encoding/json"
	"strings"
)

// Market is one resolved entry of the static registry.
type Market struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	GeoTargetID  int64  `json:"geoTargetId"`
	LanguageID   int64  `json:"languageId"`
	CurrencyCode string `json:"currencyCode"`
}

// Descriptor is the tagged union accepted for a market on the wire: either a
// bare code string ("US-EN") or an object carrying geo/language/currency
// overrides. Only the code participates in registry resolution.
type Descriptor struct {
	Code         string `json:"code"`
	GeoTargetID  int64  `json:"geoTargetId,omitempty"`
	LanguageID   int64  `json:"languageId,omitempty"`
	CurrencyCode string `json:"currencyCode,omitempty"`
}

// UnmarshalJSON accepts both the bare-string and structured forms.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var code string
	if err := json.Unmarshal(data, &code); err == nil {
		*d = Descriptor{Code: code}
		return nil
	}

	type raw Descriptor
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*d = Descriptor(r)
	return nil
}

// markets is the static registry keyed by market code. Geo target and
// language IDs follow the ad platform's criteria tables.
var markets = map[string]Market{
	"US-EN": {Code: "US-EN", Name: "United States (English)", GeoTargetID: 2840, LanguageID: 1000, CurrencyCode: "USD"},
	"CA-EN": {Code: "CA-EN", Name: "Canada (English)", GeoTargetID: 2124, LanguageID: 1000, CurrencyCode: "CAD"},
	"GB-EN": {Code: "GB-EN", Name: "United Kingdom (English)", GeoTargetID: 2826, LanguageID: 1000, CurrencyCode: "GBP"},
	"AU-EN": {Code: "AU-EN", Name: "Australia (English)", GeoTargetID: 2036, LanguageID: 1000, CurrencyCode: "AUD"},
	"IN-EN": {Code: "IN-EN", Name: "India (English)", GeoTargetID: 2356, LanguageID: 1000, CurrencyCode: "INR"},
	"DE-DE": {Code: "DE-DE", Name: "Germany (German)", GeoTargetID: 2276, LanguageID: 1001, CurrencyCode: "EUR"},
	"FR-FR": {Code: "FR-FR", Name: "France (French)", GeoTargetID: 2250, LanguageID: 1002, CurrencyCode: "EUR"},
	"ES-ES": {Code: "ES-ES", Name: "Spain (Spanish)", GeoTargetID: 2724, LanguageID: 1003, CurrencyCode: "EUR"},
	"IT-IT": {Code: "IT-IT", Name: "Italy (Italian)", GeoTargetID: 2380, LanguageID: 1004, CurrencyCode: "EUR"},
	"NL-NL": {Code: "NL-NL", Name: "Netherlands (Dutch)", GeoTargetID: 2528, LanguageID: 1010, CurrencyCode: "EUR"},
	"BR-PT": {Code: "BR-PT", Name: "Brazil (Portuguese)", GeoTargetID: 2076, LanguageID: 1014, CurrencyCode: "BRL"},
	"MX-ES": {Code: "MX-ES", Name: "Mexico (Spanish)", GeoTargetID: 2484, LanguageID: 1003, CurrencyCode: "MXN"},
	"JP-JA": {Code: "JP-JA", Name: "Japan (Japanese)", GeoTargetID: 2392, LanguageID: 1005, CurrencyCode: "JPY"},
	"SE-SV": {Code: "SE-SV", Name: "Sweden (Swedish)", GeoTargetID: 2752, LanguageID: 1015, CurrencyCode: "SEK"},
	"PL-PL": {Code: "PL-PL", Name: "Poland (Polish)", GeoTargetID: 2616, LanguageID: 1030, CurrencyCode: "PLN"},
}

// Lookup returns the registry entry for a market code.
func Lookup(code string) (Market, bool) {
	m, ok := markets[strings.ToUpper(strings.TrimSpace(code))]
	return m, ok
}

// Resolve maps descriptors to registry entries. Unresolvable descriptors are
// dropped; duplicates (by resolved code) collapse to the first occurrence.
// Structured descriptors may override geo/language/currency fields.
func Resolve(descriptors []Descriptor) []Market {
	seen := make(map[string]bool, len(descriptors))
	resolved := make([]Market, 0, len(descriptors))

	for _, d := range descriptors {
		m, ok := Lookup(d.Code)
		if !ok || seen[m.Code] {
			continue
		}
		seen[m.Code] = true

		if d.GeoTargetID != 0 {
			m.GeoTargetID = d.GeoTargetID
		}
		if d.LanguageID != 0 {
			m.LanguageID = d.LanguageID
		}
		if d.CurrencyCode != "" {
			m.CurrencyCode = strings.ToUpper(d.CurrencyCode)
		}
		resolved = append(resolved, m)
	}
	return resolved
}

// Codes returns the sorted-insertion list of codes for a resolved set.
func Codes(ms []Market) []string {
	codes := make([]string, len(ms))
	for i, m := range ms {
		codes[i] = m.Code
	}
	return codes
}
