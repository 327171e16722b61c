package registry

import (
	"encoding/json"
	"testing"
)

func TestDescriptorUnmarshalBareString(t *testing.T) {
	var d Descriptor
	if err := json.Unmarshal([]byte(`"US-EN"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Code != "US-EN" {
		t.Errorf("expected code US-EN, got %q", d.Code)
	}
}

func TestDescriptorUnmarshalStructured(t *testing.T) {
	var d Descriptor
	raw := `{"code":"de-de","geoTargetId":9999,"currencyCode":"usd"}`
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Code != "de-de" || d.GeoTargetID != 9999 || d.CurrencyCode != "usd" {
		t.Errorf("unexpected descriptor: %+v", d)
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	m, ok := Lookup(" us-en ")
	if !ok {
		t.Fatal("expected lookup to succeed")
	}
	if m.Code != "US-EN" || m.GeoTargetID != 2840 || m.CurrencyCode != "USD" {
		t.Errorf("unexpected market: %+v", m)
	}

	if _, ok := Lookup("ZZ-ZZ"); ok {
		t.Error("expected lookup miss for unknown code")
	}
}

func TestResolveDropsUnknownAndDedupes(t *testing.T) {
	ms := Resolve([]Descriptor{
		{Code: "US-EN"},
		{Code: "ZZ-ZZ"},
		{Code: "us-en"},
		{Code: "GB-EN"},
	})

	if len(ms) != 2 {
		t.Fatalf("expected 2 resolved markets, got %d: %+v", len(ms), ms)
	}
	if ms[0].Code != "US-EN" || ms[1].Code != "GB-EN" {
		t.Errorf("unexpected order: %+v", ms)
	}
}

func TestResolveOverrides(t *testing.T) {
	ms := Resolve([]Descriptor{
		{Code: "DE-DE", GeoTargetID: 12345, CurrencyCode: "chf"},
	})
	if len(ms) != 1 {
		t.Fatalf("expected 1 market, got %d", len(ms))
	}
	if ms[0].GeoTargetID != 12345 {
		t.Errorf("expected geo override 12345, got %d", ms[0].GeoTargetID)
	}
	if ms[0].CurrencyCode != "CHF" {
		t.Errorf("expected currency override CHF, got %s", ms[0].CurrencyCode)
	}
	if ms[0].LanguageID != 1001 {
		t.Errorf("expected registry language to survive, got %d", ms[0].LanguageID)
	}
}

func TestCodes(t *testing.T) {
	ms := Resolve([]Descriptor{{Code: "CA-EN"}, {Code: "AU-EN"}})
	codes := Codes(ms)
	if len(codes) != 2 || codes[0] != "CA-EN" || codes[1] != "AU-EN" {
		t.Errorf("unexpected codes: %v", codes)
	}
}
