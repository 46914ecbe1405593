package offers

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// Maps holds display names keyed by IATA code.
type Maps struct {
	Cities   map[string]string
	Airlines map[string]string
}

// City returns the display name of a city, or the code itself.
func (m Maps) City(code string) string {
	if name, ok := m.Cities[code]; ok && name != "" {
		return name
	}
	return code
}

// Airline returns the display name of an airline, or the code itself.
func (m Maps) Airline(code string) string {
	if name, ok := m.Airlines[code]; ok && name != "" {
		return name
	}
	return code
}

type cityEntry struct {
	City struct {
		IATA         string          `json:"iata"`
		Translations json.RawMessage `json:"translations"`
	} `json:"city"`
}

type airlineEntry struct {
	IATA         string          `json:"iata"`
	Name         string          `json:"name"`
	Translations json.RawMessage `json:"translations"`
}

// BuildMaps builds the city and airline lookups from a payload. It never
// fails: malformed entries are skipped and unresolved names fall back to codes.
func BuildMaps(p *tracker.Payload, locale string) Maps {
	m := Maps{
		Cities:   make(map[string]string),
		Airlines: make(map[string]string),
	}
	if p == nil {
		return m
	}

	for _, raw := range section(p.MetaCities, p.Cities) {
		var e cityEntry
		if err := json.Unmarshal(raw, &e); err != nil || e.City.IATA == "" {
			continue
		}
		m.Cities[e.City.IATA] = cityName(e.City.Translations, locale, e.City.IATA)
	}

	for _, raw := range section(p.MetaAirlines, p.Airlines) {
		var e airlineEntry
		if err := json.Unmarshal(raw, &e); err != nil || e.IATA == "" {
			continue
		}
		name := airlineName(e.Translations)
		if name == "" {
			name = strings.TrimSpace(e.Name)
		}
		if name == "" {
			name = e.IATA
		}
		m.Airlines[e.IATA] = name
	}

	return m
}

// section returns the entries of the first non-empty list among the candidates.
func section(candidates ...json.RawMessage) []json.RawMessage {
	for _, c := range candidates {
		if len(c) == 0 || tracker.IsNull(c) {
			continue
		}
		var entries []json.RawMessage
		if err := json.Unmarshal(c, &entries); err != nil || len(entries) == 0 {
			continue
		}
		return entries
	}
	return nil
}

func cityName(translations json.RawMessage, locale, code string) string {
	var byLocale map[string]json.RawMessage
	if err := json.Unmarshal(translations, &byLocale); err != nil {
		return code
	}
	if name := firstString(byLocale[locale]); name != "" {
		return name
	}
	return code
}

// airlineName takes the first non-empty string across all locales, in document order.
func airlineName(translations json.RawMessage) string {
	values, ok := objectValues(translations)
	if !ok {
		return ""
	}
	for _, v := range values {
		if name := firstString(v); name != "" {
			return name
		}
	}
	return ""
}

// firstString returns raw as a trimmed string, or the first non-empty string
// value of raw when it is an object.
func firstString(raw json.RawMessage) string {
	if s, ok := asString(raw); ok {
		return s
	}
	values, ok := objectValues(raw)
	if !ok {
		return ""
	}
	for _, v := range values {
		if s, ok := asString(v); ok {
			return s
		}
	}
	return ""
}

func asString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// objectValues returns the values of a JSON object preserving key order.
func objectValues(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, false
	}

	var values []json.RawMessage
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, false
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}
