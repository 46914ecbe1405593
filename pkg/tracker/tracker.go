// Package tracker contains the core domain types for the flight deals tracker.
package tracker

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// WatchRule is a user's price watch on one origin → destination direction.
type WatchRule struct {
	CreatedAt   time.Time `json:"created_at"`
	TargetPrice *float64  `json:"target_price,omitempty"` // Optional ceiling chosen by the user
	LastPrice   *float64  `json:"last_price,omitempty"`   // Baseline; nil until first observation
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"` // Telegram chat id
	Active      bool      `json:"active"`
}

// Subscription is a daily digest of deals from one origin.
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	Origin    string    `json:"origin"`
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Hour      int       `json:"hour"`
	Minute    int       `json:"minute"`
	Enabled   bool      `json:"enabled"`
}

// FlightLeg is one flight inside a routing segment.
type FlightLeg struct {
	Origin           string `json:"origin"`
	Destination      string `json:"destination"`
	LocalDepartDate  string `json:"local_depart_date"`
	LocalDepartTime  string `json:"local_depart_time"`
	LocalArrivalDate string `json:"local_arrival_date"`
	LocalArrivalTime string `json:"local_arrival_time"`
	FlightNumber     string `json:"flight_number"`
}

// Segment is a routing segment of an offer.
type Segment struct {
	FlightLegs []FlightLeg `json:"flight_legs"`
}

// PriceBlock is the nested price section of a search result.
type PriceBlock struct {
	Value               *float64  `json:"-"` // nil when the API sent no numeric value
	Duration            *int      `json:"duration"`
	NumberOfChanges     *int      `json:"number_of_changes"`
	Currency            string    `json:"currency"`
	DestinationCityIATA string    `json:"destination_city_iata"`
	DepartDate          string    `json:"depart_date"`
	TicketLink          string    `json:"ticket_link"`
	MainAirline         string    `json:"main_airline"`
	Signature           string    `json:"signature"`
	SearchID            string    `json:"search_id"`
	Segments            []Segment `json:"segments"`
}

// UnmarshalJSON decodes the block, accepting the price value as a number or a numeric string.
func (p *PriceBlock) UnmarshalJSON(data []byte) error {
	type alias PriceBlock
	aux := struct {
		*alias
		Value json.RawMessage `json:"value"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Value = ParseAmount(aux.Value)
	return nil
}

// MarshalJSON encodes the block including its value.
func (p PriceBlock) MarshalJSON() ([]byte, error) {
	type alias PriceBlock
	return json.Marshal(struct {
		alias
		Value *float64 `json:"value"`
	}{alias: alias(p), Value: p.Value})
}

// OldPrice is the optional prior price of an offer.
type OldPrice struct {
	Value    *float64 `json:"-"`
	Currency string   `json:"currency"`
}

// UnmarshalJSON decodes the prior price leniently, like PriceBlock.
func (o *OldPrice) UnmarshalJSON(data []byte) error {
	var aux struct {
		Value    json.RawMessage `json:"value"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.Value = ParseAmount(aux.Value)
	o.Currency = aux.Currency
	return nil
}

// MarshalJSON encodes the prior price including its value.
func (o OldPrice) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value    *float64 `json:"value"`
		Currency string   `json:"currency"`
	}{Value: o.Value, Currency: o.Currency})
}

// Offer is one raw search result.
type Offer struct {
	Price    *PriceBlock `json:"price"`
	OldPrice *OldPrice   `json:"old_price"`
}

// Destination returns the explicit destination code, falling back to the
// arrival of the last leg of the first segment. Empty when neither is known.
func (o Offer) Destination() string {
	if o.Price == nil {
		return ""
	}
	if o.Price.DestinationCityIATA != "" {
		return o.Price.DestinationCityIATA
	}
	if len(o.Price.Segments) == 0 {
		return ""
	}
	legs := o.Price.Segments[0].FlightLegs
	if len(legs) == 0 {
		return ""
	}
	return legs[len(legs)-1].Destination
}

// Amount returns the numeric price value of the offer.
func (o Offer) Amount() (float64, bool) {
	if o.Price == nil || o.Price.Value == nil || !IsFinite(*o.Price.Value) {
		return 0, false
	}
	return *o.Price.Value, true
}

// Payload is the hot offers section of a successful API response.
// Metadata sections are kept raw so malformed entries can be skipped one by one.
type Payload struct {
	Offers       []Offer         `json:"one_way_offers"`
	MetaCities   json.RawMessage `json:"meta_data_cities,omitempty"`
	Cities       json.RawMessage `json:"cities,omitempty"`
	MetaAirlines json.RawMessage `json:"meta_data_airlines,omitempty"`
	Airlines     json.RawMessage `json:"airlines,omitempty"`
	Malformed    int             `json:"-"` // Offers dropped because they failed to decode
}

// UnmarshalJSON decodes offers individually so one bad offer does not discard the payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var aux struct {
		Offers       json.RawMessage `json:"one_way_offers"`
		MetaCities   json.RawMessage `json:"meta_data_cities"`
		Cities       json.RawMessage `json:"cities"`
		MetaAirlines json.RawMessage `json:"meta_data_airlines"`
		Airlines     json.RawMessage `json:"airlines"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*p = Payload{
		MetaCities:   aux.MetaCities,
		Cities:       aux.Cities,
		MetaAirlines: aux.MetaAirlines,
		Airlines:     aux.Airlines,
	}

	var raw []json.RawMessage
	if len(aux.Offers) > 0 && !IsNull(aux.Offers) {
		if err := json.Unmarshal(aux.Offers, &raw); err != nil {
			return err
		}
	}
	for _, item := range raw {
		var o Offer
		if err := json.Unmarshal(item, &o); err != nil {
			p.Malformed++
			continue
		}
		p.Offers = append(p.Offers, o)
	}
	return nil
}

// Notification is a message produced by the evaluator for one watch rule.
type Notification struct {
	Text        string
	Origin      string
	Destination string
	UserID      int64
	RuleID      int64
	NewPrice    float64
}

// BaselineUpdate asks the store to move a rule's baseline price.
type BaselineUpdate struct {
	RuleID    int64
	Price     float64
	Bootstrap bool // First observation, no notification was sent
}

// ParseAmount decodes a JSON number or numeric string. Non-numeric and
// non-finite values yield nil.
func ParseAmount(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || IsNull(raw) {
		return nil
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		text = strings.TrimSpace(s)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil || !IsFinite(v) {
		return nil
	}
	return &v
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IsNull reports whether raw is the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
