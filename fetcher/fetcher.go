// Package fetcher retrieves hot offers for an origin from the Aviasales GraphQL API.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// DefaultEndpoint is the public GraphQL endpoint.
const DefaultEndpoint = "https://ariadne.aviasales.com/api/gql"

// DefaultAttemptTimeout bounds a single variant request.
const DefaultAttemptTimeout = 12 * time.Second

const (
	operationName = "HotOffersV1"
	brand         = "AS"
	maxBodyBytes  = 16 << 20
)

const fullQuery = `query HotOffersV1($input: HotOffersV1Input!, $brand: Brand!, $locales: [String!]) {
  hot_offers_v1(input: $input, brand: $brand) {
    one_way_offers { price { depart_date value currency ticket_link found_at signature search_id main_airline with_baggage duration number_of_changes destination_city_iata segments { flight_legs { origin destination local_depart_date local_depart_time local_arrival_date local_arrival_time flight_number } transfers { duration_seconds country_code visa_required night_transfer at to tags } } } old_price { value currency } }
    meta_data_cities { city { iata translations(filters: {locales: $locales}) } }
    meta_data_airlines { iata translations(filters: {locales: $locales}) }
  }
}`

const reducedQuery = `query HotOffersV1($input: HotOffersV1Input!, $brand: Brand!, $locales: [String!]) {
  hot_offers_v1(input: $input, brand: $brand) {
    one_way_offers { price { depart_date value currency ticket_link found_at signature search_id main_airline with_baggage duration number_of_changes destination_city_iata } old_price { value currency } }
    cities { city { iata translations(filters: {locales: $locales}) } }
    airlines { iata translations(filters: {locales: $locales}) }
  }
}`

const minimalQuery = `query HotOffersV1($input: HotOffersV1Input!, $brand: Brand!) {
  hot_offers_v1(input: $input, brand: $brand) {
    one_way_offers { price { value currency destination_city_iata depart_date ticket_link } old_price { value currency } }
  }
}`

// Variant is one request shape in the fallback chain.
type Variant struct {
	Name        string
	Query       string
	UsesLocales bool // Send the $locales variable
}

// DefaultVariants is the fallback chain, richest first.
var DefaultVariants = []Variant{
	{Name: "full", Query: fullQuery, UsesLocales: true},
	{Name: "reduced", Query: reducedQuery, UsesLocales: true},
	{Name: "minimal", Query: minimalQuery},
}

// Query describes what to fetch for one origin.
type Query struct {
	Origin     string
	Currency   string
	Market     string
	Locales    []string
	MaxResults int
}

// Result is the outcome of walking the fallback chain.
// A nil Payload means every variant failed; that is not an error.
type Result struct {
	Payload  *tracker.Payload
	Variant  string
	Failures []*VariantError
}

// VariantError records why one variant was rejected.
type VariantError struct {
	Err        error
	Variant    string
	StatusCode int
}

func (e *VariantError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("variant %s: HTTP %d: %v", e.Variant, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("variant %s: %v", e.Variant, e.Err)
}

func (e *VariantError) Unwrap() error { return e.Err }

// Errors returned inside VariantError.
var (
	ErrStatus    = errors.New("unexpected status")
	ErrAPI       = errors.New("api returned errors")
	ErrNoPayload = errors.New("response has no hot_offers_v1")
)

// Client queries the offers API.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	endpoint string
	timeout  time.Duration
	variants []Variant
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithAttemptTimeout overrides the per-variant timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithVariants replaces the fallback chain.
func WithVariants(variants []Variant) Option {
	return func(c *Client) { c.variants = variants }
}

// New creates a new fetcher.
func New(client *http.Client, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		client:   client,
		logger:   logger,
		endpoint: DefaultEndpoint,
		timeout:  DefaultAttemptTimeout,
		variants: DefaultVariants,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestBody struct {
	Variables     variables `json:"variables"`
	Query         string    `json:"query"`
	OperationName string    `json:"operation_name"`
}

type variables struct {
	Input   input    `json:"input"`
	Brand   string   `json:"brand"`
	Locales []string `json:"locales,omitempty"`
}

type input struct {
	TagsFlag      *string `json:"tags_flag"`
	OriginIATA    string  `json:"origin_iata"`
	OriginType    string  `json:"origin_type"`
	Currency      string  `json:"currency"`
	Market        string  `json:"market"`
	TripClass     string  `json:"trip_class"`
	GroupBy       string  `json:"group_by"`
	BadgeFlag     string  `json:"badge_flag"`
	MaxDirections int     `json:"max_directions"`
	OneWay        bool    `json:"one_way"`
}

type responseBody struct {
	Data struct {
		HotOffers json.RawMessage `json:"hot_offers_v1"`
	} `json:"data"`
	HotOffers json.RawMessage   `json:"hot_offers_v1"`
	Errors    []json.RawMessage `json:"errors"`
}

// Fetch walks the variant chain and returns the first usable payload.
func (c *Client) Fetch(ctx context.Context, q Query) Result {
	var result Result
	for _, v := range c.variants {
		if ctx.Err() != nil {
			result.Failures = append(result.Failures, &VariantError{Variant: v.Name, Err: ctx.Err()})
			break
		}

		payload, status, err := c.try(ctx, v, q)
		if err != nil {
			c.logger.Warn("Offers variant failed",
				"origin", q.Origin,
				"variant", v.Name,
				"status_code", status,
				"error", err)
			result.Failures = append(result.Failures, &VariantError{Variant: v.Name, StatusCode: status, Err: err})
			continue
		}

		if payload.Malformed > 0 {
			c.logger.Warn("Skipped malformed offers", "origin", q.Origin, "variant", v.Name, "count", payload.Malformed)
		}
		c.logger.Info("Offers fetched",
			"origin", q.Origin,
			"variant", v.Name,
			"offers", len(payload.Offers))
		result.Payload = payload
		result.Variant = v.Name
		return result
	}

	c.logger.Warn("All offer variants failed", "origin", q.Origin, "attempts", len(result.Failures))
	return result
}

func (c *Client) try(ctx context.Context, v Variant, q Query) (*tracker.Payload, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := requestBody{
		Query:         v.Query,
		OperationName: operationName,
		Variables: variables{
			Brand: brand,
			Input: input{
				OriginIATA:    q.Origin,
				OriginType:    "CITY",
				Currency:      q.Currency,
				Market:        q.Market,
				OneWay:        true,
				TripClass:     "Y",
				MaxDirections: q.MaxResults,
				GroupBy:       "NONE",
				BadgeFlag:     "on",
			},
		},
	}
	if v.UsesLocales {
		body.Variables.Locales = q.Locales
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"origin", q.Origin,
		"variant", v.Name,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, ErrStatus
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	var decoded responseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode body: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrAPI, decoded.Errors[0])
	}

	section := decoded.Data.HotOffers
	if isEmpty(section) {
		section = decoded.HotOffers
	}
	if isEmpty(section) {
		return nil, resp.StatusCode, ErrNoPayload
	}

	var payload tracker.Payload
	if err := json.Unmarshal(section, &payload); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode hot_offers_v1: %w", err)
	}
	return &payload, resp.StatusCode, nil
}

// isEmpty reports whether a section is absent, null or an empty object.
func isEmpty(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || tracker.IsNull(raw) {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj) == 0 {
		return true
	}
	return false
}
