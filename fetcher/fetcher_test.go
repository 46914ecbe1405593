package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const okBody = `{"data": {"hot_offers_v1": {
	"one_way_offers": [{"price": {"value": 1500, "destination_city_iata": "IST"}}],
	"meta_data_cities": [{"city": {"iata": "IST", "translations": {"ru": "Стамбул"}}}]
}}}`

type captured struct {
	Variables struct {
		Input   map[string]any `json:"input"`
		Brand   string         `json:"brand"`
		Locales []string       `json:"locales"`
	} `json:"variables"`
	Query         string `json:"query"`
	OperationName string `json:"operation_name"`
}

func variantOf(q string) string {
	switch {
	case strings.Contains(q, "meta_data_cities"):
		return "full"
	case strings.Contains(q, "cities {"):
		return "reduced"
	default:
		return "minimal"
	}
}

func newTestServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, variant string)) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var requests []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		var c captured
		if err := json.Unmarshal(data, &c); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		mu.Lock()
		requests = append(requests, c)
		mu.Unlock()
		handle(w, r, variantOf(c.Query))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), requests...)
	}
}

func testQuery() Query {
	return Query{Origin: "TAS", Currency: "uzs", Market: "uz", MaxResults: 50, Locales: []string{"ru"}}
}

func TestFetchFirstVariantSucceeds(t *testing.T) {
	srv, requests := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, okBody)
	})
	c := New(srv.Client(), slog.New(slog.DiscardHandler), WithEndpoint(srv.URL))

	res := c.Fetch(context.Background(), testQuery())

	if res.Payload == nil {
		t.Fatal("expected payload")
	}
	if res.Variant != "full" {
		t.Errorf("Variant = %q, want full", res.Variant)
	}
	if len(res.Failures) != 0 {
		t.Errorf("Failures = %v, want none", res.Failures)
	}
	if len(res.Payload.Offers) != 1 {
		t.Errorf("got %d offers, want 1", len(res.Payload.Offers))
	}

	if len(requests()) != 1 {
		t.Fatalf("made %d requests, want 1", len(requests()))
	}
	req := requests()[0]
	if req.OperationName != "HotOffersV1" || req.Variables.Brand != "AS" {
		t.Errorf("unexpected envelope: %+v", req)
	}
	in := req.Variables.Input
	if in["origin_iata"] != "TAS" || in["origin_type"] != "CITY" || in["one_way"] != true ||
		in["trip_class"] != "Y" || in["group_by"] != "NONE" || in["badge_flag"] != "on" {
		t.Errorf("unexpected input: %v", in)
	}
	if v, ok := in["tags_flag"]; !ok || v != nil {
		t.Errorf("tags_flag = %v (present %v), want explicit null", v, ok)
	}
	if in["max_directions"] != float64(50) {
		t.Errorf("max_directions = %v", in["max_directions"])
	}
	if len(req.Variables.Locales) != 1 || req.Variables.Locales[0] != "ru" {
		t.Errorf("locales = %v", req.Variables.Locales)
	}
}

func TestFetchFallsBackThroughVariants(t *testing.T) {
	tests := []struct {
		name        string
		fail        func(w http.ResponseWriter)
		wantStatus  int
		wantErrorIs error
	}{
		{
			name:        "server error",
			fail:        func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
			wantStatus:  http.StatusInternalServerError,
			wantErrorIs: ErrStatus,
		},
		{
			name: "graphql errors",
			fail: func(w http.ResponseWriter) {
				_, _ = io.WriteString(w, `{"errors": [{"message": "Cannot query field"}], "data": null}`)
			},
			wantStatus:  http.StatusOK,
			wantErrorIs: ErrAPI,
		},
		{
			name: "missing section",
			fail: func(w http.ResponseWriter) {
				_, _ = io.WriteString(w, `{"data": {"hot_offers_v1": null}}`)
			},
			wantStatus:  http.StatusOK,
			wantErrorIs: ErrNoPayload,
		},
		{
			name: "empty section",
			fail: func(w http.ResponseWriter) {
				_, _ = io.WriteString(w, `{"data": {"hot_offers_v1": {}}}`)
			},
			wantStatus:  http.StatusOK,
			wantErrorIs: ErrNoPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, requests := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, variant string) {
				if variant == "minimal" {
					_, _ = io.WriteString(w, okBody)
					return
				}
				tt.fail(w)
			})
			c := New(srv.Client(), slog.New(slog.DiscardHandler), WithEndpoint(srv.URL))

			res := c.Fetch(context.Background(), testQuery())

			if res.Payload == nil {
				t.Fatal("expected payload from minimal variant")
			}
			if res.Variant != "minimal" {
				t.Errorf("Variant = %q, want minimal", res.Variant)
			}
			if len(res.Failures) != 2 {
				t.Fatalf("Failures = %d, want 2", len(res.Failures))
			}
			for i, want := range []string{"full", "reduced"} {
				f := res.Failures[i]
				if f.Variant != want {
					t.Errorf("Failures[%d].Variant = %q, want %q", i, f.Variant, want)
				}
				if f.StatusCode != tt.wantStatus {
					t.Errorf("Failures[%d].StatusCode = %d, want %d", i, f.StatusCode, tt.wantStatus)
				}
				if !errors.Is(f, tt.wantErrorIs) {
					t.Errorf("Failures[%d] = %v, want %v", i, f, tt.wantErrorIs)
				}
			}

			sent := requests()
			last := sent[len(sent)-1]
			if last.Variables.Locales != nil {
				t.Errorf("minimal variant sent locales %v", last.Variables.Locales)
			}
		})
	}
}

func TestFetchAcceptsTopLevelSection(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{"hot_offers_v1": {"one_way_offers": []}}`)
	})
	c := New(srv.Client(), slog.New(slog.DiscardHandler), WithEndpoint(srv.URL))

	res := c.Fetch(context.Background(), testQuery())

	if res.Payload == nil || res.Variant != "full" {
		t.Fatalf("got %+v, want payload from full variant", res)
	}
}

func TestFetchTimeoutFallsThrough(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request, variant string) {
		if variant == "full" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, okBody)
	})
	c := New(srv.Client(), slog.New(slog.DiscardHandler),
		WithEndpoint(srv.URL),
		WithAttemptTimeout(50*time.Millisecond))

	res := c.Fetch(context.Background(), testQuery())

	if res.Variant != "reduced" {
		t.Errorf("Variant = %q, want reduced", res.Variant)
	}
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0], context.DeadlineExceeded) {
		t.Errorf("Failures = %v, want one deadline exceeded", res.Failures)
	}
}

func TestFetchAllVariantsFail(t *testing.T) {
	srv, requests := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `not json`)
	})
	c := New(srv.Client(), slog.New(slog.DiscardHandler), WithEndpoint(srv.URL))

	res := c.Fetch(context.Background(), testQuery())

	if res.Payload != nil {
		t.Errorf("Payload = %+v, want nil", res.Payload)
	}
	if res.Variant != "" {
		t.Errorf("Variant = %q, want empty", res.Variant)
	}
	if len(res.Failures) != 3 {
		t.Errorf("Failures = %d, want 3", len(res.Failures))
	}
	if len(requests()) != 3 {
		t.Errorf("made %d requests, want 3", len(requests()))
	}
}

func TestFetchStopsWhenContextCancelled(t *testing.T) {
	srv, requests := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, okBody)
	})
	c := New(srv.Client(), slog.New(slog.DiscardHandler), WithEndpoint(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.Fetch(ctx, testQuery())

	if res.Payload != nil {
		t.Error("expected no payload with cancelled context")
	}
	if len(requests()) != 0 {
		t.Errorf("made %d requests, want 0", len(requests()))
	}
}
