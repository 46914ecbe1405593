package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/alerts"
)

type fakePoller struct {
	err   error
	sent  int
	calls int
}

func (f *fakePoller) RunOnce(context.Context) (int, error) {
	f.calls++
	return f.sent, f.err
}

func newTestServer(p Poller) *Server {
	return New(&Config{
		Poller:  p,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "# metrics") }),
		Logger:  slog.New(slog.DiscardHandler),
	})
}

func do(t *testing.T, h http.Handler, method, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return rec.Code, string(body)
}

func TestHealth(t *testing.T) {
	h := newTestServer(&fakePoller{}).Handler()

	code, body := do(t, h, http.MethodGet, "/health")
	if code != http.StatusOK || body != `{"status":"healthy"}` {
		t.Errorf("GET /health = %d %q", code, body)
	}

	code, _ = do(t, h, http.MethodPost, "/health")
	if code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", code)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name     string
		poller   *fakePoller
		method   string
		wantCode int
		wantBody string
		wantRuns int
	}{
		{"completed", &fakePoller{sent: 4}, http.MethodPost, http.StatusOK, `{"status":"completed","sent":4}`, 1},
		{"in progress", &fakePoller{err: alerts.ErrRunInProgress}, http.MethodPost, http.StatusConflict, "Run already in progress", 1},
		{"failure", &fakePoller{err: errors.New("db down")}, http.MethodPost, http.StatusInternalServerError, "Run failed", 1},
		{"wrong method", &fakePoller{}, http.MethodGet, http.StatusMethodNotAllowed, "Method not allowed", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, newTestServer(tt.poller).Handler(), tt.method, "/pollz")
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if tt.poller.calls != tt.wantRuns {
				t.Errorf("runs = %d, want %d", tt.poller.calls, tt.wantRuns)
			}
		})
	}
}

func TestPollRateLimited(t *testing.T) {
	p := &fakePoller{}
	s := New(&Config{Poller: p, Logger: slog.New(slog.DiscardHandler), PollLimit: 2})
	h := s.Handler()

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		if code, _ := do(t, h, http.MethodPost, "/pollz"); code != want {
			t.Errorf("request %d = %d, want %d", i, code, want)
		}
	}
	if p.calls != 2 {
		t.Errorf("runs = %d, want 2", p.calls)
	}
}

func TestMetricsRoute(t *testing.T) {
	code, body := do(t, newTestServer(nil).Handler(), http.MethodGet, "/metrics")
	if code != http.StatusOK || body != "# metrics" {
		t.Errorf("GET /metrics = %d %q", code, body)
	}

	code, _ = do(t, newTestServer(nil).Handler(), http.MethodPost, "/pollz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("POST /pollz without poller = %d, want 503", code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.allow("1.2.3.4") {
		t.Fatal("first request denied")
	}
	if rl.allow("1.2.3.4") {
		t.Error("second request within window allowed")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other client denied")
	}

	now = now.Add(61 * time.Second)
	if !rl.allow("1.2.3.4") {
		t.Error("request after window denied")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"forwarded", "203.0.113.7, 10.0.0.1", "10.0.0.1:1234", "203.0.113.7"},
		{"remote addr", "", "192.0.2.1:5555", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
