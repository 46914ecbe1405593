// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/alerts"
)

// Poller runs one alert batch on demand.
type Poller interface {
	RunOnce(ctx context.Context) (int, error)
}

// Server handles HTTP requests.
type Server struct {
	poller  Poller
	metrics http.Handler
	limiter *rateLimiter
	logger  *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Poller  Poller
	Metrics http.Handler
	Logger  *slog.Logger
	// PollLimit caps /pollz requests per client IP per minute. Zero means 6.
	PollLimit int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.PollLimit
	if limit <= 0 {
		limit = 6
	}
	return &Server{
		poller:  cfg.Poller,
		metrics: cfg.Metrics,
		limiter: newRateLimiter(limit, time.Minute),
		logger:  logger,
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.poller == nil {
		http.Error(w, "Polling disabled", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Poll rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.logger.Info("Poll endpoint triggered", "ip", ip)

	sent, err := s.poller.RunOnce(r.Context())
	if errors.Is(err, alerts.ErrRunInProgress) {
		http.Error(w, "Run already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Poll run failed", "error", err)
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"completed","sent":%d}`, sent); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
