package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strikekeeper/strikekeeper/internal/domain"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ReadinessFunc adapts a plain function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

func (f ReadinessFunc) CheckReadiness(ctx context.Context) error { return f(ctx) }

// StatusSource exposes the store fields the /status endpoint reports.
type StatusSource interface {
	LatestStrikeTime(ctx context.Context) (time.Time, bool, error)
	LastEventTime(ctx context.Context, kind string) (time.Time, bool, error)
	RecentEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

// Server exposes health, readiness, status, and metrics HTTP endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /status, and
// /metrics routes.
func NewServer(addr string, ready ReadinessChecker, status StatusSource, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.HandleFunc("GET /status", s.handleStatus(status))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// statusResponse summarizes how current the stored data is.
type statusResponse struct {
	LatestStrike *time.Time    `json:"latest_strike,omitempty"`
	LastIngest   *time.Time    `json:"last_ingest,omitempty"`
	LastPurge    *time.Time    `json:"last_purge,omitempty"`
	RecentEvents []statusEvent `json:"recent_events,omitempty"`
}

type statusEvent struct {
	Timestamp time.Time  `json:"timestamp"`
	Kind      string     `json:"kind"`
	Period    *time.Time `json:"period,omitempty"`
}

func (s *Server) handleStatus(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		var resp statusResponse
		if at, ok, err := src.LatestStrikeTime(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		} else if ok {
			resp.LatestStrike = &at
		}
		if at, ok, err := src.LastEventTime(ctx, domain.EventDownloadSuccess); err == nil && ok {
			resp.LastIngest = &at
		}
		if at, ok, err := src.LastEventTime(ctx, domain.EventPurge); err == nil && ok {
			resp.LastPurge = &at
		}
		if events, err := src.RecentEvents(ctx, 10); err == nil {
			for _, ev := range events {
				resp.RecentEvents = append(resp.RecentEvents, statusEvent{
					Timestamp: ev.Timestamp, Kind: ev.Kind, Period: ev.Period,
				})
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort health response
}
