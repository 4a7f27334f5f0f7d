// Package service exposes the HTTP surface: queue management, measurement
// commit, reagent lookups and the streaming notification endpoints.
package service

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/kkaryeong/reagent-ology/errors"
	"github.com/kkaryeong/reagent-ology/metric"
	"github.com/kkaryeong/reagent-ology/notify"
	"github.com/kkaryeong/reagent-ology/store"
)

// Service wires the store and the notification bus behind the HTTP routes
type Service struct {
	store    *store.Store
	bus      *notify.Bus
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.Registry
	cors     []string
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics attaches request metrics and the /metrics endpoint
func WithMetrics(m *metric.Metrics, reg *metric.Registry) Option {
	return func(s *Service) {
		s.metrics = m
		s.registry = reg
	}
}

// WithCORSOrigins sets the allowed cross-origin origins. "*" allows any.
func WithCORSOrigins(origins []string) Option {
	return func(s *Service) { s.cors = origins }
}

// NewService creates the service around its two collaborators
func NewService(st *store.Store, bus *notify.Bus, opts ...Option) *Service {
	s := &Service{store: st, bus: bus}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "service")
	}
	return s
}

// Handler builds the route table
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /queue", s.handleEnqueue)
	mux.HandleFunc("POST /queue/next", s.handleClaim)
	mux.HandleFunc("POST /queue/{id}/done", s.handleFinish)
	mux.HandleFunc("POST /measure", s.handleMeasure)

	mux.HandleFunc("POST /reagents/upsert", s.handleUpsert)
	mux.HandleFunc("GET /reagents/{id}", s.handleGetByID)
	// /reagents/by-tag/{tag} and /reagents/{id}/logs overlap on a path like
	// /reagents/by-tag/logs, which ServeMux rejects as a pattern conflict;
	// one two-segment pattern dispatches both
	mux.HandleFunc("GET /reagents/{first}/{second}", s.handleReagentSub)

	mux.HandleFunc("GET /sse/{tag}", s.handleSSE)
	mux.HandleFunc("GET /ws/{tag}", s.handleWS)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.registry != nil {
		mux.Handle("GET /metrics", s.registry.Handler())
	}

	return s.corsMiddleware(s.metricsMiddleware(mux))
}

// statusRecorder captures the response status for request metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes streaming flushes through to the wrapped writer
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes connection takeover through for websocket upgrades
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (s *Service) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RequestsTotal.WithLabelValues(route).Inc()
		if rec.status >= http.StatusBadRequest {
			s.metrics.RequestsFailed.WithLabelValues(route).Inc()
		}
	})
}

func (s *Service) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) originAllowed(origin string) bool {
	for _, allowed := range s.cors {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// writeJSON writes v as a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

// writeError writes an error response
func (s *Service) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]any{
		"ok":     false,
		"error":  message,
		"status": statusCode,
	})
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a safe client-facing message; details stay in logs
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.Is(err, errors.ErrTagNotFound):
		return "unknown tag_uid"
	case errors.Is(err, errors.ErrJobNotFound):
		return "unknown job id"
	case errors.Is(err, errors.ErrNotStable):
		return "could not obtain a stable reading"
	case errors.IsNotFound(err):
		return "resource not found"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.IsTransient(err):
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func (s *Service) writeErrorFrom(w http.ResponseWriter, err error) {
	s.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
}
