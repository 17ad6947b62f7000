// Package api exposes the ops HTTP interface for the monitoring engine.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/config"
	"github.com/JakeFAU/practicewatch/internal/engine"
	"github.com/JakeFAU/practicewatch/internal/metrics"
	"github.com/JakeFAU/practicewatch/internal/monitor"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 500
	readTimeout       = 30 * time.Second
)

// CycleRunner runs scan cycles and reports coverage.
type CycleRunner interface {
	RunCycle(ctx context.Context, filter string) (monitor.CycleSummary, error)
	Stats(ctx context.Context, filter string) (engine.Stats, error)
}

// StatusReader serves persisted targets and their check history.
type StatusReader interface {
	GetTarget(ctx context.Context, id string) (monitor.Target, error)
	LatestStatus(ctx context.Context, targetID string) (monitor.StatusRecord, error)
	ListEvents(ctx context.Context, targetID string, limit int) ([]monitor.StatusEvent, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the engine and the repository.
type Server struct {
	router   chi.Router
	runner   CycleRunner
	statuses StatusReader
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Probes and
// /metrics stay unauthenticated; everything under /v1 honours cfg.Auth.
func NewServer(runner CycleRunner, statuses StatusReader, cfg config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:   runner,
		statuses: statuses,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.With(timeoutMiddleware(readTimeout)).Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Enabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Cycles run for as long as the batch takes.
		r.Post("/cycles", s.runCycle)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(readTimeout))
			r.Get("/stats", s.stats)
			r.Route("/targets/{target_id}", func(r chi.Router) {
				r.Get("/status", s.targetStatus)
				r.Get("/events", s.targetEvents)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.statuses.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	summary, err := s.runner.RunCycle(r.Context(), r.URL.Query().Get("location"))
	switch {
	case errors.Is(err, engine.ErrCycleInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusServiceUnavailable, cycleResponse{Summary: summary, Error: err.Error()})
	case err != nil:
		s.logger.Error("cycle failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, cycleResponse{Summary: summary, Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusOK, cycleResponse{Summary: summary})
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runner.Stats(r.Context(), r.URL.Query().Get("location"))
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) targetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target_id")
	target, err := s.statuses.GetTarget(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, "target", err)
		return
	}
	resp := statusResponse{Target: target}
	rec, err := s.statuses.LatestStatus(r.Context(), id)
	switch {
	case err == nil:
		resp.Status = &rec
	case !errors.Is(err, monitor.ErrNotFound):
		s.writeLookupError(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) targetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target_id")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.statuses.GetTarget(r.Context(), id); err != nil {
		s.writeLookupError(w, "target", err)
		return
	}
	events, err := s.statuses.ListEvents(r.Context(), id, limit)
	if err != nil {
		s.writeLookupError(w, "events", err)
		return
	}
	if events == nil {
		events = []monitor.StatusEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"target_id": id, "events": events})
}

func (s *Server) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, monitor.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("lookup failed", zap.String("what", what), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return min(n, maxEventLimit), nil
}

type cycleResponse struct {
	Summary monitor.CycleSummary `json:"summary"`
	Error   string               `json:"error,omitempty"`
}

type statusResponse struct {
	Target monitor.Target        `json:"target"`
	Status *monitor.StatusRecord `json:"status"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"}, logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
