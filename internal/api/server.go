// Package api exposes the HTTP interface for the capture service.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
	"github.com/snapvault/snapvault/internal/config"
	"github.com/snapvault/snapvault/internal/coordinator"
	"github.com/snapvault/snapvault/internal/verify"
)

// Submitter hands claimed ad-hoc jobs to the executor pool.
type Submitter interface {
	Submit(ctx context.Context, job capture.ClaimedJob)
}

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router    chi.Router
	coord     *coordinator.Coordinator
	submitter Submitter
	records   capture.RecordStore
	schedules capture.ScheduleStore
	artifacts capture.ArtifactStore
	verifier  *verify.Service
	logger    *zap.Logger
	cfg       config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	coord *coordinator.Coordinator,
	submitter Submitter,
	records capture.RecordStore,
	schedules capture.ScheduleStore,
	artifacts capture.ArtifactStore,
	verifier *verify.Service,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:     coord,
		submitter: submitter,
		records:   records,
		schedules: schedules,
		artifacts: artifacts,
		verifier:  verifier,
		logger:    logger,
		cfg:       cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	// Probes and scrapes stay open; only the API surface is key-gated.
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/captures", func(r chi.Router) {
			r.Post("/", s.submitCapture)
			r.Get("/", s.listCaptures)
			r.Route("/{capture_id}", func(r chi.Router) {
				r.Get("/", s.getCapture)
				r.Post("/verify", s.verifyCapture)
				r.Get("/download", s.downloadCapture)
			})
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.createSchedule)
			r.Route("/{schedule_id}", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Post("/deactivate", s.deactivateSchedule)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The record store is the hard dependency; probe it with a bounded read.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.records.ListRecords(ctx, capture.ListFilter{Limit: 1}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	var req capture.AdHocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	job, existing, err := s.coord.ClaimAdHoc(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if existing {
		writeJSON(w, http.StatusOK, map[string]string{"capture_id": job.CaptureID, "deduplicated": "true"})
		return
	}

	s.submitter.Submit(r.Context(), job)
	writeJSON(w, http.StatusAccepted, map[string]string{"capture_id": job.CaptureID})
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	rec, err := s.records.GetRecord(r.Context(), captureID)
	if err != nil {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.records.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list captures failed")
		return
	}
	resp := map[string]any{"captures": records}
	if len(records) == filter.Limit && filter.Limit > 0 {
		resp["next_cursor"] = records[len(records)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) verifyCapture(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	result, err := s.verifier.Verify(r.Context(), captureID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, capture.ErrNotFound):
		writeError(w, http.StatusNotFound, "capture not found")
	case errors.Is(err, capture.ErrNotVerifiable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "verification failed")
	}
}

func (s *Server) downloadCapture(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "capture_id")
	rec, err := s.records.GetRecord(r.Context(), captureID)
	if err != nil {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	if rec.Status != capture.StatusSucceeded {
		writeError(w, http.StatusConflict, fmt.Sprintf("capture is %s", rec.Status))
		return
	}
	url, err := s.artifacts.SignedURL(r.Context(), rec.Location, 15*time.Minute)
	if err != nil {
		writeError(w, http.StatusBadGateway, "artifact unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"capture_id": captureID,
		"url":        url,
		"digest":     rec.Digest,
	})
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var input coordinator.NewScheduleInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sched, err := s.coord.CreateSchedule(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "schedule_id")
	sched, err := s.schedules.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) deactivateSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "schedule_id")
	if err := s.schedules.DeactivateSchedule(r.Context(), scheduleID); err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"schedule_id": scheduleID, "active": "false"})
}

func parseListFilter(r *http.Request) (capture.ListFilter, error) {
	q := r.URL.Query()
	filter := capture.ListFilter{
		OwnerID: q.Get("owner_id"),
		URL:     q.Get("url"),
		Cursor:  q.Get("cursor"),
		Limit:   50,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			return capture.ListFilter{}, errors.New("limit must be between 1 and 500")
		}
		filter.Limit = limit
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return capture.ListFilter{}, errors.New("from must be RFC 3339")
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return capture.ListFilter{}, errors.New("to must be RFC 3339")
		}
		filter.To = to
	}
	return filter, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
			logger.Info("request completed",
				zap.String("request_id", requestIDFrom(r.Context())),
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
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
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

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
