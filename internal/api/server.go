package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/dispatcher"
	"github.com/ticnsp/eaas/internal/jobs"
	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/metrics"
)

// Enqueuer accepts jobs for the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodyBytes    = 1 << 16
)

// Server wires HTTP handlers to the stores and the dispatcher.
type Server struct {
	router   chi.Router
	days     liturgy.DayReader
	runs     liturgy.JobRunStore
	enqueuer Enqueuer
	ready    map[string]ReadyCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. enqueuer may be
// nil, in which case POST /v1/jobs answers 503.
func NewServer(
	days liturgy.DayReader,
	runs liturgy.JobRunStore,
	enqueuer Enqueuer,
	ready map[string]ReadyCheck,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		days:     days,
		runs:     runs,
		enqueuer: enqueuer,
		ready:    ready,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/health", health)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/liturgy/{date}/{lang}", s.getDay)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Post("/", s.submitJob)
		r.Get("/{job_id}", s.getRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// NewProbeHandler serves /health and /metrics for the worker process.
func NewProbeHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", health)
	r.Handle("/metrics", metrics.Handler())
	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// getDay answers with the stored day or JSON null when there is none.
func (s *Server) getDay(w http.ResponseWriter, r *http.Request) {
	date, lang := chi.URLParam(r, "date"), chi.URLParam(r, "lang")
	if err := (jobs.Job{Kind: jobs.KindFetch, Date: date, Lang: lang}).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	day, err := s.days.FindDay(r.Context(), date, lang)
	if errors.Is(err, liturgy.ErrNotFound) {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		s.logger.Error("find day failed", zap.String("date", date), zap.String("lang", lang), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load liturgy")
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": runs, "limit": limit, "offset": offset})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	run, err := s.runs.GetRun(r.Context(), jobID)
	if errors.Is(err, liturgy.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": run, "finished": run.Finished()})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "job submission is not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	job, err := jobs.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.enqueuer.Enqueue(r.Context(), job); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, jobs.ErrInvalid):
			status = http.StatusBadRequest
		case errors.Is(err, dispatcher.ErrUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("enqueue failed", zap.String("key", job.Key()), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"kind":   string(job.Kind),
		"key":    job.Key(),
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

type requestIDKey struct{}

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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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
