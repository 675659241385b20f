// Package api exposes the HTTP interface of the source identification
// service: batch lifecycle, task inspection, user suggestions, and the
// scheduler trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/collector"
	"github.com/civicdata/source-identification/internal/metrics"
	"github.com/civicdata/source-identification/internal/pipeline"
	"github.com/civicdata/source-identification/internal/scheduler"
	"github.com/civicdata/source-identification/internal/strategies"
)

// Server wires HTTP handlers to the collector registry, the URL store, and
// the scheduler trigger.
type Server struct {
	router     chi.Router
	registry   *collector.Registry
	strategies *strategies.Registry
	store      pipeline.URLStore
	sched      *scheduler.Scheduler
	trigger    *scheduler.Trigger
	idGen      pipeline.IDGenerator
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry *collector.Registry,
	strategyReg *strategies.Registry,
	store pipeline.URLStore,
	sched *scheduler.Scheduler,
	trigger *scheduler.Trigger,
	idGen pipeline.IDGenerator,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:   registry,
		strategies: strategyReg,
		store:      store,
		sched:      sched,
		trigger:    trigger,
		idGen:      idGen,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.startBatch)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Post("/abort", s.abortBatch)
			})
		})
		r.Get("/tasks/{task_id}", s.getTask)
		r.Post("/urls/{url_id}/suggestions", s.addSuggestion)
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", s.schedulerStatus)
			r.Post("/run", s.runScheduler)
		})
		r.Get("/strategies", s.listStrategies)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; probe it with a throwaway read.
	if _, err := s.store.GetBatch(r.Context(), uuid.Nil); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startBatchRequest struct {
	Strategy   string         `json:"strategy"`
	UserID     string         `json:"user_id"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}
	strategy, err := s.strategies.Get(req.Strategy)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown strategy")
		return
	}
	batchID, err := s.idGen.NewRawID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate batch id")
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if err := s.registry.StartCollector(r.Context(), strategy, batchID, req.UserID, req.Parameters); err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "a collector is already running for this batch")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID.String()})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := parseID(w, r, "batch_id")
	if !ok {
		return
	}
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":   batch,
		"running": s.registry.Running(batchID),
	})
}

func (s *Server) abortBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := parseID(w, r, "batch_id")
	if !ok {
		return
	}
	if err := s.registry.AbortCollector(r.Context(), batchID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no running collector for batch")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"batch_id": batchID.String(),
		"status":   string(pipeline.BatchStatusAborted),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, r, "task_id")
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

type suggestionRequest struct {
	Kind       string  `json:"kind"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	UserID     string  `json:"user_id"`
}

func (s *Server) addSuggestion(w http.ResponseWriter, r *http.Request) {
	urlID, ok := parseID(w, r, "url_id")
	if !ok {
		return
	}
	var req suggestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind := pipeline.SuggestionKind(req.Kind)
	switch kind {
	case pipeline.SuggestionRelevance, pipeline.SuggestionRecordType, pipeline.SuggestionAgency:
	default:
		writeError(w, http.StatusBadRequest, "unknown suggestion kind")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	suggestion := pipeline.Suggestion{
		URLID:      urlID,
		Kind:       kind,
		Value:      req.Value,
		Confidence: req.Confidence,
		UserID:     req.UserID,
	}
	if err := s.store.AddUserSuggestion(r.Context(), suggestion); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url_id": urlID.String()})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"idle": s.sched.Idle(),
		"busy": s.trigger.Busy(),
	})
}

func (s *Server) runScheduler(w http.ResponseWriter, _ *http.Request) {
	s.trigger.TriggerOrRerun()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) listStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": s.strategies.Names()})
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
