// Package server exposes the run API over HTTP: submission, status polling,
// listing, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/rca-engine/internal/admission"
	"github.com/sells-group/rca-engine/internal/config"
	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/monitoring"
	"github.com/sells-group/rca-engine/internal/orchestrator"
	"github.com/sells-group/rca-engine/internal/store"
)

// RunSubmitter accepts investigation requests for async execution. The
// orchestrator implements it.
type RunSubmitter interface {
	Submit(ctx context.Context, req model.Request, caller string) (*model.Run, bool, error)
}

// Server wires the HTTP API to the orchestrator and store.
type Server struct {
	submitter RunSubmitter
	store     store.Store
	collector *monitoring.Collector
	cfg       config.ServerConfig
}

// New creates the API server. collector may be nil, in which case /metrics
// returns 404.
func New(sub RunSubmitter, st store.Store, collector *monitoring.Collector, cfg config.ServerConfig) *Server {
	return &Server{submitter: sub, store: st, collector: collector, cfg: cfg}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Caller-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(s.requireAPIKey)
		}
		r.Post("/rca", s.handleSubmit)
		r.Get("/rca", s.handleList)
		r.Get("/rca/{runID}", s.handleGetRun)
		if s.collector != nil {
			r.Get("/metrics", s.handleMetrics)
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitResponse is the POST /rca body. Created distinguishes a fresh run
// from a deduplicated one.
type submitResponse struct {
	Run     *model.Run `json:"run"`
	Created bool       `json:"created"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	run, created, err := s.submitter.Submit(r.Context(), req, callerID(r))
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Run: run, Created: created})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, string(model.ErrCodeQueueFull), "run queue is full, retry later")
	case errors.Is(err, admission.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, string(model.ErrCodeRateLimited), "request rate exceeded, retry later")
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		// Store failures and anything else unrecognized are server faults.
		zap.L().Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create run")
	}
}

// listResponse is the GET /rca body.
type listResponse struct {
	Runs   []model.Run `json:"runs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Period: q.Get("period"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, listResponse{Runs: runs, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		zap.L().Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		zap.L().Error("metrics collection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// requireAPIKey rejects requests whose X-API-Key header does not match the
// configured key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerID identifies the submitter for rate limiting. An explicit
// X-Caller-ID header wins; otherwise the client address is used.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Caller-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer parameter")
	}
	return n, nil
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
