package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/batch"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/config"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/middleware"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/normalize"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/optimizer"
)

// maxBodyBytes caps request bodies; large URL lists arrive as text.
const maxBodyBytes = 16 << 20

// BatchService is the batch lifecycle surface the handlers drive.
type BatchService interface {
	Submit(ctx context.Context, req batch.SubmitRequest) (batch.SubmitResult, error)
	Get(ctx context.Context, batchID int64) (crawler.Batch, error)
	Cancel(ctx context.Context, batchID int64) (crawler.Batch, error)
	Pause(ctx context.Context, batchID int64) (crawler.Batch, error)
	Resume(ctx context.Context, batchID int64) (crawler.Batch, error)
	Retry(ctx context.Context, batchID int64) (crawler.Batch, int, error)
}

// Reader is the read-only store surface behind the listing endpoints.
type Reader interface {
	ListBatches(ctx context.Context, limit, offset int) ([]crawler.Batch, error)
	GetBatchStats(ctx context.Context, batchID int64) (crawler.BatchStats, error)
	ListJobs(ctx context.Context, batchID int64, status crawler.Status) ([]crawler.Job, error)
	ListVersions(ctx context.Context, url string) ([]crawler.URLVersion, error)
}

// OptimizerView exposes the concurrency controller's state.
type OptimizerView interface {
	Snapshot() optimizer.Snapshot
}

// ReadyCheck reports whether a downstream dependency can serve traffic.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps carries the collaborators the handlers use. Optimizer and Metrics may
// be nil.
type Deps struct {
	Batches   BatchService
	Store     Reader
	Validator batch.Validator
	Optimizer OptimizerView
	IDs       crawler.IDGenerator
	Ready     []ReadyCheck
	Metrics   http.Handler
}

// Config tunes the router.
type Config struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the batch service and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Handler()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID(deps.IDs))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
		if cfg.Auth.Enabled {
			r.Use(middleware.APIKey(cfg.Auth.APIKey))
		}
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Get("/", s.listBatches)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Get("/jobs", s.listJobs)
				r.Post("/cancel", s.cancelBatch)
				r.Post("/pause", s.pauseBatch)
				r.Post("/resume", s.resumeBatch)
				r.Post("/retry", s.retryBatch)
			})
		})
		r.Post("/urls/validate", s.validateURLs)
		r.Get("/urls/versions", s.listVersions)
		r.Get("/optimizer", s.optimizerStatus)
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
	failures := map[string]string{}
	for _, rc := range s.deps.Ready {
		if err := rc.Check(r.Context()); err != nil {
			failures[rc.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) optimizerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Optimizer == nil {
		writeError(w, http.StatusNotFound, "adaptive concurrency is disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Optimizer.Snapshot())
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, crawler.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, crawler.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func batchIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "batch_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("batch id %q: %w", raw, crawler.ErrInvalidInput)
	}
	return id, nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s %q: %w", key, raw, crawler.ErrInvalidInput)
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, crawler.ErrInvalidInput)
	}
	return nil
}

// urlLines accepts either a JSON list or newline-separated text.
func urlLines(list []string, text string) []string {
	lines := make([]string, 0, len(list))
	lines = append(lines, list...)
	if text != "" {
		lines = append(lines, normalize.ParseLines(text)...)
	}
	return lines
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
