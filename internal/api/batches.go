package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/batch"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/normalize"
)

type submitBatchRequest struct {
	Name              string   `json:"name"`
	CreatedBy         string   `json:"created_by"`
	URLs              []string `json:"urls"`
	URLText           string   `json:"url_text"`
	ConcurrencyHint   int      `json:"concurrency_hint"`
	InterJobDelayMs   int      `json:"inter_job_delay_ms"`
	MaxAttempts       int      `json:"max_attempts"`
	BaseTimeoutMs     int      `json:"base_timeout_ms"`
	SkipDNSValidation bool     `json:"skip_dns_validation"`
}

// batchView is a batch plus its derived progress.
type batchView struct {
	crawler.Batch
	Progress int                 `json:"progress"`
	Stats    *crawler.BatchStats `json:"stats,omitempty"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ConcurrencyHint < 0 || req.InterJobDelayMs < 0 || req.MaxAttempts < 0 || req.BaseTimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "numeric options must not be negative")
		return
	}
	res, err := s.deps.Batches.Submit(r.Context(), batch.SubmitRequest{
		Name:      req.Name,
		CreatedBy: req.CreatedBy,
		URLs:      urlLines(req.URLs, req.URLText),
		Options: crawler.BatchOptions{
			ConcurrencyHint:   req.ConcurrencyHint,
			InterJobDelayMs:   req.InterJobDelayMs,
			MaxAttempts:       req.MaxAttempts,
			BaseTimeoutMs:     req.BaseTimeoutMs,
			SkipDNSValidation: req.SkipDNSValidation,
		},
	})
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "validation": res.Validation})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch":      batchView{Batch: res.Batch, Progress: res.Batch.Progress()},
		"validation": res.Validation,
	})
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	batches, err := s.deps.Store.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]batchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, batchView{Batch: b, Progress: b.Progress()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": views, "limit": limit, "offset": offset})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.deps.Batches.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.deps.Store.GetBatchStats(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchView{Batch: b, Progress: b.Progress(), Stats: &stats})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := crawler.Status(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	if _, err := s.deps.Batches.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), id, status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []crawler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "jobs": jobs})
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Batches.Cancel)
}

func (s *Server) pauseBatch(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Batches.Pause)
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Batches.Resume)
}

func (s *Server) retryBatch(w http.ResponseWriter, r *http.Request) {
	id, err := batchIDParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	b, n, err := s.deps.Batches.Retry(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":      batchView{Batch: b, Progress: b.Progress()},
		"jobs_reset": n,
	})
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) (crawler.Batch, error)) {
	id, err := batchIDParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := op(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchView{Batch: b, Progress: b.Progress()})
}

type validateRequest struct {
	URLs    []string `json:"urls"`
	URLText string   `json:"url_text"`
	SkipDNS bool     `json:"skip_dns"`
}

func (s *Server) validateURLs(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Validator.Validate(r.Context(), urlLines(req.URLs, req.URLText), req.SkipDNS)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, struct {
				Error string `json:"error"`
				normalize.Result
			}{Error: err.Error(), Result: res})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	url, err := normalize.URL(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url: "+err.Error())
		return
	}
	versions, err := s.deps.Store.ListVersions(r.Context(), url)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "versions": versions})
}
