package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/batch"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/config"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/normalize"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/optimizer"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeResolver struct {
	failing map[string]bool
}

func (r fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if r.failing[host] {
		return nil, errors.New("no such host")
	}
	return []string{"93.184.216.34"}, nil
}

type fakeOptimizer struct{}

func (fakeOptimizer) Snapshot() optimizer.Snapshot {
	return optimizer.Snapshot{CurrentConcurrency: 12, MinConcurrency: 5, MaxConcurrency: 40, Health: "healthy"}
}

type testEnv struct {
	server *Server
	store  *memory.JobStore
	svc    *batch.Service
}

func newTestEnv(t *testing.T, mutate func(*Deps, *Config)) testEnv {
	t.Helper()
	store := memory.NewJobStore()
	validator := normalize.NewValidator(fakeResolver{failing: map[string]bool{"dead.example": true}}, normalize.DefaultConfig(), zap.NewNop())
	svc := batch.NewService(store, validator, progress.Nop{}, &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, zap.NewNop())
	deps := Deps{
		Batches:   svc,
		Store:     store,
		Validator: validator,
		Metrics:   http.NotFoundHandler(),
	}
	cfg := Config{}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	return testEnv{server: NewServer(deps, cfg, zap.NewNop()), store: store, svc: svc}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

type submitResponse struct {
	Batch struct {
		crawler.Batch
		Progress int `json:"progress"`
	} `json:"batch"`
	Validation normalize.Result `json:"validation"`
}

func (e testEnv) submit(t *testing.T, urls ...string) submitResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/batches", map[string]any{
		"name": "audit", "urls": urls, "skip_dns_validation": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[submitResponse](t, rec)
}

func TestServer_SubmitBatch_CreatesJobs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := env.submit(t, "example.com", "https://www.example.com/", "ftp://files.example", "https://other.example/a")

	require.Equal(t, 2, res.Batch.TotalURLs)
	require.Equal(t, crawler.StatusPending, res.Batch.Status)
	require.Equal(t, 1, res.Validation.DuplicatesRemoved)
	require.Len(t, res.Validation.Skipped, 1)

	jobs, err := env.store.ListJobs(context.Background(), res.Batch.ID, "")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "https://example.com", jobs[0].URL)
}

func TestServer_SubmitBatch_AcceptsURLText(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/batches", map[string]any{
		"url_text":            "# header\nhttps://a.example\n\nhttps://b.example\n",
		"skip_dns_validation": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	res := decode[submitResponse](t, rec)
	require.Equal(t, 2, res.Batch.TotalURLs)
	require.True(t, strings.HasPrefix(res.Batch.Name, "Batch "))
}

func TestServer_SubmitBatch_NoValidURLs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/batches", map[string]any{"urls": []string{"ftp://x", "http://127.0.0.1"}})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Contains(t, body, "validation")
}

func TestServer_SubmitBatch_InvalidJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitBatch_NegativeOptions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/batches", map[string]any{"urls": []string{"https://a.example"}, "max_attempts": -1})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetBatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	res := env.submit(t, "https://a.example", "https://b.example")

	rec := env.do(t, http.MethodGet, "/v1/batches/"+itoa(res.Batch.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		ID    int64               `json:"id"`
		Stats *crawler.BatchStats `json:"stats"`
	}](t, rec)
	require.Equal(t, res.Batch.ID, body.ID)
	require.NotNil(t, body.Stats)
	require.Equal(t, 2, body.Stats.Pending)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/batches/999", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/batches/abc", nil).Code)
}

func TestServer_ListBatchesAndJobs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	first := env.submit(t, "https://a.example")
	env.submit(t, "https://b.example")

	rec := env.do(t, http.MethodGet, "/v1/batches?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Batches []crawler.Batch `json:"batches"`
	}](t, rec)
	require.Len(t, list.Batches, 1)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/batches?limit=-2", nil).Code)

	rec = env.do(t, http.MethodGet, "/v1/batches/"+itoa(first.Batch.ID)+"/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[struct {
		Jobs []crawler.Job `json:"jobs"`
	}](t, rec)
	require.Len(t, jobs.Jobs, 1)

	require.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/v1/batches/"+itoa(first.Batch.ID)+"/jobs?status=bogus", nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/batches/77/jobs", nil).Code)
}

func TestServer_Lifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	res := env.submit(t, "https://a.example", "https://b.example")
	base := "/v1/batches/" + itoa(res.Batch.ID)

	rec := env.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.StatusPaused, decode[crawler.Batch](t, rec).Status)

	require.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, base+"/pause", nil).Code)

	rec = env.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.StatusRunning, decode[crawler.Batch](t, rec).Status)

	rec = env.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.StatusCancelled, decode[crawler.Batch](t, rec).Status)

	require.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, base+"/retry", nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/batches/404/cancel", nil).Code)
}

func TestServer_RetryResetsFailedJobs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	res := env.submit(t, "https://a.example")
	ctx := context.Background()

	jobs, err := env.store.ListJobs(ctx, res.Batch.ID, "")
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = env.store.MarkJobRunning(ctx, jobs[0].ID, now)
	require.NoError(t, err)
	require.NoError(t, env.store.FailJob(ctx, jobs[0].ID, "timeout", now))
	require.NoError(t, env.svc.RefreshProgress(ctx, res.Batch.ID))

	rec := env.do(t, http.MethodPost, "/v1/batches/"+itoa(res.Batch.ID)+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		JobsReset int `json:"jobs_reset"`
	}](t, rec)
	require.Equal(t, 1, body.JobsReset)

	job, err := env.store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, job.Status)
	require.Zero(t, job.Attempts)
}

func TestServer_ValidateURLs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/urls/validate", map[string]any{
		"urls": []string{"https://live.example", "https://dead.example", "live.example"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[normalize.Result](t, rec)
	require.Equal(t, []string{"https://live.example"}, res.ValidURLs)
	require.True(t, res.Stats.DNSChecked)
	require.Equal(t, 1, res.DuplicatesRemoved)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, normalize.ReasonDNSFailed, res.Skipped[0].Reason)

	batches, err := env.store.ListBatches(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestServer_ListVersions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	m, err := env.store.GetOrCreateURLMaster(ctx, "https://a.example", now)
	require.NoError(t, err)
	_, err = env.store.SaveVersion(ctx, m, crawler.VersionData{Score: 80, Title: "A"}, now)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/urls/versions?url=www.A.example/", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		URL      string               `json:"url"`
		Versions []crawler.URLVersion `json:"versions"`
	}](t, rec)
	require.Equal(t, "https://a.example", body.URL)
	require.Len(t, body.Versions, 1)
	require.Equal(t, 80, body.Versions[0].Score)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/urls/versions?url=https://b.example", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/urls/versions", nil).Code)
}

func TestServer_Optimizer(t *testing.T) {
	t.Parallel()

	disabled := newTestEnv(t, nil)
	require.Equal(t, http.StatusNotFound, disabled.do(t, http.MethodGet, "/v1/optimizer", nil).Code)

	enabled := newTestEnv(t, func(d *Deps, _ *Config) { d.Optimizer = fakeOptimizer{} })
	rec := enabled.do(t, http.MethodGet, "/v1/optimizer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[optimizer.Snapshot](t, rec)
	require.Equal(t, 12, snap.CurrentConcurrency)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps, _ *Config) {
		d.Ready = []ReadyCheck{
			{Name: "store", Check: func(context.Context) error { return nil }},
			{Name: "blobs", Check: func(context.Context) error { return errors.New("bucket missing") }},
		}
	})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "bucket missing")
}

func TestServer_APIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *Deps, c *Config) {
		c.Auth = config.AuthConfig{Enabled: true, APIKey: "k"}
	})

	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/batches", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
