package postgres

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, zap.NewNop())
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

var jobCols = []string{
	"id", "batch_id", "url", "status", "priority", "attempts", "max_attempts", "error_message",
	"result_version_id", "next_retry_at", "retry_delay_ms", "base_timeout_ms", "created_at", "started_at", "completed_at",
}

func jobRow(id int64, status string, attempts int) []any {
	return []any{id, int64(1), "https://example.com", status, int(id), attempts, 3, "", nil, nil, int64(0), 10000, fixedNow, nil, nil}
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil)
	require.Error(t, err)
}

func TestMigrationSourceIsVersioned(t *testing.T) {
	t.Parallel()

	src, err := migrationSource()
	require.NoError(t, err)
	defer func() { require.NoError(t, src.Close()) }()

	first, err := src.First()
	require.NoError(t, err)
	require.Equal(t, uint(1), first)

	up, ident, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	require.Equal(t, "init", ident)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	require.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS batches")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	require.NoError(t, down.Close())

	_, err = src.Next(first)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()
	store, _ := newMockStore(t)

	require.ErrorContains(t, store.Migrate(context.Background()), "dsn")
}

func TestMigrateRejectsBadDSN(t *testing.T) {
	t.Parallel()

	err := Migrate(context.Background(), "postgres://%zz", zap.NewNop())
	require.ErrorContains(t, err, "parse postgres dsn")
}

func TestCreateBatchInsertsJobsInOneTransaction(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	urls := []string{"https://a.example", "https://b.example"}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO batches").
		WithArgs("nightly", 2, 4, 250, "ops", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(int64(7), 0, crawler.DefaultMaxAttempts, crawler.DefaultBaseTimeoutMs, fixedNow, urls).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	b, err := store.CreateBatch(context.Background(),
		crawler.Batch{Name: "nightly", CreatedBy: "ops", ConcurrencyHint: 4, InterJobDelayMs: 250, CreatedAt: fixedNow},
		urls, crawler.BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(7), b.ID)
	require.Equal(t, 2, b.TotalURLs)
	require.Equal(t, crawler.StatusPending, b.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchRollsBackOnJobInsertFailure(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO batches").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO jobs").WillReturnError(&pgconn.PgError{Code: checkViolation, Message: "bad"})
	mock.ExpectRollback()

	_, err := store.CreateBatch(context.Background(), crawler.Batch{Name: "x"}, []string{"https://a.example"}, crawler.BatchOptions{})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchRejectsEmpty(t *testing.T) {
	t.Parallel()
	store, _ := newMockStore(t)

	_, err := store.CreateBatch(context.Background(), crawler.Batch{}, nil, crawler.BatchOptions{})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
}

func TestGetBatch(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	cols := []string{"id", "name", "total_urls", "completed_urls", "failed_urls", "status", "concurrency_hint",
		"inter_job_delay_ms", "created_by", "created_at", "started_at", "completed_at"}
	mock.ExpectQuery("FROM batches WHERE id").WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(int64(3), "b", 10, 4, 1, "running", 0, 0, "", fixedNow, nil, nil))
	mock.ExpectQuery("FROM batches WHERE id").WithArgs(int64(9)).WillReturnError(pgx.ErrNoRows)

	b, err := store.GetBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRunning, b.Status)
	require.Equal(t, 50, b.Progress())

	_, err = store.GetBatch(context.Background(), 9)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBatchStatusRejectsOverflowingCounts(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batches").
		WithArgs(int64(3), "completed", 5, 6, fixedNow, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.UpdateBatchStatus(context.Background(), 3, crawler.StatusCompleted, 5, 6)
	require.ErrorIs(t, err, crawler.ErrInvalidInput)

	require.ErrorIs(t, store.UpdateBatchStatus(context.Background(), 3, "bogus", 0, 0), crawler.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobsMissingBatch(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs").
		WithArgs(int64(4), "pending", "paused", fixedNow, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.TransitionJobs(context.Background(), 4, crawler.StatusPending, crawler.StatusPaused)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobsClearsRetryDeadlineUnlessPending(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("next_retry_at = CASE WHEN $3::text = 'pending' THEN next_retry_at ELSE NULL END")).
		WithArgs(int64(4), "pending", "paused", fixedNow, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.TransitionJobs(context.Background(), 4, crawler.StatusPending, crawler.StatusPaused)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBatchStats(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("count").WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"total", "pending", "running", "completed", "failed", "cancelled", "paused"}).
			AddRow(10, 3, 2, 4, 1, 0, 0))

	st, err := store.GetBatchStats(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, crawler.BatchStats{Total: 10, Pending: 3, Running: 2, Completed: 4, Failed: 1}, st)
	require.Equal(t, 5, st.Finished())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingJobsCarriesBatchDelay(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	rows := pgxmock.NewRows(append(append([]string{}, jobCols...), "inter_job_delay_ms")).
		AddRow(append(jobRow(11, "pending", 0), 500)...).
		AddRow(append(jobRow(12, "pending", 1), 500)...)
	mock.ExpectQuery(regexp.QuoteMeta("b.status NOT IN ('paused', 'cancelled')")).
		WithArgs(fixedNow, 5).
		WillReturnRows(rows)

	jobs, err := store.GetPendingJobs(context.Background(), fixedNow, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, 500, jobs[0].InterJobDelayMs)
	require.Equal(t, crawler.StatusPending, jobs[1].Status)
	require.Equal(t, 1, jobs[1].Attempts)

	none, err := store.GetPendingJobs(context.Background(), fixedNow, 0)
	require.NoError(t, err)
	require.Empty(t, none)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkJobRunning(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SET status = 'running'").WithArgs(int64(11), fixedNow).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(11, "running", 1)...))
	mock.ExpectQuery("SET status = 'running'").WithArgs(int64(12), fixedNow).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM jobs j WHERE j.id").WithArgs(int64(12)).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(12, "completed", 1)...))

	j, err := store.MarkJobRunning(context.Background(), 11, fixedNow)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRunning, j.Status)
	require.Equal(t, 1, j.Attempts)

	_, err = store.MarkJobRunning(context.Background(), 12, fixedNow)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleStatementsReportMissingJobs(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	ctx := context.Background()
	retryAt := fixedNow.Add(20 * time.Second)

	mock.ExpectExec("SET status = 'completed'").WithArgs(int64(1), int64(99), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'failed'").WithArgs(int64(2), "timeout", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("SET status = 'pending', next_retry_at").WithArgs(int64(3), retryAt, int64(20000), "dns").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.CompleteJob(ctx, 1, 99, fixedNow))
	require.ErrorIs(t, store.FailJob(ctx, 2, "timeout", fixedNow), crawler.ErrNotFound)
	require.NoError(t, store.ScheduleRetry(ctx, 3, retryAt, 20000, "dns"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStaleJobs(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	cutoff := fixedNow.Add(-10 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("WITH moved AS").WithArgs(cutoff, []int64{9}).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(5, "pending", 1)...))
	mock.ExpectQuery(regexp.QuoteMeta("j.attempts >= j.max_attempts")).WithArgs(cutoff, []int64{9}).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow(6, "running", 3)...))
	mock.ExpectCommit()

	requeued, exhausted, err := store.RequeueStaleJobs(context.Background(), cutoff, []int64{9})
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	require.Equal(t, int64(5), requeued[0].ID)
	require.Len(t, exhausted, 1)
	require.Equal(t, 3, exhausted[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStaleJobsSendsEmptyArrayWhenNothingInFlight(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	cutoff := fixedNow.Add(-10 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("WITH moved AS").WithArgs(cutoff, []int64{}).
		WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectQuery(regexp.QuoteMeta("j.id <> ALL($2::bigint[])")).WithArgs(cutoff, []int64{}).
		WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectCommit()

	requeued, exhausted, err := store.RequeueStaleJobs(context.Background(), cutoff, nil)
	require.NoError(t, err)
	require.Empty(t, requeued)
	require.Empty(t, exhausted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateURLMasterLocksAndBumps(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	url := "https://example.com"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (url) DO NOTHING")).WithArgs(url, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(url).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "current_version", "first_crawled_at", "last_crawled_at", "total_crawls"}).
			AddRow(int64(8), url, 2, fixedNow.Add(-time.Hour), fixedNow.Add(-time.Hour), 2))
	mock.ExpectQuery("SET current_version = current_version \\+ 1").WithArgs(int64(8), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"current_version", "total_crawls", "last_crawled_at"}).
			AddRow(3, 3, fixedNow))
	mock.ExpectCommit()

	m, err := store.GetOrCreateURLMaster(context.Background(), url, fixedNow)
	require.NoError(t, err)
	require.Equal(t, int64(8), m.ID)
	require.Equal(t, 3, m.CurrentVersion)
	require.False(t, m.IsNew)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveVersionDuplicateNumber(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO url_versions").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, Message: "duplicate key"})

	_, err := store.SaveVersion(context.Background(),
		crawler.URLMaster{ID: 8, URL: "https://example.com", CurrentVersion: 3},
		crawler.VersionData{Score: 90}, fixedNow)
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFailedVersionWritesPlaceholder(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	url := "https://down.example"
	batchID, jobID := int64(1), int64(2)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO url_masters").WithArgs(url, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(url).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "current_version", "first_crawled_at", "last_crawled_at", "total_crawls"}).
			AddRow(int64(4), url, 0, fixedNow, fixedNow, 0))
	mock.ExpectQuery("SET current_version").WithArgs(int64(4), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"current_version", "total_crawls", "last_crawled_at"}).AddRow(1, 1, fixedNow))
	mock.ExpectQuery("INSERT INTO url_versions").
		WithArgs(int64(4), 1, url, 0, crawler.FailedVersionTitle, "dns_error: no such host",
			pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", &batchID, &jobID, fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(40)))
	mock.ExpectCommit()

	v, err := store.SaveFailedVersion(context.Background(), url, "dns_error: no such host", &batchID, &jobID, fixedNow)
	require.NoError(t, err)
	require.Equal(t, int64(40), v.ID)
	require.Equal(t, 1, v.VersionNumber)
	require.Equal(t, 0, v.Score)
	require.JSONEq(t, `{"url":"https://down.example","error":"dns_error: no such host","failed":true}`, string(v.Analysis))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListVersionsUnknownURL(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	url := "https://never.example"

	mock.ExpectQuery("FROM url_versions v").WithArgs(url).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM url_masters WHERE url").WithArgs(url).WillReturnError(pgx.ErrNoRows)

	_, err := store.ListVersions(context.Background(), url)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection reset"))

	require.NoError(t, store.Ping(context.Background()))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
