package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

const masterColumns = `id, url, current_version, first_crawled_at, last_crawled_at, total_crawls`

const versionColumns = `v.id, v.url_master_id, v.version_number, v.url, v.score, v.title, v.description,
	v.analysis, v.recommendations, v.snapshot_uri, v.content_hash, v.batch_id, v.job_id, v.created_at`

const insertMasterSQL = `
INSERT INTO url_masters (url, current_version, first_crawled_at, last_crawled_at, total_crawls)
VALUES ($1, 0, $2, $2, 0)
ON CONFLICT (url) DO NOTHING`

const lockMasterSQL = `SELECT ` + masterColumns + ` FROM url_masters WHERE url = $1 FOR UPDATE`

const bumpMasterSQL = `
UPDATE url_masters
SET current_version = current_version + 1, total_crawls = total_crawls + 1, last_crawled_at = $2
WHERE id = $1
RETURNING current_version, total_crawls, last_crawled_at`

const insertVersionSQL = `
INSERT INTO url_versions (url_master_id, version_number, url, score, title, description, analysis,
	recommendations, snapshot_uri, content_hash, batch_id, job_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id`

// GetOrCreateURLMaster reserves the URL's next version number. The insert
// tolerates a concurrent creator, and the row lock serializes the bump.
func (s *Store) GetOrCreateURLMaster(ctx context.Context, url string, now time.Time) (crawler.URLMaster, error) {
	if url == "" {
		return crawler.URLMaster{}, fmt.Errorf("url master: empty url: %w", crawler.ErrInvalidInput)
	}
	var m crawler.URLMaster
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		m, err = bumpMaster(ctx, tx, url, now)
		return err
	})
	if err != nil {
		return crawler.URLMaster{}, err
	}
	return m, nil
}

// SaveVersion appends the version reserved by GetOrCreateURLMaster.
func (s *Store) SaveVersion(ctx context.Context, master crawler.URLMaster, data crawler.VersionData, now time.Time) (crawler.URLVersion, error) {
	return insertVersion(ctx, s.pool, master, data, now)
}

// SaveFailedVersion reserves a version and records a score-0 placeholder in
// one transaction.
func (s *Store) SaveFailedVersion(ctx context.Context, url string, errMsg string, batchID, jobID *int64, now time.Time) (crawler.URLVersion, error) {
	data, err := crawler.FailedVersionData(url, errMsg, batchID, jobID)
	if err != nil {
		return crawler.URLVersion{}, err
	}
	var v crawler.URLVersion
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := bumpMaster(ctx, tx, url, now)
		if err != nil {
			return err
		}
		v, err = insertVersion(ctx, tx, m, data, now)
		return err
	})
	if err != nil {
		return crawler.URLVersion{}, err
	}
	return v, nil
}

// ListVersions returns the URL's versions newest first.
func (s *Store) ListVersions(ctx context.Context, url string) ([]crawler.URLVersion, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+versionColumns+`
FROM url_versions v
JOIN url_masters m ON m.id = v.url_master_id
WHERE m.url = $1
ORDER BY v.version_number DESC`, url)
	if err != nil {
		return nil, mapErr("list versions", err)
	}
	defer rows.Close()

	var out []crawler.URLVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, mapErr("scan version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list versions", err)
	}
	if len(out) == 0 {
		if _, err := s.GetURLMaster(ctx, url); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetURLMaster returns the identity record for url.
func (s *Store) GetURLMaster(ctx context.Context, url string) (crawler.URLMaster, error) {
	m, err := scanMaster(s.pool.QueryRow(ctx, `SELECT `+masterColumns+` FROM url_masters WHERE url = $1`, url))
	if err != nil {
		return crawler.URLMaster{}, mapErr(fmt.Sprintf("url %q", url), err)
	}
	return m, nil
}

func bumpMaster(ctx context.Context, tx pgx.Tx, url string, now time.Time) (crawler.URLMaster, error) {
	tag, err := tx.Exec(ctx, insertMasterSQL, url, now)
	if err != nil {
		return crawler.URLMaster{}, mapErr("insert url master", err)
	}
	m, err := scanMaster(tx.QueryRow(ctx, lockMasterSQL, url))
	if err != nil {
		return crawler.URLMaster{}, mapErr("lock url master", err)
	}
	if err := tx.QueryRow(ctx, bumpMasterSQL, m.ID, now).Scan(&m.CurrentVersion, &m.TotalCrawls, &m.LastCrawledAt); err != nil {
		return crawler.URLMaster{}, mapErr("bump url master", err)
	}
	m.IsNew = tag.RowsAffected() == 1
	return m, nil
}

func insertVersion(ctx context.Context, q querier, master crawler.URLMaster, data crawler.VersionData, now time.Time) (crawler.URLVersion, error) {
	v := crawler.URLVersion{
		URLMasterID:     master.ID,
		VersionNumber:   master.CurrentVersion,
		URL:             master.URL,
		Score:           data.Score,
		Title:           data.Title,
		Description:     data.Description,
		Analysis:        jsonOr(data.Analysis, "{}"),
		Recommendations: jsonOr(data.Recommendations, "[]"),
		SnapshotURI:     data.SnapshotURI,
		ContentHash:     data.ContentHash,
		BatchID:         data.BatchID,
		JobID:           data.JobID,
		CreatedAt:       now,
	}
	err := q.QueryRow(ctx, insertVersionSQL,
		v.URLMasterID, v.VersionNumber, v.URL, v.Score, v.Title, v.Description, []byte(v.Analysis),
		[]byte(v.Recommendations), v.SnapshotURI, v.ContentHash, v.BatchID, v.JobID, v.CreatedAt,
	).Scan(&v.ID)
	if err != nil {
		return crawler.URLVersion{}, mapErr(fmt.Sprintf("insert version %d of %q", v.VersionNumber, v.URL), err)
	}
	return v, nil
}

func scanMaster(row pgx.Row) (crawler.URLMaster, error) {
	var m crawler.URLMaster
	if err := row.Scan(&m.ID, &m.URL, &m.CurrentVersion, &m.FirstCrawledAt, &m.LastCrawledAt, &m.TotalCrawls); err != nil {
		return crawler.URLMaster{}, err
	}
	return m, nil
}

func scanVersion(row pgx.Row) (crawler.URLVersion, error) {
	var (
		v                         crawler.URLVersion
		analysis, recommendations []byte
	)
	err := row.Scan(
		&v.ID, &v.URLMasterID, &v.VersionNumber, &v.URL, &v.Score, &v.Title, &v.Description,
		&analysis, &recommendations, &v.SnapshotURI, &v.ContentHash, &v.BatchID, &v.JobID, &v.CreatedAt,
	)
	if err != nil {
		return crawler.URLVersion{}, err
	}
	v.Analysis = json.RawMessage(analysis)
	v.Recommendations = json.RawMessage(recommendations)
	return v, nil
}

func jsonOr(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}
