// Package storage persists canonical records in a local SQLite
// database. All writes are transactional upserts keyed by each
// entity's natural key, which is what makes ingestion idempotent and
// incremental jobs safe to re-run.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nvoss/devpulse/internal/record"
)

// Store is the single durable record keeper: sessions, pull requests,
// commits, checkpoints, daily aggregates and the correlation cache.
// It is safe for use by one process; cross-process writers are
// serialized by SQLite's own locking.
type Store struct {
	db *sql.DB
}

// Open opens the store, running migrations as needed. Callers own the
// returned store and must Close it on all exit paths.
func Open(dbPath string) (*Store, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSessions upserts a batch of traces keyed by content hash. On
// conflict every non-key column is overwritten, so re-ingesting the
// same event refreshes derived fields instead of duplicating the row.
// Returns the number of records written.
func (s *Store) InsertSessions(traces []record.CanonicalTrace) (int, error) {
	if len(traces) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO sessions (
			content_hash, session_id, developer_id, timestamp, model,
			tokens_in, tokens_out, total_tokens, latency_ms, status_code,
			accepted, repo_slug, event_date, cost_usd, diff_ratio,
			accepted_lines, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			session_id=excluded.session_id,
			developer_id=excluded.developer_id,
			timestamp=excluded.timestamp,
			model=excluded.model,
			tokens_in=excluded.tokens_in,
			tokens_out=excluded.tokens_out,
			total_tokens=excluded.total_tokens,
			latency_ms=excluded.latency_ms,
			status_code=excluded.status_code,
			accepted=excluded.accepted,
			repo_slug=excluded.repo_slug,
			event_date=excluded.event_date,
			cost_usd=excluded.cost_usd,
			diff_ratio=excluded.diff_ratio,
			accepted_lines=excluded.accepted_lines,
			ingested_at=excluded.ingested_at
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing session upsert: %w", err)
	}
	defer stmt.Close()

	ingestedAt := time.Now().UTC().Format(time.RFC3339Nano)
	for i := range traces {
		t := &traces[i]
		var statusCode any
		if t.StatusCode != 0 {
			statusCode = t.StatusCode
		}
		_, err := stmt.Exec(
			t.ContentHash, nullIfEmpty(t.SessionID), nullIfEmpty(t.DeveloperID),
			t.Timestamp.UTC().Format(time.RFC3339Nano), nullIfEmpty(t.Model),
			t.TokensIn, t.TokensOut, t.TotalTokens, t.LatencyMS, statusCode,
			boolToInt(t.Accepted), t.RepoSlug, t.EventDate, t.CostUSD,
			t.DiffRatio, t.AcceptedLines, ingestedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("upserting session %s: %w", t.ContentHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing session batch: %w", err)
	}
	return len(traces), nil
}

// InsertPullRequests upserts PRs keyed by ID.
func (s *Store) InsertPullRequests(prs []record.PullRequest) (int, error) {
	if len(prs) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO pull_requests (id, number, repo_slug, author, state, created_at, merged_at, reopened)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number=excluded.number,
			repo_slug=excluded.repo_slug,
			author=excluded.author,
			state=excluded.state,
			created_at=excluded.created_at,
			merged_at=excluded.merged_at,
			reopened=excluded.reopened
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing pull request upsert: %w", err)
	}
	defer stmt.Close()

	for i := range prs {
		pr := &prs[i]
		var mergedAt any
		if pr.MergedAt != nil {
			mergedAt = pr.MergedAt.UTC().Format(time.RFC3339Nano)
		}
		_, err := stmt.Exec(
			pr.ID, pr.Number, pr.RepoSlug, nullIfEmpty(pr.Author), nullIfEmpty(pr.State),
			pr.CreatedAt.UTC().Format(time.RFC3339Nano), mergedAt, boolToInt(pr.Reopened),
		)
		if err != nil {
			return 0, fmt.Errorf("upserting pull request %d: %w", pr.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing pull request batch: %w", err)
	}
	return len(prs), nil
}

// InsertCommits upserts commits keyed by SHA.
func (s *Store) InsertCommits(commits []record.Commit) (int, error) {
	if len(commits) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO commits (sha, repo_slug, author, timestamp, additions, deletions)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha) DO UPDATE SET
			repo_slug=excluded.repo_slug,
			author=excluded.author,
			timestamp=excluded.timestamp,
			additions=excluded.additions,
			deletions=excluded.deletions
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing commit upsert: %w", err)
	}
	defer stmt.Close()

	for i := range commits {
		c := &commits[i]
		_, err := stmt.Exec(
			c.SHA, c.RepoSlug, nullIfEmpty(c.Author),
			c.Timestamp.UTC().Format(time.RFC3339Nano), c.Additions, c.Deletions,
		)
		if err != nil {
			return 0, fmt.Errorf("upserting commit %s: %w", c.SHA, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing commit batch: %w", err)
	}
	return len(commits), nil
}

// Checkpoint returns the high-water mark for a job, or ok=false when
// the job has never completed. The etag is empty unless the job's
// collaborator recorded one.
func (s *Store) Checkpoint(job string) (ts time.Time, etag string, ok bool, err error) {
	var tsStr string
	var etagVal sql.NullString
	row := s.db.QueryRow("SELECT ts, etag FROM checkpoints WHERE job_name = ?", job)
	if scanErr := row.Scan(&tsStr, &etagVal); scanErr == sql.ErrNoRows {
		return time.Time{}, "", false, nil
	} else if scanErr != nil {
		return time.Time{}, "", false, fmt.Errorf("reading checkpoint %q: %w", job, scanErr)
	}

	parsed, parseErr := time.Parse(time.RFC3339Nano, tsStr)
	if parseErr != nil {
		return time.Time{}, "", false, fmt.Errorf("parsing checkpoint %q timestamp: %w", job, parseErr)
	}
	return parsed, etagVal.String, true, nil
}

// SetCheckpoint records the high-water mark for a job, last write
// wins. A crash before SetCheckpoint re-processes the same window on
// the next run, which is safe because every write path upserts.
func (s *Store) SetCheckpoint(job string, ts time.Time, etag string) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (job_name, ts, etag) VALUES (?, ?, ?)
		ON CONFLICT(job_name) DO UPDATE SET ts=excluded.ts, etag=excluded.etag
	`, job, ts.UTC().Format(time.RFC3339Nano), nullIfEmpty(etag))
	if err != nil {
		return fmt.Errorf("setting checkpoint %q: %w", job, err)
	}
	return nil
}

// InsertDailySessionMetrics upserts aggregate rows keyed by
// (event_date, developer_id). Re-aggregation overwrites, never adds.
func (s *Store) InsertDailySessionMetrics(rows []record.DailySessionMetric) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO daily_session_metrics (
			event_date, developer_id, session_count, tokens_in, tokens_out,
			total_tokens, accepted_count, error_count, median_latency_ms, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_date, developer_id) DO UPDATE SET
			session_count=excluded.session_count,
			tokens_in=excluded.tokens_in,
			tokens_out=excluded.tokens_out,
			total_tokens=excluded.total_tokens,
			accepted_count=excluded.accepted_count,
			error_count=excluded.error_count,
			median_latency_ms=excluded.median_latency_ms,
			cost_usd=excluded.cost_usd
	`)
	if err != nil {
		return fmt.Errorf("preparing daily session metric upsert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		_, err := stmt.Exec(
			r.EventDate, r.DeveloperID, r.SessionCount, r.TokensIn, r.TokensOut,
			r.TotalTokens, r.AcceptedCount, r.ErrorCount, r.MedianLatencyMS, r.CostUSD,
		)
		if err != nil {
			return fmt.Errorf("upserting daily session metric %s/%s: %w", r.EventDate, r.DeveloperID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing daily session metrics: %w", err)
	}
	return nil
}

// InsertDailyGitHubMetrics upserts aggregate rows keyed by event_date.
func (s *Store) InsertDailyGitHubMetrics(rows []record.DailyGitHubMetric) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO daily_github_metrics (event_date, merged_prs, commits, reopened, avg_merge_hours)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_date) DO UPDATE SET
			merged_prs=excluded.merged_prs,
			commits=excluded.commits,
			reopened=excluded.reopened,
			avg_merge_hours=excluded.avg_merge_hours
	`)
	if err != nil {
		return fmt.Errorf("preparing daily github metric upsert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		_, err := stmt.Exec(r.EventDate, r.MergedPRs, r.Commits, r.Reopened, r.AvgMergeHours)
		if err != nil {
			return fmt.Errorf("upserting daily github metric %s: %w", r.EventDate, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing daily github metrics: %w", err)
	}
	return nil
}

// InsertCorrelation caches a computed correlation keyed by
// (computed_date, lag_days).
func (s *Store) InsertCorrelation(row record.CorrelationRow) error {
	_, err := s.db.Exec(`
		INSERT INTO correlation_cache (computed_date, lag_days, pearson_r, pearson_p, spearman_r, spearman_p, n)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(computed_date, lag_days) DO UPDATE SET
			pearson_r=excluded.pearson_r,
			pearson_p=excluded.pearson_p,
			spearman_r=excluded.spearman_r,
			spearman_p=excluded.spearman_p,
			n=excluded.n
	`, row.ComputedDate, row.LagDays, row.PearsonR, row.PearsonP, row.SpearmanR, row.SpearmanP, row.N)
	if err != nil {
		return fmt.Errorf("caching correlation %s/%d: %w", row.ComputedDate, row.LagDays, err)
	}
	return nil
}

// CachedCorrelation returns a previously computed correlation for the
// given computation date and lag, or ok=false.
func (s *Store) CachedCorrelation(computedDate string, lagDays int) (record.CorrelationRow, bool, error) {
	row := record.CorrelationRow{ComputedDate: computedDate, LagDays: lagDays}
	err := s.db.QueryRow(`
		SELECT pearson_r, pearson_p, spearman_r, spearman_p, n
		FROM correlation_cache WHERE computed_date = ? AND lag_days = ?
	`, computedDate, lagDays).Scan(&row.PearsonR, &row.PearsonP, &row.SpearmanR, &row.SpearmanP, &row.N)
	if err == sql.ErrNoRows {
		return record.CorrelationRow{}, false, nil
	}
	if err != nil {
		return record.CorrelationRow{}, false, fmt.Errorf("reading correlation cache: %w", err)
	}
	return row, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
