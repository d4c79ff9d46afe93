package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nvoss/devpulse/internal/record"
)

// Sessions returns stored traces at or after since, oldest first. A
// zero since returns everything.
func (s *Store) Sessions(since time.Time) ([]record.CanonicalTrace, error) {
	rows, err := s.db.Query(`
		SELECT content_hash, session_id, developer_id, timestamp, model,
			tokens_in, tokens_out, total_tokens, latency_ms, status_code,
			accepted, repo_slug, event_date, cost_usd, diff_ratio, accepted_lines
		FROM sessions
		WHERE timestamp >= ?
		ORDER BY timestamp
	`, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var traces []record.CanonicalTrace
	for rows.Next() {
		var (
			t          record.CanonicalTrace
			sessionID  sql.NullString
			devID      sql.NullString
			tsStr      string
			model      sql.NullString
			statusCode sql.NullInt64
			accepted   int
		)
		err := rows.Scan(
			&t.ContentHash, &sessionID, &devID, &tsStr, &model,
			&t.TokensIn, &t.TokensOut, &t.TotalTokens, &t.LatencyMS, &statusCode,
			&accepted, &t.RepoSlug, &t.EventDate, &t.CostUSD, &t.DiffRatio, &t.AcceptedLines,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		t.SessionID = sessionID.String
		t.DeveloperID = devID.String
		t.Model = model.String
		t.StatusCode = int(statusCode.Int64)
		t.Accepted = accepted != 0
		if t.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
			return nil, fmt.Errorf("parsing session timestamp: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// PullRequests returns stored PRs for a repository created at or after
// since. An empty repo matches all repositories.
func (s *Store) PullRequests(repo string, since time.Time) ([]record.PullRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, number, repo_slug, author, state, created_at, merged_at, reopened
		FROM pull_requests
		WHERE (? = '' OR repo_slug = ?) AND created_at >= ?
		ORDER BY created_at
	`, repo, repo, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("querying pull requests: %w", err)
	}
	defer rows.Close()

	var prs []record.PullRequest
	for rows.Next() {
		var (
			pr        record.PullRequest
			author    sql.NullString
			state     sql.NullString
			createdAt string
			mergedAt  sql.NullString
			reopened  int
		)
		if err := rows.Scan(&pr.ID, &pr.Number, &pr.RepoSlug, &author, &state, &createdAt, &mergedAt, &reopened); err != nil {
			return nil, fmt.Errorf("scanning pull request row: %w", err)
		}
		pr.Author = author.String
		pr.State = state.String
		pr.Reopened = reopened != 0
		if pr.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing pull request created_at: %w", err)
		}
		if mergedAt.Valid {
			merged, err := time.Parse(time.RFC3339Nano, mergedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing pull request merged_at: %w", err)
			}
			pr.MergedAt = &merged
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// Commits returns stored commits for a repository at or after since.
// An empty repo matches all repositories.
func (s *Store) Commits(repo string, since time.Time) ([]record.Commit, error) {
	rows, err := s.db.Query(`
		SELECT sha, repo_slug, author, timestamp, additions, deletions
		FROM commits
		WHERE (? = '' OR repo_slug = ?) AND timestamp >= ?
		ORDER BY timestamp
	`, repo, repo, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("querying commits: %w", err)
	}
	defer rows.Close()

	var commits []record.Commit
	for rows.Next() {
		var (
			c      record.Commit
			author sql.NullString
			tsStr  string
		)
		if err := rows.Scan(&c.SHA, &c.RepoSlug, &author, &tsStr, &c.Additions, &c.Deletions); err != nil {
			return nil, fmt.Errorf("scanning commit row: %w", err)
		}
		c.Author = author.String
		if c.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
			return nil, fmt.Errorf("parsing commit timestamp: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// DailySessionMetrics returns aggregate rows at or after the given
// date string (inclusive), summed across developers per date.
func (s *Store) DailySessionMetrics(sinceDate string) ([]record.DailySessionMetric, error) {
	rows, err := s.db.Query(`
		SELECT event_date,
			SUM(session_count), SUM(tokens_in), SUM(tokens_out), SUM(total_tokens),
			SUM(accepted_count), SUM(error_count), AVG(median_latency_ms), SUM(cost_usd)
		FROM daily_session_metrics
		WHERE event_date >= ?
		GROUP BY event_date
		ORDER BY event_date
	`, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("querying daily session metrics: %w", err)
	}
	defer rows.Close()

	var metrics []record.DailySessionMetric
	for rows.Next() {
		var m record.DailySessionMetric
		err := rows.Scan(
			&m.EventDate, &m.SessionCount, &m.TokensIn, &m.TokensOut, &m.TotalTokens,
			&m.AcceptedCount, &m.ErrorCount, &m.MedianLatencyMS, &m.CostUSD,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning daily session metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// DailyGitHubMetrics returns repo-side aggregate rows at or after the
// given date string (inclusive).
func (s *Store) DailyGitHubMetrics(sinceDate string) ([]record.DailyGitHubMetric, error) {
	rows, err := s.db.Query(`
		SELECT event_date, merged_prs, commits, reopened, avg_merge_hours
		FROM daily_github_metrics
		WHERE event_date >= ?
		ORDER BY event_date
	`, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("querying daily github metrics: %w", err)
	}
	defer rows.Close()

	var metrics []record.DailyGitHubMetric
	for rows.Next() {
		var m record.DailyGitHubMetric
		if err := rows.Scan(&m.EventDate, &m.MergedPRs, &m.Commits, &m.Reopened, &m.AvgMergeHours); err != nil {
			return nil, fmt.Errorf("scanning daily github metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// SessionCount reports the number of stored session rows. Used by
// callers that need a cheap post-ingest sanity figure.
func (s *Store) SessionCount() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return count, nil
}
