// Package record defines the canonical record types shared by the
// ingestion, storage, aggregation and correlation layers.
package record

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"
)

// DateLayout is the canonical event-date format used across all tables
// and partition file names.
const DateLayout = "2006-01-02"

// UnknownRepo is the sentinel slug for traces that carry no repository.
const UnknownRepo = "unknown"

// CanonicalTrace is the normalized representation of one AI-assistant
// interaction. ContentHash is the deduplication key: re-ingesting a
// semantically identical raw event overwrites rather than duplicates.
type CanonicalTrace struct {
	SessionID     string
	DeveloperID   string
	Timestamp     time.Time
	Model         string
	TokensIn      int64
	TokensOut     int64
	TotalTokens   int64
	LatencyMS     float64
	StatusCode    int
	Accepted      bool
	RepoSlug      string
	EventDate     string
	CostUSD       float64
	DiffRatio     *float64
	AcceptedLines *int64
	ContentHash   string
}

// ComputeContentHash returns the SHA-1 of a canonical JSON encoding
// (sorted keys) of the stable field subset. Derived fields that can be
// refreshed on re-ingestion (cost, diff ratio, accepted lines) are
// deliberately excluded.
func (t *CanonicalTrace) ComputeContentHash() string {
	subset := map[string]any{
		"session_id":    t.SessionID,
		"developer_id":  t.DeveloperID,
		"timestamp":     t.Timestamp.UTC().Format(time.RFC3339Nano),
		"model":         t.Model,
		"tokens_in":     t.TokensIn,
		"tokens_out":    t.TokensOut,
		"latency_ms":    t.LatencyMS,
		"status_code":   t.StatusCode,
		"accepted_flag": t.Accepted,
		"repo_slug":     t.RepoSlug,
		"event_date":    t.EventDate,
	}
	// encoding/json sorts map keys, which gives us the canonical form.
	data, _ := json.Marshal(subset)
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// PullRequest is external-system metadata supplied by the GitHub
// collaborator, keyed by ID and upserted on each sync.
type PullRequest struct {
	ID        int64
	Number    int
	RepoSlug  string
	Author    string
	State     string
	CreatedAt time.Time
	MergedAt  *time.Time
	Reopened  bool
}

// Commit is external-system metadata keyed by SHA.
type Commit struct {
	SHA       string
	RepoSlug  string
	Author    string
	Timestamp time.Time
	Additions int64
	Deletions int64
}

// DailySessionMetric is one aggregated row per (event_date, developer).
// An empty DeveloperID means the developer was not tracked in the
// underlying traces.
type DailySessionMetric struct {
	EventDate       string
	DeveloperID     string
	SessionCount    int64
	TokensIn        int64
	TokensOut       int64
	TotalTokens     int64
	AcceptedCount   int64
	ErrorCount      int64
	MedianLatencyMS float64
	CostUSD         float64
}

// DailyGitHubMetric is one aggregated row per event_date on the
// repository side.
type DailyGitHubMetric struct {
	EventDate     string
	MergedPRs     int64
	Commits       int64
	Reopened      int64
	AvgMergeHours float64
}

// CorrelationRow caches one computed correlation so report runs on the
// same day with the same lag do not recompute. Unique on
// (computed_date, lag_days). Nil pointers mean "not computable" (fewer
// than two paired points, or the stats backend provides no p-values).
type CorrelationRow struct {
	ComputedDate string
	LagDays      int
	PearsonR     *float64
	PearsonP     *float64
	SpearmanR    *float64
	SpearmanP    *float64
	N            int
}
