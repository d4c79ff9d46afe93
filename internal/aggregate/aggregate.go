// Package aggregate computes daily summary rows from stored raw
// records and upserts them back into the store. Aggregation is
// idempotent: re-running for a date overwrites that date's row.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/nvoss/devpulse/internal/record"
	"github.com/nvoss/devpulse/internal/storage"
)

// Aggregator reads raw rows from the store and writes daily metrics.
type Aggregator struct {
	store *storage.Store
}

func New(store *storage.Store) *Aggregator {
	return &Aggregator{store: store}
}

// SessionDaily aggregates stored traces per (event_date, developer),
// upserts every row, and returns the per-date rollup. An empty
// eventDate aggregates all dates. Empty input yields an empty map.
func (a *Aggregator) SessionDaily(eventDate string) (map[string]record.DailySessionMetric, error) {
	traces, err := a.store.Sessions(time.Time{})
	if err != nil {
		return nil, err
	}

	type groupKey struct {
		date string
		dev  string
	}
	groups := make(map[groupKey][]record.CanonicalTrace)
	for _, t := range traces {
		if eventDate != "" && t.EventDate != eventDate {
			continue
		}
		k := groupKey{date: t.EventDate, dev: t.DeveloperID}
		groups[k] = append(groups[k], t)
	}

	var rows []record.DailySessionMetric
	for k, group := range groups {
		m := record.DailySessionMetric{EventDate: k.date, DeveloperID: k.dev}
		latencies := make([]float64, 0, len(group))
		for _, t := range group {
			m.SessionCount++
			m.TokensIn += t.TokensIn
			m.TokensOut += t.TokensOut
			m.TotalTokens += t.TotalTokens
			m.CostUSD += t.CostUSD
			if t.Accepted {
				m.AcceptedCount++
			}
			if t.StatusCode >= 400 {
				m.ErrorCount++
			}
			latencies = append(latencies, t.LatencyMS)
		}
		m.MedianLatencyMS = median(latencies)
		rows = append(rows, m)
	}

	if err := a.store.InsertDailySessionMetrics(rows); err != nil {
		return nil, fmt.Errorf("writing daily session metrics: %w", err)
	}

	// Per-date rollup across developers for the caller.
	result := make(map[string]record.DailySessionMetric)
	byDate := make(map[string][]float64)
	for _, t := range traces {
		if eventDate != "" && t.EventDate != eventDate {
			continue
		}
		byDate[t.EventDate] = append(byDate[t.EventDate], t.LatencyMS)
		m := result[t.EventDate]
		m.EventDate = t.EventDate
		m.SessionCount++
		m.TokensIn += t.TokensIn
		m.TokensOut += t.TokensOut
		m.TotalTokens += t.TotalTokens
		m.CostUSD += t.CostUSD
		if t.Accepted {
			m.AcceptedCount++
		}
		if t.StatusCode >= 400 {
			m.ErrorCount++
		}
		result[t.EventDate] = m
	}
	for date, latencies := range byDate {
		m := result[date]
		m.MedianLatencyMS = median(latencies)
		result[date] = m
	}

	return result, nil
}

// GitHubDaily aggregates stored pull requests and commits per day.
// Merged PRs are attributed to their merge date, commits to their
// commit date. An empty eventDate aggregates all dates.
func (a *Aggregator) GitHubDaily(eventDate string) (map[string]record.DailyGitHubMetric, error) {
	prs, err := a.store.PullRequests("", time.Time{})
	if err != nil {
		return nil, err
	}
	commits, err := a.store.Commits("", time.Time{})
	if err != nil {
		return nil, err
	}

	result := make(map[string]record.DailyGitHubMetric)
	mergeHours := make(map[string][]float64)

	for _, pr := range prs {
		if pr.MergedAt == nil {
			continue
		}
		date := pr.MergedAt.UTC().Format(record.DateLayout)
		if eventDate != "" && date != eventDate {
			continue
		}
		m := result[date]
		m.EventDate = date
		m.MergedPRs++
		if pr.Reopened {
			m.Reopened++
		}
		mergeHours[date] = append(mergeHours[date], pr.MergedAt.Sub(pr.CreatedAt).Hours())
		result[date] = m
	}

	for _, c := range commits {
		date := c.Timestamp.UTC().Format(record.DateLayout)
		if eventDate != "" && date != eventDate {
			continue
		}
		m := result[date]
		m.EventDate = date
		m.Commits++
		result[date] = m
	}

	for date, hours := range mergeHours {
		m := result[date]
		m.AvgMergeHours = mean(hours)
		result[date] = m
	}

	rows := make([]record.DailyGitHubMetric, 0, len(result))
	for _, m := range result {
		rows = append(rows, m)
	}
	if err := a.store.InsertDailyGitHubMetrics(rows); err != nil {
		return nil, fmt.Errorf("writing daily github metrics: %w", err)
	}

	return result, nil
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
