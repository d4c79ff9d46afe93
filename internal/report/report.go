// Package report assembles the nested report structure consumed by
// the presentation layer: daily velocity, acceptance, cost and
// delivery outcomes, plus lagged correlations with adjusted p-values.
// Report generation never fails on empty or sparse data; insufficient
// samples produce nil values, not errors.
package report

import (
	"fmt"
	"time"

	"github.com/nvoss/devpulse/internal/correlate"
	"github.com/nvoss/devpulse/internal/record"
	"github.com/nvoss/devpulse/internal/storage"
)

// Builder reads daily aggregates and raw rows from the store and runs
// the correlation engine over them.
type Builder struct {
	store   *storage.Store
	engine  *correlate.Engine
	backend correlate.Backend
	now     func() time.Time
}

func NewBuilder(store *storage.Store, backend correlate.Backend) *Builder {
	return &Builder{
		store:   store,
		engine:  correlate.NewEngine(backend),
		backend: backend,
		now:     time.Now,
	}
}

// hypothesis pairs a name with its two aligned series.
type hypothesis struct {
	name string
	x    correlate.Series
	y    correlate.Series
}

// Build produces the full report for one repository and window.
func (b *Builder) Build(repo string, since time.Time, lagDays int) (map[string]any, error) {
	if repo != "" {
		if err := record.ValidateRepoSlug(repo); err != nil {
			// A bad slug here is a caller bug, not bad input data.
			return nil, fmt.Errorf("building report: %w", err)
		}
	}

	sinceDate := ""
	if !since.IsZero() {
		sinceDate = since.UTC().Format(record.DateLayout)
	}

	sessionDaily, err := b.store.DailySessionMetrics(sinceDate)
	if err != nil {
		return nil, err
	}
	githubDaily, err := b.store.DailyGitHubMetrics(sinceDate)
	if err != nil {
		return nil, err
	}
	traces, err := b.store.Sessions(since)
	if err != nil {
		return nil, err
	}

	sessions := make(correlate.Series, len(sessionDaily))
	tokens := make(correlate.Series, len(sessionDaily))
	var totalSessions, totalAccepted, totalErrors int64
	var totalCost float64
	for _, m := range sessionDaily {
		sessions[m.EventDate] = float64(m.SessionCount)
		tokens[m.EventDate] = float64(m.TotalTokens)
		totalSessions += m.SessionCount
		totalAccepted += m.AcceptedCount
		totalErrors += m.ErrorCount
		totalCost += m.CostUSD
	}

	commits := make(correlate.Series, len(githubDaily))
	mergedPRs := make(correlate.Series, len(githubDaily))
	var totalMerged, totalCommits, totalReopened int64
	var mergeHoursSum float64
	var mergeDays int
	for _, m := range githubDaily {
		commits[m.EventDate] = float64(m.Commits)
		mergedPRs[m.EventDate] = float64(m.MergedPRs)
		totalMerged += m.MergedPRs
		totalCommits += m.Commits
		totalReopened += m.Reopened
		if m.MergedPRs > 0 {
			mergeHoursSum += m.AvgMergeHours
			mergeDays++
		}
	}

	correlations := b.correlations(lagDays, []hypothesis{
		{name: "sessions_vs_commits", x: sessions, y: commits},
		{name: "sessions_vs_merged_prs", x: sessions, y: mergedPRs},
		{name: "tokens_vs_commits", x: tokens, y: commits},
	})

	out := map[string]any{
		"meta": map[string]any{
			"repository":    repo,
			"since":         sinceDate,
			"lag_days":      lagDays,
			"generated_at":  b.now().UTC().Format(time.RFC3339),
			"stats_backend": b.backend.Name(),
		},
		"velocity": map[string]any{
			"total_sessions":     totalSessions,
			"avg_daily_sessions": safeDiv(float64(totalSessions), float64(len(sessionDaily))),
		},
		"acceptance_rate": map[string]any{
			"overall":   safeDiv(float64(totalAccepted), float64(totalSessions)),
			"per_model": correlate.ModelAcceptance(traces),
		},
		"error_rate": map[string]any{
			"overall": safeDiv(float64(totalErrors), float64(totalSessions)),
		},
		"token_efficiency": map[string]any{
			"accepted_to_mean_ratio": correlate.TokenEfficiency(traces),
			"latency_effect_d":       correlate.LatencyEffect(traces),
		},
		"pr_throughput": map[string]any{
			"merged_total": totalMerged,
			"avg_daily":    safeDiv(float64(totalMerged), float64(len(githubDaily))),
		},
		"commit_frequency": map[string]any{
			"total":     totalCommits,
			"avg_daily": safeDiv(float64(totalCommits), float64(len(githubDaily))),
		},
		"merge_time": map[string]any{
			"avg_hours": safeDiv(mergeHoursSum, float64(mergeDays)),
		},
		"rework_rate": map[string]any{
			"reopened": totalReopened,
			"rate":     safeDiv(float64(totalReopened), float64(totalMerged)),
		},
		"cost": map[string]any{
			"total_usd":     totalCost,
			"avg_daily_usd": safeDiv(totalCost, float64(len(sessionDaily))),
		},
		"correlations": correlations,
	}
	return out, nil
}

// correlations runs every hypothesis, applies Benjamini–Hochberg
// across the raw p-values that exist, and caches the primary
// (sessions_vs_commits) result so same-day, same-lag report runs skip
// the recomputation.
func (b *Builder) correlations(lagDays int, hypotheses []hypothesis) []map[string]any {
	today := b.now().UTC().Format(record.DateLayout)

	type computed struct {
		name     string
		pearson  correlate.Result
		spearman correlate.Result
	}
	results := make([]computed, 0, len(hypotheses))

	for _, h := range hypotheses {
		if h.name == "sessions_vs_commits" {
			if row, ok, err := b.store.CachedCorrelation(today, lagDays); err == nil && ok {
				results = append(results, computed{
					name:     h.name,
					pearson:  correlate.Result{R: row.PearsonR, P: row.PearsonP, N: row.N},
					spearman: correlate.Result{R: row.SpearmanR, P: row.SpearmanP, N: row.N},
				})
				continue
			}
		}

		pearson, spearman := b.engine.Correlate(h.x, h.y, lagDays)
		results = append(results, computed{name: h.name, pearson: pearson, spearman: spearman})

		if h.name == "sessions_vs_commits" {
			row := record.CorrelationRow{
				ComputedDate: today,
				LagDays:      lagDays,
				PearsonR:     pearson.R,
				PearsonP:     pearson.P,
				SpearmanR:    spearman.R,
				SpearmanP:    spearman.P,
				N:            pearson.N,
			}
			// Cache write failures degrade to recomputation next run.
			_ = b.store.InsertCorrelation(row)
		}
	}

	// Collect every available p-value across the report for the
	// multiple-comparison correction; hypotheses without a p stay in
	// the output with a nil adjusted_p.
	type pSlot struct {
		result int
		field  string // "pearson" or "spearman"
	}
	var raw []float64
	var slots []pSlot
	for i := range results {
		if results[i].pearson.P != nil {
			raw = append(raw, *results[i].pearson.P)
			slots = append(slots, pSlot{result: i, field: "pearson"})
		}
		if results[i].spearman.P != nil {
			raw = append(raw, *results[i].spearman.P)
			slots = append(slots, pSlot{result: i, field: "spearman"})
		}
	}
	adjusted := correlate.BenjaminiHochberg(raw)

	pearsonAdj := make(map[int]*float64)
	spearmanAdj := make(map[int]*float64)
	for i, slot := range slots {
		v := adjusted[i]
		if slot.field == "pearson" {
			pearsonAdj[slot.result] = &v
		} else {
			spearmanAdj[slot.result] = &v
		}
	}

	out := make([]map[string]any, 0, len(results))
	for i, res := range results {
		out = append(out, map[string]any{
			"name":                res.name,
			"lag_days":            lagDays,
			"n":                   res.pearson.N,
			"pearson_r":           res.pearson.R,
			"p_value":             res.pearson.P,
			"adjusted_p":          pearsonAdj[i],
			"spearman_r":          res.spearman.R,
			"spearman_p":          res.spearman.P,
			"spearman_adjusted_p": spearmanAdj[i],
		})
	}
	return out
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
