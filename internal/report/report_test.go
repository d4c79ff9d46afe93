package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/devpulse/internal/correlate"
	"github.com/nvoss/devpulse/internal/record"
	"github.com/nvoss/devpulse/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedLinearSeries stores five days of session metrics and GitHub
// metrics where commits on day d+1 track sessions on day d exactly.
func seedLinearSeries(t *testing.T, store *storage.Store) {
	t.Helper()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var sessionRows []record.DailySessionMetric
	var githubRows []record.DailyGitHubMetric
	for i := 0; i < 5; i++ {
		date := base.AddDate(0, 0, i).Format(record.DateLayout)
		next := base.AddDate(0, 0, i+1).Format(record.DateLayout)
		sessionRows = append(sessionRows, record.DailySessionMetric{
			EventDate:    date,
			DeveloperID:  "alice",
			SessionCount: int64(i + 1),
			TotalTokens:  int64((i + 1) * 100),
			CostUSD:      float64(i+1) * 0.1,
		})
		githubRows = append(githubRows, record.DailyGitHubMetric{
			EventDate: next,
			Commits:   int64((i + 1) * 2),
			MergedPRs: int64(i + 1),
		})
	}
	require.NoError(t, store.InsertDailySessionMetrics(sessionRows))
	require.NoError(t, store.InsertDailyGitHubMetrics(githubRows))
}

func testBuilder(store *storage.Store, backend correlate.Backend) *Builder {
	b := NewBuilder(store, backend)
	b.now = func() time.Time {
		return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	}
	return b
}

func findCorrelation(t *testing.T, out map[string]any, name string) map[string]any {
	t.Helper()
	correlations, ok := out["correlations"].([]map[string]any)
	require.True(t, ok, "correlations section missing")
	for _, c := range correlations {
		if c["name"] == name {
			return c
		}
	}
	t.Fatalf("correlation %q not in report", name)
	return nil
}

func TestBuild_SectionsPresent(t *testing.T) {
	store := openTestStore(t)
	seedLinearSeries(t, store)

	b := testBuilder(store, correlate.DefaultBackend())
	out, err := b.Build("org/repo", time.Time{}, 1)
	require.NoError(t, err)

	for _, section := range []string{
		"meta", "velocity", "acceptance_rate", "error_rate",
		"token_efficiency", "pr_throughput", "commit_frequency",
		"merge_time", "rework_rate", "cost", "correlations",
	} {
		assert.Contains(t, out, section)
	}

	meta := out["meta"].(map[string]any)
	assert.Equal(t, "tdist", meta["stats_backend"])
	assert.Equal(t, 1, meta["lag_days"])

	velocity := out["velocity"].(map[string]any)
	assert.Equal(t, int64(15), velocity["total_sessions"])
	assert.Equal(t, 3.0, velocity["avg_daily_sessions"])
}

func TestBuild_LaggedCorrelationAndAdjustment(t *testing.T) {
	store := openTestStore(t)
	seedLinearSeries(t, store)

	b := testBuilder(store, correlate.DefaultBackend())
	out, err := b.Build("org/repo", time.Time{}, 1)
	require.NoError(t, err)

	c := findCorrelation(t, out, "sessions_vs_commits")
	assert.Equal(t, 5, c["n"])

	r, ok := c["pearson_r"].(*float64)
	require.True(t, ok)
	require.NotNil(t, r)
	assert.InDelta(t, 1.0, *r, 1e-9)

	p, ok := c["p_value"].(*float64)
	require.True(t, ok)
	require.NotNil(t, p)

	adj, ok := c["adjusted_p"].(*float64)
	require.True(t, ok)
	require.NotNil(t, adj)
	assert.GreaterOrEqual(t, *adj, *p, "adjusted p can never undercut raw p")
}

func TestBuild_CachesPrimaryHypothesis(t *testing.T) {
	store := openTestStore(t)
	seedLinearSeries(t, store)

	b := testBuilder(store, correlate.DefaultBackend())
	_, err := b.Build("org/repo", time.Time{}, 1)
	require.NoError(t, err)

	today := b.now().UTC().Format(record.DateLayout)
	row, ok, err := store.CachedCorrelation(today, 1)
	require.NoError(t, err)
	require.True(t, ok, "primary correlation cached after first build")
	assert.Equal(t, 5, row.N)

	// Poison the cache; a same-day, same-lag build must serve it back
	// instead of recomputing.
	sentinel := -0.5
	row.PearsonR = &sentinel
	require.NoError(t, store.InsertCorrelation(row))

	out, err := b.Build("org/repo", time.Time{}, 1)
	require.NoError(t, err)
	c := findCorrelation(t, out, "sessions_vs_commits")
	r := c["pearson_r"].(*float64)
	require.NotNil(t, r)
	assert.Equal(t, sentinel, *r)

	// A different lag misses the cache.
	_, ok, err = store.CachedCorrelation(today, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuild_DegradedBackendKeepsCoefficients(t *testing.T) {
	store := openTestStore(t)
	seedLinearSeries(t, store)

	b := testBuilder(store, correlate.CoeffOnlyBackend{})
	out, err := b.Build("org/repo", time.Time{}, 1)
	require.NoError(t, err)

	meta := out["meta"].(map[string]any)
	assert.Equal(t, "coefficients-only", meta["stats_backend"])

	c := findCorrelation(t, out, "sessions_vs_commits")
	r := c["pearson_r"].(*float64)
	require.NotNil(t, r, "coefficient survives without a stats backend")
	assert.Nil(t, c["p_value"].(*float64))
	assert.Nil(t, c["adjusted_p"].(*float64))
}

func TestBuild_EmptyStoreProducesReport(t *testing.T) {
	store := openTestStore(t)
	b := testBuilder(store, correlate.DefaultBackend())

	out, err := b.Build("", time.Time{}, 1)
	require.NoError(t, err)

	velocity := out["velocity"].(map[string]any)
	assert.Equal(t, int64(0), velocity["total_sessions"])

	correlations := out["correlations"].([]map[string]any)
	require.Len(t, correlations, 3)
	for _, c := range correlations {
		assert.Nil(t, c["pearson_r"].(*float64), c["name"])
	}
}

func TestBuild_RejectsInvalidSlug(t *testing.T) {
	store := openTestStore(t)
	b := testBuilder(store, correlate.DefaultBackend())

	_, err := b.Build("../etc/passwd", time.Time{}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrInvalidRepoSlug)
}
