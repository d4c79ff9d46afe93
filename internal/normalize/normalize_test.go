package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/nvoss/devpulse/internal/record"
)

func testNormalizer() *Normalizer {
	n := New(Pricing{
		"claude-sonnet-4-5": {3.0, 15.0},
	}, [2]float64{5.0, 15.0})
	n.now = func() time.Time {
		return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	}
	return n
}

func TestNormalize_DerivesMissingTokensFromTotal(t *testing.T) {
	n := testNormalizer()
	trace, err := n.Normalize(map[string]any{
		"timestamp":    "2025-06-01T12:00:00Z",
		"total_tokens": float64(400),
		"tokens_out":   float64(150),
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if trace.TokensIn != 250 {
		t.Errorf("tokens_in = %d, want 250", trace.TokensIn)
	}
	if trace.TotalTokens != 400 {
		t.Errorf("total_tokens = %d, want 400", trace.TotalTokens)
	}
}

func TestNormalize_TokenDerivationClampsAtZero(t *testing.T) {
	n := testNormalizer()
	trace, err := n.Normalize(map[string]any{
		"timestamp":    "2025-06-01T12:00:00Z",
		"total_tokens": float64(100),
		"tokens_out":   float64(150),
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if trace.TokensIn != 0 {
		t.Errorf("tokens_in = %d, want 0 (clamped)", trace.TokensIn)
	}
}

func TestNormalize_SessionIDPrefixStripped(t *testing.T) {
	n := testNormalizer()
	cases := []struct {
		in   string
		want string
	}{
		{"session-abc123", "abc123"},
		{"session_abc123", "abc123"},
		{"abc123", "abc123"},
		{"SESSION-xyz", "xyz"},
	}
	for _, tc := range cases {
		trace, err := n.Normalize(map[string]any{
			"timestamp":  "2025-06-01T12:00:00Z",
			"session_id": tc.in,
			"usage":      map[string]any{"input_tokens": float64(1)},
		})
		if err != nil {
			t.Fatalf("Normalize(%q) failed: %v", tc.in, err)
		}
		if trace.SessionID != tc.want {
			t.Errorf("session_id %q normalized to %q, want %q", tc.in, trace.SessionID, tc.want)
		}
	}
}

func TestNormalize_NestedUsageBlock(t *testing.T) {
	n := testNormalizer()
	trace, err := n.Normalize(map[string]any{
		"timestamp": "2025-06-01T12:00:00Z",
		"usage": map[string]any{
			"input_tokens":  float64(300),
			"output_tokens": float64(120),
		},
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if trace.TokensIn != 300 || trace.TokensOut != 120 || trace.TotalTokens != 420 {
		t.Errorf("tokens = (%d, %d, %d), want (300, 120, 420)", trace.TokensIn, trace.TokensOut, trace.TotalTokens)
	}
}

func TestNormalize_TimestampFormats(t *testing.T) {
	n := testNormalizer()
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   any
	}{
		{"rfc3339", "2025-06-01T12:00:00Z"},
		{"rfc3339 offset", "2025-06-01T14:00:00+02:00"},
		{"no timezone", "2025-06-01T12:00:00"},
		{"epoch seconds", float64(1748779200)},
		{"epoch millis", float64(1748779200000)},
	}
	for _, tc := range cases {
		trace, err := n.Normalize(map[string]any{"timestamp": tc.in})
		if err != nil {
			t.Fatalf("%s: Normalize failed: %v", tc.name, err)
		}
		if !trace.Timestamp.Equal(want) {
			t.Errorf("%s: timestamp = %v, want %v", tc.name, trace.Timestamp, want)
		}
		if trace.EventDate != "2025-06-01" {
			t.Errorf("%s: event_date = %q, want 2025-06-01", tc.name, trace.EventDate)
		}
	}
}

func TestNormalize_UnparsableTimestampDefaultsToNow(t *testing.T) {
	n := testNormalizer()
	trace, err := n.Normalize(map[string]any{"timestamp": "not-a-time"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !trace.Timestamp.Equal(time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v, want the injected now", trace.Timestamp)
	}
}

func TestNormalize_InvalidSlugReturnsError(t *testing.T) {
	n := testNormalizer()
	for _, slug := range []string{"../etc/passwd", "/abs/path"} {
		_, err := n.Normalize(map[string]any{
			"timestamp": "2025-06-01T12:00:00Z",
			"repo":      slug,
		})
		if !errors.Is(err, record.ErrInvalidRepoSlug) {
			t.Errorf("Normalize with slug %q: err = %v, want ErrInvalidRepoSlug", slug, err)
		}
	}
}

func TestNormalize_MissingSlugDefaultsToUnknown(t *testing.T) {
	n := testNormalizer()
	trace, err := n.Normalize(map[string]any{"timestamp": "2025-06-01T12:00:00Z"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if trace.RepoSlug != record.UnknownRepo {
		t.Errorf("repo_slug = %q, want %q", trace.RepoSlug, record.UnknownRepo)
	}
}

func TestNormalize_CostUsesModelAndDefaultPricing(t *testing.T) {
	n := testNormalizer()

	trace, err := n.Normalize(map[string]any{
		"timestamp": "2025-06-01T12:00:00Z",
		"model":     "claude-sonnet-4-5",
		"usage":     map[string]any{"input_tokens": float64(1_000_000), "output_tokens": float64(1_000_000)},
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got, want := trace.CostUSD, 18.0; got != want {
		t.Errorf("known model cost = %f, want %f", got, want)
	}

	trace, err = n.Normalize(map[string]any{
		"timestamp": "2025-06-01T12:00:00Z",
		"model":     "some-unknown-model",
		"usage":     map[string]any{"input_tokens": float64(1_000_000), "output_tokens": float64(1_000_000)},
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got, want := trace.CostUSD, 20.0; got != want {
		t.Errorf("unknown model cost = %f, want default %f", got, want)
	}
}

func TestNormalize_JSONStringPayload(t *testing.T) {
	n := testNormalizer()
	trace, err := n.Normalize(map[string]any{
		"timestamp": "2025-06-01T12:00:00Z",
		"payload":   `{"model": "claude-sonnet-4-5", "session_id": "session-deep1"}`,
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if trace.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want claude-sonnet-4-5", trace.Model)
	}
	if trace.SessionID != "deep1" {
		t.Errorf("session_id = %q, want deep1", trace.SessionID)
	}
}

func TestNormalize_HashStableAcrossReingestion(t *testing.T) {
	n := testNormalizer()
	raw := map[string]any{
		"timestamp":  "2025-06-01T12:00:00Z",
		"session_id": "session-abc",
		"usage":      map[string]any{"input_tokens": float64(10), "output_tokens": float64(5)},
	}
	first, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	raw["diff_ratio"] = 0.9 // not part of the hash subset
	second, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if first.ContentHash != second.ContentHash {
		t.Errorf("content hash changed across re-ingestion: %s vs %s", first.ContentHash, second.ContentHash)
	}
}
