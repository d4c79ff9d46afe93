// Package normalize turns loosely-structured gateway events into
// canonical trace records. Normalization is total: malformed values
// fall back to typed defaults and the ingest layer decides validity.
// The one exception is an invalid repository slug, which is returned
// as an error so the caller can dead-letter the record.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nvoss/devpulse/internal/record"
)

// Pricing maps a model name to [input, output] USD per 1M tokens.
type Pricing map[string][2]float64

// Normalizer converts one raw event mapping into a CanonicalTrace.
type Normalizer struct {
	pricing      Pricing
	defaultPrice [2]float64
	now          func() time.Time
}

// New returns a Normalizer using the given pricing table. Unknown
// models fall back to defaultPrice.
func New(pricing Pricing, defaultPrice [2]float64) *Normalizer {
	return &Normalizer{
		pricing:      pricing,
		defaultPrice: defaultPrice,
		now:          time.Now,
	}
}

// sessionIDPattern strips source-system prefixes so IDs from different
// gateways collapse to one canonical form: "session-abc" and
// "session_abc" both normalize to "abc".
var sessionIDPattern = regexp.MustCompile(`(?i)session[_-]([A-Za-z0-9][A-Za-z0-9_-]*)`)

// Field extraction uses ordered fallback chains: the first accessor
// returning a value wins, replacing ad hoc dictionary probing with an
// explicit strategy table per field.
var (
	sessionIDChain = chain{
		key("session_id"), key("sessionId"),
		path("session", "id"), path("metadata", "session_id"),
		jsonPayload("payload", "session_id"),
	}
	developerIDChain = chain{
		key("developer_id"), key("user_id"), key("developer"),
		path("metadata", "user_id"), path("user", "id"),
	}
	timestampChain = chain{
		key("timestamp"), key("ts"), key("created_at"), key("event_time"), key("time"),
	}
	modelChain = chain{
		key("model"), key("model_name"),
		path("request", "model"), jsonPayload("payload", "model"),
	}
	tokensInChain = chain{
		path("usage", "input_tokens"), path("usage", "prompt_tokens"),
		key("tokens_in"), key("input_tokens"),
		path("message", "usage", "input_tokens"),
	}
	tokensOutChain = chain{
		path("usage", "output_tokens"), path("usage", "completion_tokens"),
		key("tokens_out"), key("output_tokens"),
		path("message", "usage", "output_tokens"),
	}
	totalTokensChain = chain{
		path("usage", "total_tokens"), key("total_tokens"),
	}
	latencyMSChain = chain{
		key("latency_ms"), key("duration_ms"), path("response", "latency_ms"),
	}
	latencySecondsChain = chain{
		key("latency_seconds"), key("duration_seconds"),
	}
	statusCodeChain = chain{
		key("status_code"), key("status"), path("response", "status_code"),
	}
	acceptedChain = chain{
		key("accepted"), key("accepted_flag"), path("feedback", "accepted"),
	}
	repoSlugChain = chain{
		key("repo"), key("repository"), key("repo_slug"),
		path("metadata", "repository"),
	}
	diffRatioChain     = chain{key("diff_ratio"), path("feedback", "diff_ratio")}
	acceptedLinesChain = chain{key("accepted_lines"), path("feedback", "accepted_lines")}
)

// Normalize builds a CanonicalTrace from one raw event. It never fails
// for malformed input; only an invalid repository slug is an error.
func (n *Normalizer) Normalize(raw map[string]any) (record.CanonicalTrace, error) {
	var t record.CanonicalTrace

	t.SessionID = normalizeID(asString(sessionIDChain.lookup(raw)))
	t.DeveloperID = normalizeID(asString(developerIDChain.lookup(raw)))

	t.Timestamp = n.parseTimestamp(timestampChain.lookup(raw))
	t.EventDate = t.Timestamp.Format(record.DateLayout)

	t.Model = asString(modelChain.lookup(raw))

	tokensIn, haveIn := asInt64(tokensInChain.lookup(raw))
	tokensOut, haveOut := asInt64(tokensOutChain.lookup(raw))
	totalTokens, haveTotal := asInt64(totalTokensChain.lookup(raw))

	// Derive a missing side by subtraction when the total is known,
	// clamped at zero.
	if !haveIn && haveTotal && haveOut {
		tokensIn = max64(0, totalTokens-tokensOut)
	}
	if !haveOut && haveTotal && haveIn {
		tokensOut = max64(0, totalTokens-tokensIn)
	}
	t.TokensIn = tokensIn
	t.TokensOut = tokensOut
	t.TotalTokens = tokensIn + tokensOut

	if ms, ok := asFloat64(latencyMSChain.lookup(raw)); ok {
		t.LatencyMS = ms
	} else if sec, ok := asFloat64(latencySecondsChain.lookup(raw)); ok {
		t.LatencyMS = sec * 1000
	}

	if code, ok := asInt64(statusCodeChain.lookup(raw)); ok {
		t.StatusCode = int(code)
	}

	// False means "rejected or not tracked"; the source format does
	// not distinguish the two.
	t.Accepted, _ = asBool(acceptedChain.lookup(raw))

	slug := asString(repoSlugChain.lookup(raw))
	if slug == "" {
		slug = record.UnknownRepo
	} else if err := record.ValidateRepoSlug(slug); err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("normalizing record: %w", err)
	}
	t.RepoSlug = slug

	if ratio, ok := asFloat64(diffRatioChain.lookup(raw)); ok {
		t.DiffRatio = &ratio
	}
	if lines, ok := asInt64(acceptedLinesChain.lookup(raw)); ok {
		t.AcceptedLines = &lines
	}

	t.CostUSD = n.estimateCost(t.Model, t.TokensIn, t.TokensOut)
	t.ContentHash = t.ComputeContentHash()

	return t, nil
}

// estimateCost prices tokens per million; unknown models use the
// conservative default pair.
func (n *Normalizer) estimateCost(model string, tokensIn, tokensOut int64) float64 {
	price, ok := n.pricing[model]
	if !ok {
		price = n.defaultPrice
	}
	return float64(tokensIn)/1e6*price[0] + float64(tokensOut)/1e6*price[1]
}

// parseTimestamp accepts ISO-8601 with or without an offset and Unix
// epoch in seconds or milliseconds, inferred by magnitude. Unparsable
// input defaults to the current UTC time rather than failing.
func (n *Normalizer) parseTimestamp(v any, ok bool) time.Time {
	if !ok {
		return n.now().UTC()
	}
	switch ts := v.(type) {
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			record.DateLayout,
		} {
			if parsed, err := time.Parse(layout, ts); err == nil {
				return parsed.UTC()
			}
		}
		if epoch, err := strconv.ParseFloat(strings.TrimSpace(ts), 64); err == nil {
			return epochToTime(epoch)
		}
	case float64:
		return epochToTime(ts)
	case int64:
		return epochToTime(float64(ts))
	case int:
		return epochToTime(float64(ts))
	}
	return n.now().UTC()
}

// epochToTime treats values above 1e12 as milliseconds.
func epochToTime(epoch float64) time.Time {
	if epoch > 1e12 {
		return time.UnixMilli(int64(epoch)).UTC()
	}
	return time.Unix(int64(epoch), 0).UTC()
}

// normalizeID strips the session-/session_ prefix when the candidate
// matches the session ID pattern; otherwise the raw value is kept.
func normalizeID(id string) string {
	if id == "" {
		return ""
	}
	if m := sessionIDPattern.FindStringSubmatch(id); m != nil {
		return m[1]
	}
	return id
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
