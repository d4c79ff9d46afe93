package columnar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nvoss/devpulse/internal/record"
)

// TSV header for trace partitions.
const TracesTSVHeader = "content_hash\tsession_id\tdeveloper_id\tts_iso\tmodel\ttokens_in\ttokens_out\ttotal_tokens\tlatency_ms\tstatus_code\taccepted\trepo_slug\tevent_date\tcost_usd"

// TSV header for the daily_sessions aggregate file.
const DailySessionsTSVHeader = "event_date\tsession_count\ttokens_in\ttokens_out\ttotal_tokens\taccepted_count\terror_count\tmedian_latency_ms\tcost_usd"

// TSV header for the daily_github aggregate file.
const DailyGitHubTSVHeader = "event_date\tmerged_prs\tcommits\treopened\tavg_merge_hours"

// MarshalTrace serializes a trace to a TSV line.
func MarshalTrace(t record.CanonicalTrace) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%d\t%d\t%s\t%s\t%s",
		t.ContentHash, t.SessionID, t.DeveloperID,
		t.Timestamp.UTC().Format(time.RFC3339Nano), t.Model,
		t.TokensIn, t.TokensOut, t.TotalTokens,
		strconv.FormatFloat(t.LatencyMS, 'f', -1, 64),
		t.StatusCode, boolToInt(t.Accepted), t.RepoSlug, t.EventDate,
		strconv.FormatFloat(t.CostUSD, 'f', -1, 64),
	)
}

// UnmarshalTrace parses a TSV line into a trace.
func UnmarshalTrace(line string) (record.CanonicalTrace, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 14 {
		return record.CanonicalTrace{}, fmt.Errorf("expected 14 fields, got %d", len(fields))
	}

	ts, err := time.Parse(time.RFC3339Nano, fields[3])
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid ts_iso: %w", err)
	}
	tokensIn, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid tokens_in: %w", err)
	}
	tokensOut, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid tokens_out: %w", err)
	}
	totalTokens, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid total_tokens: %w", err)
	}
	latencyMS, err := strconv.ParseFloat(fields[8], 64)
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid latency_ms: %w", err)
	}
	statusCode, err := strconv.Atoi(fields[9])
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid status_code: %w", err)
	}
	accepted, err := strconv.Atoi(fields[10])
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid accepted: %w", err)
	}
	costUSD, err := strconv.ParseFloat(fields[13], 64)
	if err != nil {
		return record.CanonicalTrace{}, fmt.Errorf("invalid cost_usd: %w", err)
	}

	return record.CanonicalTrace{
		ContentHash: fields[0],
		SessionID:   fields[1],
		DeveloperID: fields[2],
		Timestamp:   ts,
		Model:       fields[4],
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
		TotalTokens: totalTokens,
		LatencyMS:   latencyMS,
		StatusCode:  statusCode,
		Accepted:    accepted != 0,
		RepoSlug:    fields[11],
		EventDate:   fields[12],
		CostUSD:     costUSD,
	}, nil
}

// MarshalDailySessionMetric serializes an aggregate row to a TSV line.
func MarshalDailySessionMetric(m record.DailySessionMetric) string {
	return fmt.Sprintf("%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s",
		m.EventDate, m.SessionCount, m.TokensIn, m.TokensOut, m.TotalTokens,
		m.AcceptedCount, m.ErrorCount,
		strconv.FormatFloat(m.MedianLatencyMS, 'f', -1, 64),
		strconv.FormatFloat(m.CostUSD, 'f', -1, 64),
	)
}

// MarshalDailyGitHubMetric serializes an aggregate row to a TSV line.
func MarshalDailyGitHubMetric(m record.DailyGitHubMetric) string {
	return fmt.Sprintf("%s\t%d\t%d\t%d\t%s",
		m.EventDate, m.MergedPRs, m.Commits, m.Reopened,
		strconv.FormatFloat(m.AvgMergeHours, 'f', -1, 64),
	)
}

// readPartition loads an existing partition, skipping the header and
// any rows that fail to parse. A missing partition is empty, not an
// error.
func readPartition(path string) ([]record.CanonicalTrace, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening partition %s: %w", path, err)
	}
	defer f.Close()

	var traces []record.CanonicalTrace
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if strings.HasPrefix(line, "content_hash\t") {
				continue
			}
		}
		if line == "" {
			continue
		}
		t, err := UnmarshalTrace(line)
		if err != nil {
			continue
		}
		traces = append(traces, t)
	}
	return traces, scanner.Err()
}

// writePartition atomically rewrites a partition: write to a temp file
// in the same directory, then rename over the target.
func writePartition(path string, rows []record.CanonicalTrace) error {
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, TracesTSVHeader)
	for _, t := range rows {
		lines = append(lines, MarshalTrace(t))
	}
	return atomicWriteLines(path, lines)
}

func atomicWriteLines(path string, lines []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partition-*")
	if err != nil {
		return fmt.Errorf("creating temp partition: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("writing partition: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flushing partition: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp partition: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing partition: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
