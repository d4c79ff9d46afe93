// Package columnar maintains an on-disk partitioned cache of validated
// trace records, partitioned by (repository, event_date). Partitions
// are TSV files that downstream tooling can read without touching the
// database. Because overlapping cron runs may target the same
// partition, every read-merge-write cycle holds a partition-scoped
// exclusive file lock.
package columnar

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/nvoss/devpulse/internal/record"
)

const aggregatesDir = "_aggregates"

// Exporter writes partitions under root/{repo-slug}/{event_date}.tsv
// and pre-computed aggregates under root/_aggregates/.
type Exporter struct {
	root string
}

func NewExporter(root string) *Exporter {
	return &Exporter{root: root}
}

// Export merges traces into their partitions. Existing rows with the
// same (session_id, timestamp, model) are replaced by the incoming
// ones, so repeated merge cycles never duplicate.
func (e *Exporter) Export(traces []record.CanonicalTrace) error {
	partitions := make(map[string][]record.CanonicalTrace)
	for _, t := range traces {
		p := filepath.Join(e.root, t.RepoSlug, t.EventDate+".tsv")
		partitions[p] = append(partitions[p], t)
	}

	for path, batch := range partitions {
		if err := e.mergePartition(path, batch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) mergePartition(path string, batch []record.CanonicalTrace) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating partition directory: %w", err)
	}

	return withPartitionLock(path, func() error {
		existing, err := readPartition(path)
		if err != nil {
			return err
		}

		merged := make(map[string]record.CanonicalTrace, len(existing)+len(batch))
		for _, t := range existing {
			merged[dedupKey(t)] = t
		}
		for _, t := range batch {
			merged[dedupKey(t)] = t
		}

		rows := make([]record.CanonicalTrace, 0, len(merged))
		for _, t := range merged {
			rows = append(rows, t)
		}
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
				return rows[i].Timestamp.Before(rows[j].Timestamp)
			}
			return dedupKey(rows[i]) < dedupKey(rows[j])
		})

		return writePartition(path, rows)
	})
}

// withPartitionLock runs fn while holding an exclusive lock scoped to
// the partition. The lock file lives alongside the partition and is
// released on all exit paths. Contenders block until released; data is
// never silently dropped.
func withPartitionLock(path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking partition %s: %w", path, err)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func dedupKey(t record.CanonicalTrace) string {
	return t.SessionID + "\x1f" + t.Timestamp.UTC().Format(time.RFC3339Nano) + "\x1f" + t.Model
}

// ExportDailySessionMetrics rewrites the session-side aggregate file.
func (e *Exporter) ExportDailySessionMetrics(rows []record.DailySessionMetric) error {
	path := filepath.Join(e.root, aggregatesDir, "daily_sessions.tsv")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating aggregates directory: %w", err)
	}
	return withPartitionLock(path, func() error {
		lines := make([]string, 0, len(rows)+1)
		lines = append(lines, DailySessionsTSVHeader)
		for _, r := range rows {
			lines = append(lines, MarshalDailySessionMetric(r))
		}
		return atomicWriteLines(path, lines)
	})
}

// ExportDailyGitHubMetrics rewrites the repo-side aggregate file.
func (e *Exporter) ExportDailyGitHubMetrics(rows []record.DailyGitHubMetric) error {
	path := filepath.Join(e.root, aggregatesDir, "daily_github.tsv")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating aggregates directory: %w", err)
	}
	return withPartitionLock(path, func() error {
		lines := make([]string, 0, len(rows)+1)
		lines = append(lines, DailyGitHubTSVHeader)
		for _, r := range rows {
			lines = append(lines, MarshalDailyGitHubMetric(r))
		}
		return atomicWriteLines(path, lines)
	})
}
