// Package ingest orchestrates one batch of raw gateway events:
// tolerant parse, normalization, minimal semantic validation, durable
// write to the store and the columnar cache, and dead-letter routing
// for everything that fails. One malformed record never blocks the
// rest of the batch.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nvoss/devpulse/internal/columnar"
	"github.com/nvoss/devpulse/internal/normalize"
	"github.com/nvoss/devpulse/internal/record"
	"github.com/nvoss/devpulse/internal/storage"
)

// CheckpointJob is the logical job name for trace ingestion. It is
// independent of the GitHub sync checkpoint so the two jobs can run on
// independent schedules.
const CheckpointJob = "trace_ingest"

// Ingestor wires the normalizer to the store and the columnar
// exporter for one batch at a time.
type Ingestor struct {
	store         *storage.Store
	exporter      *columnar.Exporter
	normalizer    *normalize.Normalizer
	deadLetterDir string
}

func New(store *storage.Store, exporter *columnar.Exporter, normalizer *normalize.Normalizer, deadLetterDir string) *Ingestor {
	return &Ingestor{
		store:         store,
		exporter:      exporter,
		normalizer:    normalizer,
		deadLetterDir: deadLetterDir,
	}
}

// deadLetterEntry is one failed record, preserved for inspection
// rather than silently discarded.
type deadLetterEntry struct {
	RunID    string          `json:"run_id"`
	Source   string          `json:"source"`
	Reason   string          `json:"reason"`
	Raw      json.RawMessage `json:"raw"`
	FailedAt string          `json:"failed_at"`
}

// Ingest reads newline-delimited JSON events from r, writing survivors
// to the store and the columnar cache and failures to the dead-letter
// sink named after source. Records at or before since are skipped
// (already covered by a previous checkpointed run). Returns the number
// of records successfully stored.
func (ing *Ingestor) Ingest(source string, r io.Reader, since time.Time) (int, error) {
	runID := ulid.Make().String()

	var batch []record.CanonicalTrace
	var deadLettered int

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			ing.deadLetter(runID, source, "malformed json: "+err.Error(), line)
			deadLettered++
			continue
		}

		if reason, ok := validateRaw(raw); !ok {
			ing.deadLetter(runID, source, reason, line)
			deadLettered++
			continue
		}

		trace, err := ing.normalizer.Normalize(raw)
		if err != nil {
			ing.deadLetter(runID, source, err.Error(), line)
			deadLettered++
			continue
		}

		if !since.IsZero() && !trace.Timestamp.After(since) {
			continue
		}

		batch = append(batch, trace)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading %s: %w", source, err)
	}

	stored, err := ing.store.InsertSessions(batch)
	if err != nil {
		return 0, fmt.Errorf("storing batch from %s: %w", source, err)
	}
	if err := ing.exporter.Export(batch); err != nil {
		return stored, fmt.Errorf("exporting batch from %s: %w", source, err)
	}

	if deadLettered > 0 {
		log.Printf("WARNING: %d record(s) from %s dead-lettered (run %s)", deadLettered, source, runID)
	}
	return stored, nil
}

// IngestFiles runs one checkpointed ingestion pass over every file
// matching the glob. The checkpoint advances to the run start time
// only after every file succeeded; a crash mid-run simply re-processes
// the window, which is safe because session writes upsert by hash.
func (ing *Ingestor) IngestFiles(glob string) (int, error) {
	paths, err := filepath.Glob(glob)
	if err != nil {
		return 0, fmt.Errorf("expanding glob %q: %w", glob, err)
	}

	since, _, _, err := ing.store.Checkpoint(CheckpointJob)
	if err != nil {
		return 0, err
	}
	runStart := time.Now().UTC()

	total := 0
	for _, path := range paths {
		n, err := ing.ingestFile(path, since)
		if err != nil {
			return total, err
		}
		total += n
	}

	if err := ing.store.SetCheckpoint(CheckpointJob, runStart, ""); err != nil {
		return total, err
	}
	return total, nil
}

func (ing *Ingestor) ingestFile(path string, since time.Time) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ing.Ingest(filepath.Base(path), f, since)
}

// validateRaw applies the minimal semantic checks: a timestamp field
// and a token-usage block must be present. Everything else is the
// normalizer's business.
func validateRaw(raw map[string]any) (string, bool) {
	if !hasAnyKey(raw, "timestamp", "ts", "created_at", "event_time", "time") {
		return "missing timestamp", false
	}
	if _, ok := raw["usage"].(map[string]any); ok {
		return "", true
	}
	if msg, ok := raw["message"].(map[string]any); ok {
		if _, ok := msg["usage"].(map[string]any); ok {
			return "", true
		}
	}
	if hasAnyKey(raw, "tokens_in", "tokens_out", "input_tokens", "output_tokens", "total_tokens") {
		return "", true
	}
	return "missing usage block", false
}

func hasAnyKey(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return true
		}
	}
	return false
}

// deadLetter appends one entry to the sink co-located per source file
// name. Sink failures are logged, never raised: losing a dead-letter
// entry must not abort the batch it was rejected from.
func (ing *Ingestor) deadLetter(runID, source, reason string, raw []byte) {
	if err := os.MkdirAll(ing.deadLetterDir, 0755); err != nil {
		log.Printf("ERROR: creating dead-letter dir: %v", err)
		return
	}
	path := filepath.Join(ing.deadLetterDir, source+".deadletter.jsonl")

	entry := deadLetterEntry{
		RunID:    runID,
		Source:   source,
		Reason:   reason,
		Raw:      rawJSON(raw),
		FailedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("ERROR: marshaling dead-letter entry: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("ERROR: opening dead-letter sink %s: %v", path, err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("ERROR: writing dead-letter entry: %v", err)
	}
}

// rawJSON keeps valid JSON verbatim and re-encodes anything else as a
// JSON string so the sink file stays newline-delimited JSON.
func rawJSON(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
