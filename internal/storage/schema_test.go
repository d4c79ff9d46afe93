package storage

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenDB_CreatesSchema(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	defer db.Close()

	for _, table := range []string{
		"sessions", "pull_requests", "commits", "checkpoints",
		"daily_session_metrics", "daily_github_metrics", "correlation_cache",
	} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	var version int
	if err := db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("reading schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestEnsureColumns_AdditiveEvolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolve.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening raw db: %v", err)
	}
	defer db.Close()

	// Base schema only, as an older version would have written it.
	if err := migrateV0ToV1(db); err != nil {
		t.Fatalf("base migration: %v", err)
	}
	cols, err := tableColumns(db, "checkpoints")
	if err != nil {
		t.Fatalf("inspecting checkpoints: %v", err)
	}
	if cols["etag"] {
		t.Fatal("base schema already has checkpoints.etag")
	}

	if err := ensureColumns(db); err != nil {
		t.Fatalf("evolving schema: %v", err)
	}

	cols, err = tableColumns(db, "checkpoints")
	if err != nil {
		t.Fatalf("re-inspecting checkpoints: %v", err)
	}
	if !cols["etag"] {
		t.Error("checkpoints.etag not added")
	}
	cols, err = tableColumns(db, "sessions")
	if err != nil {
		t.Fatalf("inspecting sessions: %v", err)
	}
	if !cols["diff_ratio"] || !cols["accepted_lines"] {
		t.Error("evolved session columns missing")
	}

	// A second pass must be a no-op.
	if err := ensureColumns(db); err != nil {
		t.Errorf("re-running evolution: %v", err)
	}
}

func TestOpenDB_ReopenIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	db, err = OpenDB(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	db.Close()
}

func TestOpenDB_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = ?", currentSchemaVersion+1); err != nil {
		t.Fatalf("bumping version: %v", err)
	}
	db.Close()

	_, err = OpenDB(path)
	if err == nil {
		t.Fatal("expected error opening a newer-versioned database")
	}
	if !strings.Contains(err.Error(), "newer") {
		t.Errorf("error = %v, want mention of newer version", err)
	}
}
