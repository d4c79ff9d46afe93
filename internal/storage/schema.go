package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 1

// OpenDB opens (creating if necessary) the SQLite database, enables
// WAL, applies versioned migrations and then the additive column
// evolution pass.
func OpenDB(dbPath string) (*sql.DB, error) {
	parentDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return nil, fmt.Errorf("creating parent directories: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrateSchema(db, dbPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureColumns(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("evolving schema: %w", err)
	}

	return db, nil
}

func migrateSchema(db *sql.DB, dbPath string) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)

	var currentVersion int
	if err == sql.ErrNoRows {
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	} else {
		err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&currentVersion)
		if err == sql.ErrNoRows {
			currentVersion = 0
		} else if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	if currentVersion > currentSchemaVersion {
		return fmt.Errorf(
			"database schema version %d is newer than this devpulse version supports (max: %d); upgrade devpulse or delete %s to start fresh",
			currentVersion, currentSchemaVersion, dbPath,
		)
	}

	if currentVersion < currentSchemaVersion {
		if err := applyMigrations(db, currentVersion); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	return nil
}

func applyMigrations(db *sql.DB, fromVersion int) error {
	if fromVersion == 0 {
		if err := migrateV0ToV1(db); err != nil {
			return fmt.Errorf("migration v0→v1: %w", err)
		}
	}

	return nil
}

func migrateV0ToV1(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		what string
		sql  string
	}{
		{"schema_version table", `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER NOT NULL
			)
		`},
		{"schema version row", "INSERT INTO schema_version (version) VALUES (1)"},
		{"sessions table", `
			CREATE TABLE IF NOT EXISTS sessions (
				content_hash TEXT PRIMARY KEY,
				session_id TEXT,
				developer_id TEXT,
				timestamp TEXT NOT NULL,
				model TEXT,
				tokens_in INTEGER NOT NULL DEFAULT 0,
				tokens_out INTEGER NOT NULL DEFAULT 0,
				total_tokens INTEGER NOT NULL DEFAULT 0,
				latency_ms REAL NOT NULL DEFAULT 0,
				status_code INTEGER,
				accepted INTEGER NOT NULL DEFAULT 0,
				repo_slug TEXT NOT NULL,
				event_date TEXT NOT NULL,
				cost_usd REAL NOT NULL DEFAULT 0,
				ingested_at TEXT NOT NULL
			)
		`},
		{"pull_requests table", `
			CREATE TABLE IF NOT EXISTS pull_requests (
				id INTEGER PRIMARY KEY,
				number INTEGER NOT NULL,
				repo_slug TEXT NOT NULL,
				author TEXT,
				state TEXT,
				created_at TEXT NOT NULL,
				merged_at TEXT,
				reopened INTEGER NOT NULL DEFAULT 0
			)
		`},
		{"commits table", `
			CREATE TABLE IF NOT EXISTS commits (
				sha TEXT PRIMARY KEY,
				repo_slug TEXT NOT NULL,
				author TEXT,
				timestamp TEXT NOT NULL,
				additions INTEGER NOT NULL DEFAULT 0,
				deletions INTEGER NOT NULL DEFAULT 0
			)
		`},
		{"checkpoints table", `
			CREATE TABLE IF NOT EXISTS checkpoints (
				job_name TEXT PRIMARY KEY,
				ts TEXT NOT NULL
			)
		`},
		{"daily_session_metrics table", `
			CREATE TABLE IF NOT EXISTS daily_session_metrics (
				event_date TEXT NOT NULL,
				developer_id TEXT NOT NULL DEFAULT '',
				session_count INTEGER NOT NULL DEFAULT 0,
				tokens_in INTEGER NOT NULL DEFAULT 0,
				tokens_out INTEGER NOT NULL DEFAULT 0,
				total_tokens INTEGER NOT NULL DEFAULT 0,
				accepted_count INTEGER NOT NULL DEFAULT 0,
				error_count INTEGER NOT NULL DEFAULT 0,
				median_latency_ms REAL NOT NULL DEFAULT 0,
				cost_usd REAL NOT NULL DEFAULT 0,
				UNIQUE(event_date, developer_id)
			)
		`},
		{"daily_github_metrics table", `
			CREATE TABLE IF NOT EXISTS daily_github_metrics (
				event_date TEXT NOT NULL UNIQUE,
				merged_prs INTEGER NOT NULL DEFAULT 0,
				commits INTEGER NOT NULL DEFAULT 0,
				reopened INTEGER NOT NULL DEFAULT 0,
				avg_merge_hours REAL NOT NULL DEFAULT 0
			)
		`},
		{"correlation_cache table", `
			CREATE TABLE IF NOT EXISTS correlation_cache (
				computed_date TEXT NOT NULL,
				lag_days INTEGER NOT NULL,
				pearson_r REAL,
				pearson_p REAL,
				spearman_r REAL,
				spearman_p REAL,
				n INTEGER NOT NULL DEFAULT 0,
				UNIQUE(computed_date, lag_days)
			)
		`},
		{"idx_sessions_date", "CREATE INDEX IF NOT EXISTS idx_sessions_date ON sessions(event_date)"},
		{"idx_sessions_repo", "CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(repo_slug)"},
		{"idx_prs_repo", "CREATE INDEX IF NOT EXISTS idx_prs_repo ON pull_requests(repo_slug)"},
		{"idx_commits_repo", "CREATE INDEX IF NOT EXISTS idx_commits_repo ON commits(repo_slug)"},
		{"idx_daily_session_date", "CREATE INDEX IF NOT EXISTS idx_daily_session_date ON daily_session_metrics(event_date)"},
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt.sql); err != nil {
			return fmt.Errorf("creating %s: %w", stmt.what, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// evolvedColumns lists columns added after a table's original CREATE.
// Evolution is additive only: columns are never dropped or renamed, so
// databases written by older versions stay readable.
var evolvedColumns = map[string][]struct {
	name string
	ddl  string
}{
	"sessions": {
		{"diff_ratio", "diff_ratio REAL"},
		{"accepted_lines", "accepted_lines INTEGER"},
	},
	"checkpoints": {
		{"etag", "etag TEXT"},
	},
}

// ensureColumns diffs each table's actual columns against the evolved
// set and adds whatever is missing.
func ensureColumns(db *sql.DB) error {
	for table, cols := range evolvedColumns {
		existing, err := tableColumns(db, table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if existing[col.name] {
				continue
			}
			if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col.ddl)); err != nil {
				return fmt.Errorf("adding %s.%s: %w", table, col.name, err)
			}
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scanning %s column: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
