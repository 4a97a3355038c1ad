package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion is recorded in schema_version on every successful open.
const SchemaVersion = "1.2.0"

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	slug       TEXT PRIMARY KEY CHECK (length(slug) BETWEEN 1 AND 500),
	status     TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'done', 'stale')),
	priority   INTEGER CHECK (priority IS NULL OR priority BETWEEN 1 AND 3),
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
	id         INTEGER PRIMARY KEY,
	slug       TEXT NOT NULL REFERENCES notes(slug) ON DELETE CASCADE,
	filepath   TEXT NOT NULL,
	line_no    INTEGER NOT NULL,
	snippet    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS note_events (
	id         INTEGER PRIMARY KEY,
	slug       TEXT NOT NULL REFERENCES notes(slug) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	old_value  TEXT,
	new_value  TEXT,
	changed_at DATETIME NOT NULL
);

` + fileStateSQL + `
CREATE TABLE IF NOT EXISTS scan_log (
	id                   INTEGER PRIMARY KEY,
	scanned_at           DATETIME NOT NULL,
	scanned_root         TEXT NOT NULL,
	full                 INTEGER NOT NULL,
	files_scanned        INTEGER NOT NULL,
	slugs_found          INTEGER NOT NULL,
	evidence_added       INTEGER NOT NULL,
	done_forced          INTEGER NOT NULL,
	stale_marked         INTEGER NOT NULL,
	revived_count        INTEGER NOT NULL,
	orphan_files_removed INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_state (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	last_scan_at DATETIME
);
INSERT OR IGNORE INTO scan_state (id, last_scan_at) VALUES (1, NULL);

CREATE TABLE IF NOT EXISTS schema_version (
	version    TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	revoked_at DATETIME
);
`

const fileStateSQL = `
CREATE TABLE IF NOT EXISTS file_state (
	scan_root    TEXT NOT NULL DEFAULT '',
	filepath     TEXT NOT NULL,
	mtime_ns     INTEGER NOT NULL DEFAULT 0,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	last_seen_at DATETIME NOT NULL DEFAULT '1970-01-01 00:00:00',
	PRIMARY KEY (scan_root, filepath)
);
`

// column is a column that may be missing from a store created by an older
// version. ddl is appended to ALTER TABLE ... ADD COLUMN.
type column struct {
	table string
	name  string
	ddl   string
}

const epoch = "'1970-01-01 00:00:00'"

var evolvedColumns = []column{
	{"notes", "comment", "TEXT"},
	{"notes", "first_seen", "DATETIME NOT NULL DEFAULT " + epoch},
	{"notes", "last_seen", "DATETIME NOT NULL DEFAULT " + epoch},
	{"notes", "evidence_count", "INTEGER NOT NULL DEFAULT 0"},
	{"notes", "is_deleted", "INTEGER NOT NULL DEFAULT 0"},
	{"notes", "is_archived", "INTEGER NOT NULL DEFAULT 0"},
	{"notes", "deleted_at", "DATETIME"},
	{"notes", "archived_at", "DATETIME"},
	{"evidence", "kind", "TEXT NOT NULL DEFAULT 'note'"},
	{"evidence", "superseded_at", "DATETIME"},
	{"evidence", "scan_root", "TEXT NOT NULL DEFAULT ''"},
	{"file_state", "mtime_ns", "INTEGER NOT NULL DEFAULT 0"},
	{"file_state", "size_bytes", "INTEGER NOT NULL DEFAULT 0"},
	{"file_state", "last_seen_at", "DATETIME NOT NULL DEFAULT " + epoch},
	{"scan_log", "evidence_superseded", "INTEGER NOT NULL DEFAULT 0"},
}

// Indexes are created after column healing because some reference evolved columns.
const indexSQL = `
CREATE INDEX IF NOT EXISTS idx_evidence_slug ON evidence(slug);
DROP INDEX IF EXISTS idx_evidence_file;
CREATE INDEX IF NOT EXISTS idx_evidence_root_file ON evidence(scan_root, filepath) WHERE superseded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_events_slug ON note_events(slug);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		return fmt.Errorf("ledger: apply core schema: %w", err)
	}
	for _, c := range evolvedColumns {
		if err := ensureColumn(conn, c); err != nil {
			return err
		}
	}
	if err := rekeyFileState(conn); err != nil {
		return err
	}
	if _, err := conn.Exec(indexSQL); err != nil {
		return fmt.Errorf("ledger: apply indexes: %w", err)
	}
	if _, err := conn.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		SchemaVersion, time.Now().UTC()); err != nil {
		return fmt.Errorf("ledger: record schema version: %w", err)
	}
	return nil
}

// ensureColumn adds c when PRAGMA table_info does not list it. Table and
// column names come from evolvedColumns only.
func ensureColumn(conn *sql.DB, c column) error {
	has, err := hasColumn(conn, c.table, c.name)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if _, err := conn.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, c.table, c.name, c.ddl)); err != nil {
		return fmt.Errorf("ledger: add column %s.%s: %w", c.table, c.name, err)
	}
	return nil
}

// rekeyFileState rebuilds a file_state table keyed by filepath alone into
// the (scan_root, filepath) layout. Copied rows get an empty root until a
// scan adopts them.
func rekeyFileState(conn *sql.DB) error {
	has, err := hasColumn(conn, "file_state", "scan_root")
	if err != nil || has {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("ledger: rekey file_state: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`ALTER TABLE file_state RENAME TO file_state_v1`,
		fileStateSQL,
		`INSERT INTO file_state (scan_root, filepath, mtime_ns, size_bytes, last_seen_at)
			SELECT '', filepath, mtime_ns, size_bytes, last_seen_at FROM file_state_v1`,
		`DROP TABLE file_state_v1`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: rekey file_state: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: rekey file_state: %w", err)
	}
	return nil
}

func hasColumn(conn *sql.DB, table, name string) (bool, error) {
	rows, err := conn.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, fmt.Errorf("ledger: table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			col     string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &col, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("ledger: scan table_info: %w", err)
		}
		if col == name {
			return true, nil
		}
	}
	return false, rows.Err()
}
