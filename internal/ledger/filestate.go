package ledger

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/tagledger/internal/models"
)

// FileState returns the bookkeeping row for path under root; ok is false
// when none exists.
func (t *Tx) FileState(root, path string) (models.FileState, bool, error) {
	fs := models.FileState{Root: root, Path: path}
	err := t.tx.QueryRow(`SELECT mtime_ns, size_bytes, last_seen_at FROM file_state
		WHERE scan_root = ? AND filepath = ?`, root, path).
		Scan(&fs.MtimeNS, &fs.SizeBytes, &fs.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fs, false, nil
	}
	if err != nil {
		return fs, false, fmt.Errorf("ledger: get file state: %w", err)
	}
	return fs, true, nil
}

// PutFileState inserts or replaces the bookkeeping row for (fs.Root, fs.Path).
func (t *Tx) PutFileState(fs models.FileState) error {
	_, err := t.tx.Exec(`
		INSERT INTO file_state (scan_root, filepath, mtime_ns, size_bytes, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scan_root, filepath) DO UPDATE SET
			mtime_ns     = excluded.mtime_ns,
			size_bytes   = excluded.size_bytes,
			last_seen_at = excluded.last_seen_at
	`, fs.Root, fs.Path, fs.MtimeNS, fs.SizeBytes, t.now)
	if err != nil {
		return fmt.Errorf("ledger: put file state: %w", err)
	}
	return nil
}

// FileStatePaths returns every path tracked under root.
func (t *Tx) FileStatePaths(root string) ([]string, error) {
	rows, err := t.tx.Query(`SELECT filepath FROM file_state WHERE scan_root = ? ORDER BY filepath`, root)
	if err != nil {
		return nil, fmt.Errorf("ledger: file state paths: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteFileState drops the bookkeeping row for path under root.
func (t *Tx) DeleteFileState(root, path string) error {
	if _, err := t.tx.Exec(`DELETE FROM file_state WHERE scan_root = ? AND filepath = ?`, root, path); err != nil {
		return fmt.Errorf("ledger: delete file state: %w", err)
	}
	return nil
}

// AdoptUnrooted assigns root to evidence and file_state rows written before
// rows carried a root. Only the root of the most recent logged scan adopts
// them; with no scan logged yet, any root does.
func (t *Tx) AdoptUnrooted(root string) error {
	var last string
	err := t.tx.QueryRow(`SELECT scanned_root FROM scan_log ORDER BY id DESC LIMIT 1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("ledger: last scanned root: %w", err)
	case last != root:
		return nil
	}
	for _, stmt := range []string{
		`UPDATE evidence SET scan_root = ? WHERE scan_root = ''`,
		`UPDATE OR IGNORE file_state SET scan_root = ? WHERE scan_root = ''`,
	} {
		if _, err := t.tx.Exec(stmt, root); err != nil {
			return fmt.Errorf("ledger: adopt unrooted rows: %w", err)
		}
	}
	if _, err := t.tx.Exec(`DELETE FROM file_state WHERE scan_root = ''`); err != nil {
		return fmt.Errorf("ledger: adopt unrooted rows: %w", err)
	}
	return nil
}
