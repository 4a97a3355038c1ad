package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/starford/tagledger/internal/models"
)

// AppendScanLog records one scan run, sets out.ID and advances last_scan_at.
func (t *Tx) AppendScanLog(out *models.ScanOutcome) error {
	res, err := t.tx.Exec(`
		INSERT INTO scan_log (scanned_at, scanned_root, full, files_scanned, slugs_found,
			evidence_added, evidence_superseded, done_forced, stale_marked, revived_count,
			orphan_files_removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ScannedAt, out.ScannedRoot, out.Full, out.FilesScanned, out.SlugsFound,
		out.EvidenceAdded, out.EvidenceSuperseded, out.DoneForced, out.StaleMarked,
		out.RevivedCount, out.OrphanFilesRemoved)
	if err != nil {
		return fmt.Errorf("ledger: append scan log: %w", err)
	}
	if out.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("ledger: scan log id: %w", err)
	}
	if _, err := t.tx.Exec(`UPDATE scan_state SET last_scan_at = ? WHERE id = 1`, out.ScannedAt); err != nil {
		return fmt.Errorf("ledger: update scan state: %w", err)
	}
	return nil
}

// ScanHistory returns the newest limit scan runs, newest first.
func (db *DB) ScanHistory(ctx context.Context, limit int) ([]models.ScanOutcome, error) {
	return scanHistory(ctx, db.r, limit)
}

func scanHistory(ctx context.Context, q Querier, limit int) ([]models.ScanOutcome, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, scanned_at, scanned_root, full, files_scanned, slugs_found, evidence_added,
			evidence_superseded, done_forced, stale_marked, revived_count, orphan_files_removed
		FROM scan_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: scan history: %w", err)
	}
	defer rows.Close()
	out := []models.ScanOutcome{}
	for rows.Next() {
		var o models.ScanOutcome
		if err := rows.Scan(&o.ID, &o.ScannedAt, &o.ScannedRoot, &o.Full, &o.FilesScanned,
			&o.SlugsFound, &o.EvidenceAdded, &o.EvidenceSuperseded, &o.DoneForced,
			&o.StaleMarked, &o.RevivedCount, &o.OrphanFilesRemoved); err != nil {
			return nil, fmt.Errorf("ledger: scan log row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const aggregateSQL = `
	SELECT count(*), coalesce(sum(full), 0), coalesce(sum(1 - full), 0),
		coalesce(sum(files_scanned), 0), coalesce(sum(slugs_found), 0),
		coalesce(sum(evidence_added), 0), coalesce(sum(done_forced), 0),
		coalesce(sum(stale_marked), 0), coalesce(sum(revived_count), 0),
		coalesce(sum(orphan_files_removed), 0)
	FROM (SELECT * FROM scan_log ORDER BY id DESC LIMIT ?)`

func scanAggregate(ctx context.Context, q Querier, limit int) (models.ScanAggregate, error) {
	var a models.ScanAggregate
	err := q.QueryRowContext(ctx, aggregateSQL, limit).Scan(&a.Runs, &a.FullRuns, &a.DiffRuns,
		&a.FilesScanned, &a.SlugsFound, &a.EvidenceAdded, &a.DoneForced, &a.StaleMarked,
		&a.RevivedCount, &a.OrphanFilesRemoved)
	if err != nil {
		return a, fmt.Errorf("ledger: scan aggregate: %w", err)
	}
	return a, nil
}

// ScanMetrics returns the recent runs plus aggregates over the window and
// over the whole log, all from one snapshot.
func (db *DB) ScanMetrics(ctx context.Context, limit int) (models.ScanMetrics, error) {
	m := models.ScanMetrics{ExportedAt: db.Now(), Limit: limit}
	err := db.View(ctx, func(q Querier) error {
		var err error
		if m.Recent, err = scanHistory(ctx, q, limit); err != nil {
			return err
		}
		if m.Aggregate, err = scanAggregate(ctx, q, limit); err != nil {
			return err
		}
		// A negative LIMIT means no limit in SQLite.
		if m.AggregateAll, err = scanAggregate(ctx, q, -1); err != nil {
			return err
		}
		m.LastScanAt, err = lastScanAt(ctx, q)
		return err
	})
	return m, err
}

// LastScanAt returns when the most recent scan committed, or nil.
func (db *DB) LastScanAt(ctx context.Context) (*time.Time, error) {
	return lastScanAt(ctx, db.r)
}

func lastScanAt(ctx context.Context, q Querier) (*time.Time, error) {
	var ts sql.NullTime
	if err := q.QueryRowContext(ctx, `SELECT last_scan_at FROM scan_state WHERE id = 1`).Scan(&ts); err != nil {
		return nil, fmt.Errorf("ledger: last scan at: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}
