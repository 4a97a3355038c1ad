package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/starford/tagledger/internal/models"
)

const evidenceColumns = `id, slug, kind, scan_root, filepath, line_no, snippet, created_at, superseded_at`

func scanEvidence(rs rowScanner) (models.Evidence, error) {
	var (
		e   models.Evidence
		sup sql.NullTime
	)
	if err := rs.Scan(&e.ID, &e.Slug, &e.Kind, &e.Root, &e.FilePath, &e.LineNo, &e.Snippet, &e.CreatedAt, &sup); err != nil {
		return e, err
	}
	if sup.Valid {
		t := sup.Time
		e.SupersededAt = &t
	}
	return e, nil
}

// LiveEvidence returns the non-superseded evidence recorded for one file
// under root.
func (t *Tx) LiveEvidence(root, path string) ([]models.Evidence, error) {
	rows, err := t.tx.Query(`SELECT `+evidenceColumns+` FROM evidence
		WHERE scan_root = ? AND filepath = ? AND superseded_at IS NULL ORDER BY id`, root, path)
	if err != nil {
		return nil, fmt.Errorf("ledger: live evidence: %w", err)
	}
	defer rows.Close()
	var out []models.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddEvidence appends a sighting. The note must already exist.
func (t *Tx) AddEvidence(e models.Evidence) (int64, error) {
	res, err := t.tx.Exec(`
		INSERT INTO evidence (slug, kind, scan_root, filepath, line_no, snippet, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Slug, e.Kind, e.Root, e.FilePath, e.LineNo, e.Snippet, t.now)
	if err != nil {
		return 0, fmt.Errorf("ledger: add evidence: %w", err)
	}
	return res.LastInsertId()
}

// SupersedeEvidence marks one evidence row as no longer current.
func (t *Tx) SupersedeEvidence(id int64) error {
	_, err := t.tx.Exec(`UPDATE evidence SET superseded_at = ? WHERE id = ? AND superseded_at IS NULL`, t.now, id)
	if err != nil {
		return fmt.Errorf("ledger: supersede evidence: %w", err)
	}
	return nil
}

// SupersedeFile retires all live evidence of a file under root and returns
// the affected slugs and the number of rows retired.
func (t *Tx) SupersedeFile(root, path string) ([]string, int, error) {
	live, err := t.LiveEvidence(root, path)
	if err != nil {
		return nil, 0, err
	}
	seen := make(map[string]struct{})
	var slugs []string
	for _, e := range live {
		if err := t.SupersedeEvidence(e.ID); err != nil {
			return nil, 0, err
		}
		if _, ok := seen[e.Slug]; !ok {
			seen[e.Slug] = struct{}{}
			slugs = append(slugs, e.Slug)
		}
	}
	return slugs, len(live), nil
}

// LiveOutside reports whether slug has live evidence under a root other
// than root.
func (t *Tx) LiveOutside(slug, root string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM evidence
		WHERE slug = ? AND scan_root <> ? AND superseded_at IS NULL)`, slug, root).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("ledger: live outside root: %w", err)
	}
	return ok, nil
}

func evidenceForSlug(ctx context.Context, q Querier, slug string, withHistory bool) ([]models.Evidence, error) {
	query := `SELECT ` + evidenceColumns + ` FROM evidence WHERE slug = ?`
	if !withHistory {
		query += ` AND superseded_at IS NULL`
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY scan_root, filepath, line_no, id`, slug)
	if err != nil {
		return nil, fmt.Errorf("ledger: evidence for slug: %w", err)
	}
	defer rows.Close()
	out := []models.Evidence{}
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
