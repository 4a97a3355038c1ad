package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/models"
)

const noteColumns = `slug, status, priority, comment, created_at, updated_at, first_seen, last_seen,
	evidence_count, is_deleted, is_archived, deleted_at, archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(rs rowScanner) (models.Note, error) {
	var (
		n        models.Note
		priority sql.NullInt64
		comment  sql.NullString
	)
	err := rs.Scan(&n.Slug, &n.Status, &priority, &comment, &n.CreatedAt, &n.UpdatedAt,
		&n.FirstSeen, &n.LastSeen, &n.EvidenceCount, &n.IsDeleted, &n.IsArchived,
		&n.DeletedAt, &n.ArchivedAt)
	if err != nil {
		return n, err
	}
	if priority.Valid {
		p := int(priority.Int64)
		n.Priority = &p
	}
	if comment.Valid {
		c := comment.String
		n.Comment = &c
	}
	return n, nil
}

// Note loads one note inside the transaction.
func (t *Tx) Note(slug string) (models.Note, error) {
	n, err := scanNote(t.tx.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return n, apperr.ErrNotFound
	}
	if err != nil {
		return n, fmt.Errorf("ledger: get note: %w", err)
	}
	return n, nil
}

// CreateNote inserts a new open note first sighted now.
func (t *Tx) CreateNote(slug string) error {
	if !models.ValidSlug(slug) {
		return fmt.Errorf("ledger: create note: slug: %w", apperr.ErrInvalid)
	}
	_, err := t.tx.Exec(`
		INSERT INTO notes (slug, status, created_at, updated_at, first_seen, last_seen)
		VALUES (?, 'open', ?, ?, ?, ?)
	`, slug, t.now, t.now, t.now, t.now)
	if err != nil {
		return fmt.Errorf("ledger: create note: %w", err)
	}
	return t.addEvent(slug, models.EventCreated, nil, ptr(string(models.StatusOpen)))
}

// SetStatus moves a note from one status to another and records the event.
func (t *Tx) SetStatus(slug string, from, to models.Status) error {
	_, err := t.tx.Exec(`UPDATE notes SET status = ?, updated_at = ? WHERE slug = ?`, to, t.now, slug)
	if err != nil {
		return fmt.Errorf("ledger: set status: %w", err)
	}
	return t.addEvent(slug, models.EventStatusChange, ptr(string(from)), ptr(string(to)))
}

// MarkSeen bumps last_seen without touching updated_at.
func (t *Tx) MarkSeen(slug string) error {
	if _, err := t.tx.Exec(`UPDATE notes SET last_seen = ? WHERE slug = ?`, t.now, slug); err != nil {
		return fmt.Errorf("ledger: mark seen: %w", err)
	}
	return nil
}

// SlugStatus pairs a slug with its current status.
type SlugStatus struct {
	Slug   string
	Status models.Status
}

// ActiveNotes returns every note that is open or done.
func (t *Tx) ActiveNotes() ([]SlugStatus, error) {
	rows, err := t.tx.Query(`SELECT slug, status FROM notes WHERE status IN ('open', 'done') ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("ledger: active notes: %w", err)
	}
	defer rows.Close()
	var out []SlugStatus
	for rows.Next() {
		var s SlugStatus
		if err := rows.Scan(&s.Slug, &s.Status); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RefreshEvidenceCounts recomputes evidence_count from live evidence rows.
func (t *Tx) RefreshEvidenceCounts(slugs []string) error {
	for _, slug := range slugs {
		_, err := t.tx.Exec(`
			UPDATE notes SET evidence_count =
				(SELECT count(*) FROM evidence WHERE slug = ? AND superseded_at IS NULL)
			WHERE slug = ?
		`, slug, slug)
		if err != nil {
			return fmt.Errorf("ledger: refresh evidence count: %w", err)
		}
	}
	return nil
}

// ApplyChanges applies a user edit. Fields equal to the stored value are
// skipped; it reports whether anything was written. updated_at is bumped and
// one event per changed attribute appended only when something changed.
func (t *Tx) ApplyChanges(slug string, cs models.ChangeSet) (models.Note, bool, error) {
	cur, err := t.Note(slug)
	if err != nil {
		return cur, false, err
	}

	var (
		sets   []string
		args   []any
		events []models.NoteEvent
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	event := func(typ string, oldV, newV *string) {
		events = append(events, models.NoteEvent{EventType: typ, OldValue: oldV, NewValue: newV})
	}

	if cs.Status != nil && *cs.Status != cur.Status {
		if !cur.Status.CanTransition(*cs.Status) {
			return cur, false, fmt.Errorf("ledger: %s -> %s: %w", cur.Status, *cs.Status, apperr.ErrConflict)
		}
		set("status", *cs.Status)
		event(models.EventStatusChange, ptr(string(cur.Status)), ptr(string(*cs.Status)))
	}
	if cs.Priority != nil && !equalInt(cs.Priority.Value, cur.Priority) {
		set("priority", nullInt(cs.Priority.Value))
		event(models.EventPriorityChange, intText(cur.Priority), intText(cs.Priority.Value))
	}
	if cs.Comment != nil && (cur.Comment == nil || *cur.Comment != *cs.Comment) {
		set("comment", *cs.Comment)
		event(models.EventComment, cur.Comment, cs.Comment)
	}
	if cs.Archived != nil && *cs.Archived != cur.IsArchived {
		set("is_archived", *cs.Archived)
		set("archived_at", flagTime(*cs.Archived, t.now))
		event(models.EventArchived, boolText(cur.IsArchived), boolText(*cs.Archived))
	}
	if cs.Deleted != nil && *cs.Deleted != cur.IsDeleted {
		set("is_deleted", *cs.Deleted)
		set("deleted_at", flagTime(*cs.Deleted, t.now))
		event(models.EventDeleted, boolText(cur.IsDeleted), boolText(*cs.Deleted))
	}
	if len(sets) == 0 {
		return cur, false, nil
	}

	set("updated_at", t.now)
	args = append(args, slug)
	if _, err := t.tx.Exec(`UPDATE notes SET `+strings.Join(sets, ", ")+` WHERE slug = ?`, args...); err != nil {
		return cur, false, fmt.Errorf("ledger: apply changes: %w", err)
	}
	for _, e := range events {
		if err := t.addEvent(slug, e.EventType, e.OldValue, e.NewValue); err != nil {
			return cur, false, err
		}
	}
	updated, err := t.Note(slug)
	return updated, true, err
}

func (t *Tx) addEvent(slug, typ string, oldV, newV *string) error {
	_, err := t.tx.Exec(`
		INSERT INTO note_events (slug, event_type, old_value, new_value, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, slug, typ, oldV, newV, t.now)
	if err != nil {
		return fmt.Errorf("ledger: add event: %w", err)
	}
	return nil
}

// ListNotes returns notes matching f ordered by priority then recency.
func (db *DB) ListNotes(ctx context.Context, f models.NoteFilter) ([]models.Note, error) {
	where, args := filterSQL(f)
	q := `SELECT ` + noteColumns + ` FROM notes` + where +
		` ORDER BY priority IS NULL, priority, updated_at DESC, slug`
	rows, err := db.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list notes: %w", err)
	}
	defer rows.Close()
	out := []models.Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan note: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func filterSQL(f models.NoteFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if len(f.Priorities) > 0 || f.PriorityNone {
		var alt []string
		if len(f.Priorities) > 0 {
			alt = append(alt, "priority IN ("+placeholders(len(f.Priorities))+")")
			for _, p := range f.Priorities {
				args = append(args, p)
			}
		}
		if f.PriorityNone {
			alt = append(alt, "priority IS NULL")
		}
		conds = append(conds, "("+strings.Join(alt, " OR ")+")")
	}
	switch f.Comment {
	case "any":
		conds = append(conds, "(comment IS NOT NULL AND comment != '')")
	case "none":
		conds = append(conds, "(comment IS NULL OR comment = '')")
	}
	if !f.IncludeDeleted {
		conds = append(conds, "is_deleted = 0")
	}
	if !f.IncludeArchived {
		conds = append(conds, "is_archived = 0")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// NoteDetail returns a note with its evidence and events read from one snapshot.
// Superseded evidence is included only when withHistory is set.
func (db *DB) NoteDetail(ctx context.Context, slug string, withHistory bool) (models.NoteDetail, error) {
	var d models.NoteDetail
	err := db.View(ctx, func(q Querier) error {
		n, err := scanNote(q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE slug = ?`, slug))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("ledger: get note: %w", err)
		}
		d.Note = n
		if d.Evidence, err = evidenceForSlug(ctx, q, slug, withHistory); err != nil {
			return err
		}
		d.Events, err = eventsForSlug(ctx, q, slug)
		return err
	})
	return d, err
}

func eventsForSlug(ctx context.Context, q Querier, slug string) ([]models.NoteEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, slug, event_type, old_value, new_value, changed_at
		FROM note_events WHERE slug = ? ORDER BY id
	`, slug)
	if err != nil {
		return nil, fmt.Errorf("ledger: note events: %w", err)
	}
	defer rows.Close()
	out := []models.NoteEvent{}
	for rows.Next() {
		var (
			e          models.NoteEvent
			oldV, newV sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Slug, &e.EventType, &oldV, &newV, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.OldValue = nullString(oldV)
		e.NewValue = nullString(newV)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary counts notes by status under the same soft-flag rules as ListNotes.
func (db *DB) Summary(ctx context.Context, includeDeleted, includeArchived bool) (models.Summary, error) {
	s := models.Summary{ByStatus: make(map[models.Status]int, len(models.Statuses))}
	for _, st := range models.Statuses {
		s.ByStatus[st] = 0
	}
	where, args := filterSQL(models.NoteFilter{IncludeDeleted: includeDeleted, IncludeArchived: includeArchived})
	err := db.View(ctx, func(q Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT status, count(*) FROM notes`+where+` GROUP BY status`, args...)
		if err != nil {
			return fmt.Errorf("ledger: summary: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				st models.Status
				n  int
			)
			if err := rows.Scan(&st, &n); err != nil {
				return err
			}
			s.ByStatus[st] = n
			s.Total += n
		}
		if err := rows.Err(); err != nil {
			return err
		}
		s.LastScanAt, err = lastScanAt(ctx, q)
		return err
	})
	return s, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func ptr[T any](v T) *T { return &v }

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intText(p *int) *string {
	if p == nil {
		return nil
	}
	return ptr(strconv.Itoa(*p))
}

func boolText(b bool) *string {
	return ptr(strconv.FormatBool(b))
}

func flagTime(on bool, now time.Time) any {
	if on {
		return now
	}
	return nil
}
