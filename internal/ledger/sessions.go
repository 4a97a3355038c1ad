package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/models"
)

// CreateSession stores a new login session.
func (db *DB) CreateSession(ctx context.Context, s models.Session) error {
	_, err := db.w.ExecContext(ctx, `
		INSERT INTO sessions (id, subject, role, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.Subject, s.Role, s.CreatedAt.UTC(), s.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("ledger: create session: %w", err)
	}
	return nil
}

// Session loads a session by id. Expired and revoked sessions are returned
// as stored; callers decide liveness.
func (db *DB) Session(ctx context.Context, id string) (models.Session, error) {
	s := models.Session{ID: id}
	var revoked sql.NullTime
	err := db.r.QueryRowContext(ctx, `
		SELECT subject, role, created_at, expires_at, revoked_at FROM sessions WHERE id = ?
	`, id).Scan(&s.Subject, &s.Role, &s.CreatedAt, &s.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return s, apperr.ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("ledger: get session: %w", err)
	}
	if revoked.Valid {
		t := revoked.Time
		s.RevokedAt = &t
	}
	return s, nil
}

// RevokeSession marks a session revoked. Revoking an unknown or already
// revoked session is not an error.
func (db *DB) RevokeSession(ctx context.Context, id string) error {
	_, err := db.w.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, db.Now(), id)
	if err != nil {
		return fmt.Errorf("ledger: revoke session: %w", err)
	}
	return nil
}

// PruneSessions deletes sessions that expired before cutoff.
func (db *DB) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.w.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger: prune sessions: %w", err)
	}
	return res.RowsAffected()
}
