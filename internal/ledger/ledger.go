// Package ledger is the SQLite-backed store for notes, evidence, file-scan
// state, the scan audit log and login sessions.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/principal"
)

// DB wraps two connection pools on the same file: writes go through pool w,
// whose transactions begin IMMEDIATE so a scan holds the write lock from its
// first statement; reads use pool r and see a WAL snapshot.
type DB struct {
	w   *sql.DB
	r   *sql.DB
	now func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

const dsnParams = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// Open opens (or creates) the ledger database, applies the schema and heals
// columns missing from stores created by older versions.
func Open(path string, opts ...Option) (*DB, error) {
	w, err := sql.Open("sqlite3", path+"?"+dsnParams+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if err := w.Ping(); err != nil {
		w.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if err := migrate(w); err != nil {
		w.Close()
		return nil, err
	}
	r, err := sql.Open("sqlite3", path+"?"+dsnParams)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("ledger: open reader: %w", err)
	}
	db := &DB{w: w, r: r, now: time.Now}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes both connection pools.
func (db *DB) Close() error {
	return errors.Join(db.r.Close(), db.w.Close())
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.r.PingContext(ctx)
}

// Now returns the current time in UTC from the configured clock.
func (db *DB) Now() time.Time {
	return db.now().UTC()
}

// Tx is a write transaction. All ledger mutations run through one.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now is the timestamp every mutation in this transaction records.
func (t *Tx) Now() time.Time { return t.now }

// Update runs fn inside one write transaction and commits only if fn
// succeeds. When ctx carries a session-backed principal, the session row is
// re-checked inside the same transaction so an authorization decision cannot
// go stale relative to the mutation it permits.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := db.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	t := &Tx{tx: sqlTx, now: db.Now()}
	if p, ok := principal.FromContext(ctx); ok && p.SessionID != "" {
		if err := t.requireLiveSession(p.SessionID); err != nil {
			return err
		}
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// View runs fn against a read transaction so multi-statement reads observe
// one snapshot.
func (db *DB) View(ctx context.Context, fn func(q Querier) error) error {
	sqlTx, err := db.r.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin read: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // read-only
	return fn(sqlTx)
}

// Querier is the read surface shared by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (t *Tx) requireLiveSession(id string) error {
	var expires time.Time
	var revoked sql.NullTime
	err := t.tx.QueryRow(`SELECT expires_at, revoked_at FROM sessions WHERE id = ?`, id).Scan(&expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("ledger: check session: %w", err)
	}
	if revoked.Valid || !t.now.Before(expires) {
		return apperr.ErrUnauthorized
	}
	return nil
}
