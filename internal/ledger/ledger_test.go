package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/principal"
)

func tempPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "tagledger-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() {
		os.Remove(f.Name())
		os.Remove(f.Name() + "-wal")
		os.Remove(f.Name() + "-shm")
	})
	return f.Name()
}

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *DB, slugs ...string) {
	t.Helper()
	err := db.Update(context.Background(), func(tx *Tx) error {
		for _, s := range slugs {
			if err := tx.CreateNote(s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"notes", "evidence", "note_events", "file_state", "scan_log", "scan_state", "schema_version", "sessions"} {
		var n int
		if err := db.r.QueryRow(`SELECT count(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
	var v string
	if err := db.r.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil || v != SchemaVersion {
		t.Fatalf("schema_version = %q, %v", v, err)
	}
}

func TestOpenHealsOldSchema(t *testing.T) {
	path := tempPath(t)
	old, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = old.Exec(`
		CREATE TABLE notes (slug TEXT PRIMARY KEY, status TEXT NOT NULL DEFAULT 'open',
			priority INTEGER, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL);
		CREATE TABLE scan_log (id INTEGER PRIMARY KEY, scanned_at DATETIME NOT NULL,
			scanned_root TEXT NOT NULL, full INTEGER NOT NULL, files_scanned INTEGER NOT NULL,
			slugs_found INTEGER NOT NULL, evidence_added INTEGER NOT NULL, done_forced INTEGER NOT NULL,
			stale_marked INTEGER NOT NULL, revived_count INTEGER NOT NULL, orphan_files_removed INTEGER NOT NULL);
		INSERT INTO notes (slug, status, created_at, updated_at) VALUES ('legacy', 'open', '2024-01-01 00:00:00', '2024-01-01 00:00:00');
	`)
	old.Close()
	if err != nil {
		t.Fatalf("create old schema: %v", err)
	}

	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		notes, err := db.ListNotes(context.Background(), models.NoteFilter{})
		db.Close()
		if err != nil {
			t.Fatalf("ListNotes after heal: %v", err)
		}
		if len(notes) != 1 || notes[0].Slug != "legacy" || notes[0].IsDeleted {
			t.Fatalf("notes = %+v", notes)
		}
	}
}

func TestOpenRekeysFileState(t *testing.T) {
	path := tempPath(t)
	old, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = old.Exec(`
		CREATE TABLE notes (slug TEXT PRIMARY KEY, status TEXT NOT NULL DEFAULT 'open',
			priority INTEGER, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL);
		CREATE TABLE evidence (id INTEGER PRIMARY KEY, slug TEXT NOT NULL, filepath TEXT NOT NULL,
			line_no INTEGER NOT NULL, snippet TEXT NOT NULL DEFAULT '', created_at DATETIME NOT NULL);
		CREATE TABLE file_state (filepath TEXT PRIMARY KEY, mtime_ns INTEGER NOT NULL DEFAULT 0);
		INSERT INTO notes (slug, status, created_at, updated_at) VALUES ('legacy', 'open', '2024-01-01 00:00:00', '2024-01-01 00:00:00');
		INSERT INTO evidence (slug, filepath, line_no, created_at) VALUES ('legacy', 'a.py', 1, '2024-01-01 00:00:00');
		INSERT INTO file_state (filepath, mtime_ns) VALUES ('a.py', 7);
	`)
	old.Close()
	if err != nil {
		t.Fatalf("create old schema: %v", err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	err = db.Update(context.Background(), func(tx *Tx) error {
		if err := tx.AdoptUnrooted("/src"); err != nil {
			return err
		}
		fs, ok, err := tx.FileState("/src", "a.py")
		if err != nil || !ok || fs.MtimeNS != 7 {
			t.Errorf("adopted state = %+v %v %v", fs, ok, err)
		}
		live, err := tx.LiveEvidence("/src", "a.py")
		if err != nil || len(live) != 1 || live[0].Root != "/src" {
			t.Errorf("adopted evidence = %+v %v", live, err)
		}
		// Two roots may now track the same relative path.
		return tx.PutFileState(models.FileState{Root: "/other", Path: "a.py"})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAdoptUnrootedFollowsLastScannedRoot(t *testing.T) {
	db := testDB(t)
	seed(t, db, "n1")
	ctx := context.Background()
	err := db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.AddEvidence(models.Evidence{Slug: "n1", Kind: models.TagNote, FilePath: "a.py", LineNo: 1}); err != nil {
			return err
		}
		return tx.AppendScanLog(&models.ScanOutcome{ScannedRoot: "/a"})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = db.Update(ctx, func(tx *Tx) error {
		if err := tx.AdoptUnrooted("/b"); err != nil {
			return err
		}
		if live, _ := tx.LiveEvidence("/b", "a.py"); len(live) != 0 {
			t.Errorf("/b adopted rows of /a: %+v", live)
		}
		if err := tx.AdoptUnrooted("/a"); err != nil {
			return err
		}
		if live, _ := tx.LiveEvidence("/a", "a.py"); len(live) != 1 {
			t.Errorf("/a did not adopt its rows: %+v", live)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSlugLengthEnforcedByStore(t *testing.T) {
	db := testDB(t)
	long := make([]byte, models.MaxSlugLen+1)
	for i := range long {
		long[i] = 'a'
	}
	err := db.Update(context.Background(), func(tx *Tx) error { return tx.CreateNote(string(long)) })
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	_, err = db.w.Exec(`INSERT INTO notes (slug, status, created_at, updated_at) VALUES (?, 'open', ?, ?)`,
		string(long), time.Now(), time.Now())
	if err == nil {
		t.Fatal("CHECK constraint did not reject an over-long slug")
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := testDB(t)
	boom := errors.New("boom")
	err := db.Update(context.Background(), func(tx *Tx) error {
		if err := tx.CreateNote("rolled-back"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := db.NoteDetail(context.Background(), "rolled-back", false); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("note survived rollback: %v", err)
	}
}

func TestApplyChanges(t *testing.T) {
	db := testDB(t)
	seed(t, db, "n1")
	ctx := context.Background()

	done := models.StatusDone
	two := 2
	comment := "ship it"
	var first models.Note
	err := db.Update(ctx, func(tx *Tx) error {
		n, changed, err := tx.ApplyChanges("n1", models.ChangeSet{
			Status:   &done,
			Priority: &models.PriorityChange{Value: &two},
			Comment:  &comment,
		})
		if err != nil {
			return err
		}
		if !changed {
			t.Error("expected a change")
		}
		first = n
		return nil
	})
	if err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	if first.Status != models.StatusDone || first.Priority == nil || *first.Priority != 2 || *first.Comment != comment {
		t.Fatalf("note = %+v", first)
	}

	// Same values again: nothing written.
	err = db.Update(ctx, func(tx *Tx) error {
		n, changed, err := tx.ApplyChanges("n1", models.ChangeSet{Priority: &models.PriorityChange{Value: &two}, Comment: &comment})
		if err != nil {
			return err
		}
		if changed {
			t.Error("equal values reported as a change")
		}
		if !n.UpdatedAt.Equal(first.UpdatedAt) {
			t.Errorf("updated_at moved: %v -> %v", first.UpdatedAt, n.UpdatedAt)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := db.NoteDetail(ctx, "n1", false)
	if err != nil {
		t.Fatal(err)
	}
	// created + status + priority + comment
	if len(d.Events) != 4 {
		t.Fatalf("events = %d, want 4: %+v", len(d.Events), d.Events)
	}
}

func TestApplyChangesRejectsIllegalTransition(t *testing.T) {
	db := testDB(t)
	seed(t, db, "n1")
	ctx := context.Background()
	done, open := models.StatusDone, models.StatusOpen
	if err := db.Update(ctx, func(tx *Tx) error {
		_, _, err := tx.ApplyChanges("n1", models.ChangeSet{Status: &done})
		return err
	}); err != nil {
		t.Fatal(err)
	}
	err := db.Update(ctx, func(tx *Tx) error {
		_, _, err := tx.ApplyChanges("n1", models.ChangeSet{Status: &open})
		return err
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("done -> open: err = %v, want ErrConflict", err)
	}
}

func TestListNotesFilters(t *testing.T) {
	db := testDB(t)
	seed(t, db, "a", "b", "c")
	ctx := context.Background()
	one := 1
	yes := true
	note := "x"
	err := db.Update(ctx, func(tx *Tx) error {
		if _, _, err := tx.ApplyChanges("a", models.ChangeSet{Priority: &models.PriorityChange{Value: &one}, Comment: &note}); err != nil {
			return err
		}
		_, _, err := tx.ApplyChanges("c", models.ChangeSet{Deleted: &yes})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		f    models.NoteFilter
		want []string
	}{
		{"default hides deleted", models.NoteFilter{}, []string{"a", "b"}},
		{"include deleted", models.NoteFilter{IncludeDeleted: true}, []string{"a", "b", "c"}},
		{"priority 1", models.NoteFilter{Priorities: []int{1}}, []string{"a"}},
		{"priority none", models.NoteFilter{PriorityNone: true}, []string{"b"}},
		{"comment any", models.NoteFilter{Comment: "any"}, []string{"a"}},
		{"comment none", models.NoteFilter{Comment: "none"}, []string{"b"}},
		{"status done", models.NoteFilter{Statuses: []models.Status{models.StatusDone}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			notes, err := db.ListNotes(ctx, tc.f)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, n := range notes {
				got = append(got, n.Slug)
			}
			sort.Strings(got)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestEvidenceLifecycle(t *testing.T) {
	db := testDB(t)
	seed(t, db, "n1")
	ctx := context.Background()
	err := db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.AddEvidence(models.Evidence{Slug: "n1", Kind: models.TagNote, Root: "/src", FilePath: "a.py", LineNo: 3, Snippet: "# NOTE(vNext): n1"}); err != nil {
			return err
		}
		return tx.RefreshEvidenceCounts([]string{"n1"})
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := db.NoteDetail(ctx, "n1", false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Note.EvidenceCount != 1 || len(d.Evidence) != 1 || d.Evidence[0].FilePath != "a.py" {
		t.Fatalf("detail = %+v", d)
	}

	err = db.Update(ctx, func(tx *Tx) error {
		slugs, n, err := tx.SupersedeFile("/src", "a.py")
		if err != nil {
			return err
		}
		if n != 1 || len(slugs) != 1 {
			t.Errorf("SupersedeFile = %v, %d", slugs, n)
		}
		return tx.RefreshEvidenceCounts(slugs)
	})
	if err != nil {
		t.Fatal(err)
	}
	d, _ = db.NoteDetail(ctx, "n1", false)
	if d.Note.EvidenceCount != 0 || len(d.Evidence) != 0 {
		t.Fatalf("after supersede: %+v", d)
	}
	d, _ = db.NoteDetail(ctx, "n1", true)
	if len(d.Evidence) != 1 || d.Evidence[0].SupersededAt == nil {
		t.Fatalf("history = %+v", d.Evidence)
	}
}

func TestFileState(t *testing.T) {
	db := testDB(t)
	err := db.Update(context.Background(), func(tx *Tx) error {
		if _, ok, err := tx.FileState("/a", "x.md"); err != nil || ok {
			t.Errorf("unexpected state: %v %v", ok, err)
		}
		if err := tx.PutFileState(models.FileState{Root: "/a", Path: "x.md", MtimeNS: 10, SizeBytes: 20}); err != nil {
			return err
		}
		if err := tx.PutFileState(models.FileState{Root: "/a", Path: "x.md", MtimeNS: 11, SizeBytes: 21}); err != nil {
			return err
		}
		if err := tx.PutFileState(models.FileState{Root: "/b", Path: "x.md", MtimeNS: 1, SizeBytes: 2}); err != nil {
			return err
		}
		fs, ok, err := tx.FileState("/a", "x.md")
		if err != nil || !ok || fs.MtimeNS != 11 || fs.SizeBytes != 21 {
			t.Errorf("state = %+v %v %v", fs, ok, err)
		}
		if err := tx.DeleteFileState("/a", "x.md"); err != nil {
			return err
		}
		paths, err := tx.FileStatePaths("/a")
		if err != nil {
			return err
		}
		if len(paths) != 0 {
			t.Errorf("paths under /a = %v", paths)
		}
		paths, err = tx.FileStatePaths("/b")
		if len(paths) != 1 || paths[0] != "x.md" {
			t.Errorf("paths under /b = %v", paths)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestScanLogAndMetrics(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i, full := range []bool{false, true, false} {
		out := models.ScanOutcome{ScannedAt: time.Now().UTC(), ScannedRoot: "/r", Full: full, FilesScanned: i + 1, StaleMarked: 1}
		if err := db.Update(ctx, func(tx *Tx) error { return tx.AppendScanLog(&out) }); err != nil {
			t.Fatal(err)
		}
		if out.ID == 0 {
			t.Fatal("scan log id not set")
		}
	}
	m, err := db.ScanMetrics(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Recent) != 2 || m.Recent[0].FilesScanned != 3 {
		t.Fatalf("recent = %+v", m.Recent)
	}
	if m.Aggregate.Runs != 2 || m.Aggregate.FilesScanned != 5 || m.Aggregate.FullRuns != 1 {
		t.Fatalf("aggregate = %+v", m.Aggregate)
	}
	if m.AggregateAll.Runs != 3 || m.AggregateAll.DiffRuns != 2 || m.AggregateAll.StaleMarked != 3 {
		t.Fatalf("aggregate all = %+v", m.AggregateAll)
	}
	if m.LastScanAt == nil {
		t.Fatal("last_scan_at not set")
	}
}

func TestSessionsAndRevalidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	s := models.Session{ID: "s1", Subject: "admin", Role: models.RoleAdmin, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	got, err := db.Session(ctx, "s1")
	if err != nil || got.Role != models.RoleAdmin || !got.Live(now) {
		t.Fatalf("session = %+v, %v", got, err)
	}

	pctx := principal.NewContext(ctx, principal.Principal{Role: models.RoleAdmin, SessionID: "s1"})
	if err := db.Update(pctx, func(tx *Tx) error { return tx.CreateNote("ok") }); err != nil {
		t.Fatalf("live session rejected: %v", err)
	}
	if err := db.RevokeSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	err = db.Update(pctx, func(tx *Tx) error { return tx.CreateNote("too-late") })
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("revoked session: err = %v, want ErrUnauthorized", err)
	}

	if _, err := db.Session(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing session: %v", err)
	}
	n, err := db.PruneSessions(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
}
