// Package testutil provides shared test helpers for source trees and ledgers.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/tagledger/internal/ledger"
)

// TestDB creates a temporary ledger database that is automatically cleaned up.
func TestDB(t testing.TB) *ledger.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "tagledger-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			os.Remove(dbFile.Name() + suffix)
		}
	})

	db, err := ledger.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestTree creates a temporary source tree holding files (slash paths to content).
func TestTree(t testing.TB, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		WriteFile(t, root, rel, body)
	}
	return root
}

// WriteFile writes body to rel under root, creating parent directories. The
// mtime is pushed forward so a rewrite is visible to diff scans even on
// coarse-grained file systems.
func WriteFile(t testing.TB, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	var prev time.Time
	if info, err := os.Stat(p); err == nil {
		prev = info.ModTime()
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if !prev.IsZero() {
		next := prev.Add(time.Second)
		if err := os.Chtimes(p, next, next); err != nil {
			t.Fatal(err)
		}
	}
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t testing.TB, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}
