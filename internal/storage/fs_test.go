package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func tempRoot(t *testing.T, files map[string]string) *FS {
	t.Helper()
	dir := t.TempDir()
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fs, err := NewFS(dir, Filter{})
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func walked(t *testing.T, s *FS) []string {
	t.Helper()
	var out []string
	err := s.Walk(context.Background(), func(f File) error {
		out = append(out, f.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	return out
}

func TestWalkFiltersExtensionsAndExcludedDirs(t *testing.T) {
	s := tempRoot(t, map[string]string{
		"a.py":                  "x",
		"docs/b.md":             "x",
		"img.png":               "x",
		"node_modules/lib/c.js": "x",
		".git/hooks/d.py":       "x",
		"src/build/e.ts":        "x",
		"src/deep/nested/f.tsx": "x",
	})
	got := walked(t, s)
	want := []string{"a.py", "docs/b.md", "src/deep/nested/f.tsx"}
	if len(got) != len(want) {
		t.Fatalf("walked %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walked %v, want %v", got, want)
		}
	}
}

func TestWalkReportsSizeAndMtime(t *testing.T) {
	s := tempRoot(t, map[string]string{"a.md": "hello"})
	var f File
	_ = s.Walk(context.Background(), func(x File) error { f = x; return nil })
	if f.Size != 5 || f.MtimeNS == 0 {
		t.Fatalf("file = %+v", f)
	}
}

func TestWalkHonoursCancel(t *testing.T) {
	s := tempRoot(t, map[string]string{"a.md": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Walk(ctx, func(File) error { return nil }); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestCandidate(t *testing.T) {
	s := tempRoot(t, nil)
	if !s.Candidate("pkg/x.go") {
		t.Error("pkg/x.go should be a candidate")
	}
	if s.Candidate("dist/x.js") || s.Candidate("x.txt") {
		t.Error("excluded paths reported as candidates")
	}
}

func TestRead(t *testing.T) {
	s := tempRoot(t, map[string]string{"a/b.md": "deep"})
	got, err := s.Read("a/b.md")
	if err != nil || string(got) != "deep" {
		t.Fatalf("Read = %q, %v", got, err)
	}
}

func TestPathTraversal(t *testing.T) {
	s := tempRoot(t, nil)
	for _, p := range []string{"../../etc/passwd", "/etc/passwd"} {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestNewFSRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.md")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFS(f, Filter{}); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}
