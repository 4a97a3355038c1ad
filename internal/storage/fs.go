package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExtensions are the file suffixes scanned when none are configured.
var DefaultExtensions = []string{".py", ".md", ".ts", ".tsx", ".js", ".jsx", ".go"}

// DefaultExcludeDirs are directory names never descended into.
var DefaultExcludeDirs = []string{
	".git", ".venv", "venv", "__pycache__", ".pytest_cache", ".mypy_cache",
	".ruff_cache", "node_modules", "dist", "build",
}

// Filter selects candidate files.
type Filter struct {
	Extensions  []string
	ExcludeDirs []string
}

var _ Provider = (*FS)(nil)

// FS implements Provider backed by the local file system.
type FS struct {
	root    string // absolute path to the scan root
	exts    map[string]struct{}
	exclude map[string]struct{}
}

// NewFS creates a provider rooted at root. The directory must already exist.
// Empty filter fields fall back to the defaults.
func NewFS(root string, f Filter) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	if len(f.Extensions) == 0 {
		f.Extensions = DefaultExtensions
	}
	if len(f.ExcludeDirs) == 0 {
		f.ExcludeDirs = DefaultExcludeDirs
	}
	return &FS{root: abs, exts: toSet(f.Extensions), exclude: toSet(f.ExcludeDirs)}, nil
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// Candidate reports whether the slash-separated relative path would be
// walked: matching extension and no excluded directory component.
func (f *FS) Candidate(rel string) bool {
	if _, ok := f.exts[filepath.Ext(rel)]; !ok {
		return false
	}
	parts := strings.Split(rel, "/")
	for _, dir := range parts[:len(parts)-1] {
		if _, skip := f.exclude[dir]; skip {
			return false
		}
	}
	return true
}

// Excluded reports whether a directory with this base name is skipped.
func (f *FS) Excluded(name string) bool {
	_, ok := f.exclude[name]
	return ok
}

// Walk streams candidate files to fn. Unreadable directories are logged and
// skipped. Symlinks are not followed.
func (f *FS) Walk(ctx context.Context, fn func(File) error) error {
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if p == f.root {
				return walkErr
			}
			slog.Warn("storage: walk skipped entry", slog.String("path", p), slog.String("error", walkErr.Error()))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != f.root && f.Excluded(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := f.exts[filepath.Ext(d.Name())]; !ok {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		return fn(File{Path: filepath.ToSlash(rel), MtimeNS: info.ModTime().UnixNano(), Size: info.Size()})
	})
	if err != nil {
		return fmt.Errorf("storage: walk: %w", err)
	}
	return nil
}

// safePath resolves a relative path against the root and rejects any result
// that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return abs, nil
}

// Read returns the raw bytes of a file under the root.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}
