package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/tagledger/internal/apperr"
)

// MaxRootLen bounds a caller-supplied root path.
const MaxRootLen = 4096

// rootMarkers identify a project root when no root is configured.
var rootMarkers = []string{".git", "go.mod", "pyproject.toml", "requirements.txt"}

const maxMarkerDepth = 10

// RootPolicy decides which directory a scan walks.
type RootPolicy struct {
	// Configured is the server-side root; empty means auto-detect.
	Configured string
	// AllowRequested lets callers pick the root. Off in the hardened posture.
	AllowRequested bool
}

// Resolve returns the absolute, symlink-free root to scan. The requested
// root is used only when the policy allows it; otherwise the configured
// root, then the nearest ancestor of the working directory carrying a
// project marker, then the working directory itself.
func (p RootPolicy) Resolve(requested string) (string, error) {
	candidate := ""
	switch {
	case p.AllowRequested && strings.TrimSpace(requested) != "":
		candidate = strings.TrimSpace(requested)
	case p.Configured != "":
		candidate = p.Configured
	default:
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("scan: working directory: %w", err)
		}
		candidate = detectProjectRoot(wd)
	}
	return validateRoot(candidate)
}

func validateRoot(root string) (string, error) {
	if len(root) > MaxRootLen || strings.ContainsRune(root, 0) {
		return "", fmt.Errorf("scan: root: %w", apperr.ErrInvalid)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("scan: root %q: %w", root, apperr.ErrInvalid)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("scan: invalid root %q: %w", abs, apperr.ErrInvalid)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("scan: invalid root %q: %w", abs, apperr.ErrInvalid)
	}
	return resolved, nil
}

func detectProjectRoot(start string) string {
	dir := start
	for i := 0; i < maxMarkerDepth; i++ {
		for _, m := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return start
}
