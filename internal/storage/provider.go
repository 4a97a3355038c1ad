// Package storage enumerates and reads candidate source files under a scan root.
package storage

import "context"

// File describes one candidate file found by a walk.
type File struct {
	Path    string // slash-separated, relative to the root
	MtimeNS int64
	Size    int64
}

// Provider is the read-only file surface the scan engine depends on.
type Provider interface {
	// Root returns the absolute root directory.
	Root() string
	// Walk calls fn for every candidate file under the root, in lexical order.
	Walk(ctx context.Context, fn func(File) error) error
	// Read returns the raw bytes of the file at path (relative to the root).
	Read(path string) ([]byte, error)
}
