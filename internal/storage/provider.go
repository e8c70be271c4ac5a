// Package storage reads the working tree the cache is derived from.
package storage

import "time"

// FileInfo is what the cache needs to know about a working-tree file.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Provider gives read access to working-tree files by slash-separated path
// relative to the repository root.
type Provider interface {
	Read(path string) ([]byte, error)
	Stat(path string) (FileInfo, error)
}
