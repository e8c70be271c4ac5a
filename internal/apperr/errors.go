// Package apperr holds the error taxonomy shared by every trellis package.
//
// Sentinels fall into four groups: validation (the caller's problem),
// staleness and corruption (healed by a full rebuild), resource failures
// (retryable) and invariant violations (the cache can no longer be trusted).
package apperr

import "errors"

// Validation.
var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
)

// Staleness and corruption.
var (
	ErrCorrupt     = errors.New("cache is corrupt")
	ErrStaleSchema = errors.New("cache schema version mismatch")
)

// Resource.
var (
	ErrLockTimeout = errors.New("cache is locked by another writer")
	ErrUnavailable = errors.New("version control unavailable")
)

// Fatal.
var (
	ErrRebuildFailed = errors.New("cache rebuild failed")
	ErrInvariant     = errors.New("internal invariant violated")
)

// IsRetryable reports whether err is a resource failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrUnavailable)
}

// NeedsRebuild reports whether err signals a cache that must be re-derived.
func NeedsRebuild(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrStaleSchema)
}
