// Package checksum provides the content hashes stored in the cache.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// String is Sum for text.
func String(s string) string {
	return Sum([]byte(s))
}
