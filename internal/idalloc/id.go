// Package idalloc mints document identifiers of the form
// <prefix><counter><token>. The counter is per contributor and lives in the
// cache; the token identifies the contributor and lives in a small file
// outside the cache, so identifiers stay unique after the cache is deleted.
package idalloc

import (
	"fmt"
	"strings"

	"github.com/starford/trellis/internal/apperr"
)

// Alphabet is the 32-symbol set used for counters and tokens. It leaves out
// 0, 1, 8 and 9, which read too much like O, I, B and g.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// InitialCounter is the first counter handed to a new contributor.
const InitialCounter uint64 = 50

const minCounterWidth = 2

// EncodeCounter renders n in Alphabet, at least two symbols wide.
func EncodeCounter(n uint64) string {
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = Alphabet[n%32]
		n /= 32
	}
	for len(buf)-i < minCounterWidth {
		i--
		buf[i] = Alphabet[0]
	}
	return string(buf[i:])
}

// DecodeCounter parses a counter rendered by EncodeCounter.
func DecodeCounter(s string) (uint64, error) {
	if len(s) < minCounterWidth || len(s) > 13 {
		return 0, fmt.Errorf("idalloc: counter %q has bad width: %w", s, apperr.ErrInvalid)
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		v := strings.IndexByte(Alphabet, s[i])
		if v < 0 {
			return 0, fmt.Errorf("idalloc: counter %q: symbol %q outside alphabet: %w", s, s[i], apperr.ErrInvalid)
		}
		n = n*32 + uint64(v)
	}
	return n, nil
}

// Format builds an identifier.
func Format(prefix string, counter uint64, token string) string {
	return prefix + EncodeCounter(counter) + token
}

// CounterOf extracts the counter of id when it was minted with prefix and
// token. ok is false for ids that belong to someone else.
func CounterOf(id, prefix, token string) (counter uint64, ok bool) {
	if token == "" || !strings.HasPrefix(id, prefix) || !strings.HasSuffix(id, token) {
		return 0, false
	}
	mid := id[len(prefix) : len(id)-len(token)]
	n, err := DecodeCounter(mid)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Valid reports whether id is prefix followed only by Alphabet symbols and
// is long enough to hold a counter and the shortest token.
func Valid(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) || len(id) < len(prefix)+minCounterWidth+minTokenLen {
		return false
	}
	for i := len(prefix); i < len(id); i++ {
		if strings.IndexByte(Alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}
