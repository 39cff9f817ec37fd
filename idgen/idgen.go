// Package idgen produces the identifiers used across pinwatch.
//
// Watch task ids double as recurring-trigger keys, so they must stay stable
// once allocated and must never collide with another task in the same store.
// Capture sessions only live in memory and get shorter ids.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator of lower-case base-36 ids of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every id produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the fallback generator for ids that have no dedicated prefix.
var Default Generator = UUIDv7()

// TaskID generates watch task (and trigger) ids, e.g. "wt_0193...".
var TaskID Generator = Prefixed("wt_", UUIDv7())

// SessionID generates capture session ids, e.g. "cs_k3j9x0a1b2c3".
var SessionID Generator = Prefixed("cs_", NanoID(12))

// New produces an id using Default.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
