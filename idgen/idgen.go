// Package idgen generates identifiers for cache rows, ledger attempts and
// structure records. Stores take a Generator so tests can pin IDs.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// They sort by creation time, which keeps ledger pages in insertion order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed tags IDs with their kind ("att_", "cache_") so a bare ID in a
// log line says which table it belongs to.
func Prefixed(prefix string, gen Generator) Generator {
	if prefix == "" {
		return gen
	}
	return func() string { return prefix + gen() }
}

// Sequence returns a deterministic Generator: prefix1, prefix2, ...
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is the generator stores fall back to when none is injected.
var Default Generator = UUIDv7()
