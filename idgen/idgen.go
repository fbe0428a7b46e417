// Package idgen generates identifiers for captured snapshots.
//
// IDs are diagnostic only: they let an operator correlate a served frame
// (X-Snapshot-ID header) with the capture log line that produced it.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// v7 IDs sort by creation time, so two snapshot IDs compare in capture order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Snapshot is the generator used for snapshot IDs ("snap_<uuidv7>").
var Snapshot Generator = Prefixed("snap_", UUIDv7())

// New produces a snapshot ID.
func New() string {
	return Snapshot()
}
