package store

import (
	"context"
	"errors"
	"strings"
)

// Store is the replicated graph store the rest of the system is built on.
// It is consumed, never implemented here in full: an eventually-consistent,
// last-writer-wins keyed store with live propagation between peers. Adapters
// under store/ bind it to concrete backends; tests use the in-memory one.
type Store interface {
	Get(path ...string) Node
}

// Node is a handle to one key in the graph.
//
// On delivers subsequent changes only, in the order the local store applies
// them (no cross-peer ordering guarantee); callers that need the current
// value read it with Once first. Once may return a stale value.
type Node interface {
	Path() []string
	// Put upserts the node's value; nil writes a tombstone.
	Put(ctx context.Context, value *string) error
	// Once is a one-shot read of the current (possibly stale) value.
	// A missing or tombstoned node yields nil with no error.
	Once(ctx context.Context) (*string, error)
	// On subscribes to changes. The returned function unsubscribes;
	// it is safe to call more than once.
	On(cb func(value *string)) (unsubscribe func())
	// Map enumerates the node's direct children, invoking cb with each
	// child key and its scalar value (nil for branch-only children).
	Map(ctx context.Context, cb func(key string, value *string)) error
}

// Replica is implemented by adapters that expose their last-writer-wins
// merge directly, so a peering layer can apply remote writes with the
// originating state instead of minting a new one.
type Replica interface {
	Store
	// Merge applies a write carrying an explicit state. It reports whether
	// the write won (newer state) and was applied.
	Merge(ctx context.Context, path []string, value *string, state int64) (bool, error)
	// State returns the stored state for a path, 0 if absent.
	State(ctx context.Context, path []string) (int64, error)
}

var (
	ErrClosed      = errors.New("store is closed")
	ErrEmptyPath   = errors.New("empty node path")
	ErrUnavailable = errors.New("store unavailable")
)

// Val returns a pointer to s, the non-tombstone form a Put expects.
func Val(s string) *string {
	return &s
}

// JoinPath flattens a node path to its canonical string form. Path segments
// never contain the separator by construction (aliases and public keys are
// base64, document ids base36).
func JoinPath(path []string) string {
	return strings.Join(path, "/")
}
