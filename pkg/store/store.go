// Package store is the desired-state source of truth: a versioned tree
// of chart and overlay files. It is the only place intent is written.
// The reconciler reads from it, and the promotion agent commits to it,
// but neither ever expresses intent against the cluster directly.
package store

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrStaleBase is returned by Commit when the base ref is no longer
	// the head; the caller should re-read and retry against the latest
	// revision, never overwrite.
	ErrStaleBase = errors.New("commit base is not the current head")

	ErrFileNotFound = errors.New("no such file in tree")
)

// Ref names a revision of the store. Refs are opaque; only equality is
// meaningful to callers.
type Ref string

// Tree is a read-only snapshot of the store at some revision.
type Tree interface {
	// Read returns the content of the file at path, or ErrFileNotFound.
	Read(path string) ([]byte, error)
	// Paths lists all file paths in the snapshot, sorted.
	Paths() ([]string, error)
}

// Update replaces the content of one file in a commit.
type Update struct {
	Path string
	Data []byte
}

// Store is a versioned file tree with optimistic concurrency: commits
// are made against a base ref and fail with ErrStaleBase if the head
// has moved, so concurrent writers never lose each other's changes.
type Store interface {
	// Head returns the current revision.
	Head(ctx context.Context) (Ref, error)
	// Checkout returns a snapshot of the given revision.
	Checkout(ctx context.Context, ref Ref) (Tree, error)
	// Commit atomically applies the updates on top of base and returns
	// the new head. All updates land in a single revision.
	Commit(ctx context.Context, base Ref, message string, updates ...Update) (Ref, error)
	// Notify returns a channel that receives (with best effort
	// coalescing) whenever the head may have moved.
	Notify() <-chan struct{}
}
