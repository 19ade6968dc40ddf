package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// InMem is a Store held entirely in memory. It keeps every revision, so
// old checkouts stay readable. Used in tests, and usable as a seedable
// fixture store.
type InMem struct {
	mu        sync.RWMutex
	revisions []memTree // revisions[len-1] is head
	refs      map[Ref]int
	notify    chan struct{}

	// Unreachable simulates a desired-state source outage; all
	// operations fail with a transient error while it is set.
	Unreachable bool
}

type memTree map[string][]byte

// NewInMem creates a store whose first revision holds the given files.
func NewInMem(files map[string][]byte) *InMem {
	initial := memTree{}
	for p, data := range files {
		initial[p] = append([]byte(nil), data...)
	}
	s := &InMem{
		revisions: []memTree{initial},
		refs:      map[Ref]int{},
		notify:    make(chan struct{}, 1),
	}
	s.refs[s.refAt(0)] = 0
	return s
}

func (s *InMem) refAt(i int) Ref {
	return Ref(fmt.Sprintf("rev-%d", i))
}

func (s *InMem) Head(ctx context.Context) (Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Unreachable {
		return "", errors.New("desired-state source unreachable")
	}
	return s.refAt(len(s.revisions) - 1), nil
}

func (s *InMem) Checkout(ctx context.Context, ref Ref) (Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Unreachable {
		return nil, errors.New("desired-state source unreachable")
	}
	i, ok := s.refs[ref]
	if !ok {
		return nil, errors.Errorf("unknown revision %q", ref)
	}
	return snapshot(s.revisions[i]), nil
}

func (s *InMem) Commit(ctx context.Context, base Ref, message string, updates ...Update) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unreachable {
		return "", errors.New("desired-state source unreachable")
	}
	head := len(s.revisions) - 1
	if i, ok := s.refs[base]; !ok || i != head {
		return "", errors.Wrapf(ErrStaleBase, "base %q", base)
	}
	next := memTree{}
	for p, data := range s.revisions[head] {
		next[p] = data
	}
	for _, u := range updates {
		next[u.Path] = append([]byte(nil), u.Data...)
	}
	s.revisions = append(s.revisions, next)
	ref := s.refAt(head + 1)
	s.refs[ref] = head + 1

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return ref, nil
}

func (s *InMem) Notify() <-chan struct{} {
	return s.notify
}

type snapshot memTree

func (t snapshot) Read(path string) ([]byte, error) {
	data, ok := t[path]
	if !ok {
		return nil, errors.Wrap(ErrFileNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (t snapshot) Paths() ([]string, error) {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
