// Package mock provides a canned-response Registry for tests.
package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	gerrors "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/image"
	"github.com/gitopsd/gitopsd/pkg/registry"
)

type Registry struct {
	mu   sync.Mutex
	tags map[image.CanonicalName][]string

	// Unreachable makes every call fail with a transient error.
	Unreachable bool
	// Calls counts Tags invocations.
	Calls int
}

var _ registry.Registry = &Registry{}

func New() *Registry {
	return &Registry{tags: map[image.CanonicalName][]string{}}
}

// SetTags replaces the tag list for a repository; tags are in discovery
// order, oldest push first.
func (r *Registry) SetTags(name image.Name, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[name.CanonicalName()] = append([]string(nil), tags...)
}

func (r *Registry) Tags(ctx context.Context, name image.Name) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	if r.Unreachable {
		return nil, gerrors.NewTransient(errors.New("registry unreachable"), "the image registry could not be reached")
	}
	tags, ok := r.tags[name.CanonicalName()]
	if !ok {
		return nil, errors.Wrap(registry.ErrNoTagData, name.String())
	}
	return append([]string(nil), tags...), nil
}
