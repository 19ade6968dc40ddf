// Package registry answers one question: which tags exist for an image
// repository, in the order they were discovered (oldest push first).
package registry

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gitopsd/gitopsd/pkg/image"
)

var ErrNoTagData = errors.New("tag data not available")

// Registry lists the tags of image repositories.
type Registry interface {
	// Tags returns the repository's tags in discovery order. An
	// unreachable registry is a transient condition: callers log it and
	// try again next cycle.
	Tags(ctx context.Context, name image.Name) ([]string, error)
}
