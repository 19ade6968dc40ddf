package registry

import (
	"context"

	gcrname "github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/pkg/errors"

	gerrors "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/image"
)

// Remote lists tags straight from the image registry over the Docker
// registry v2 API.
type Remote struct {
	// Options are passed through to every remote call; credentials and
	// transports are configured here.
	Options []remote.Option
}

var _ Registry = &Remote{}

func (r *Remote) Tags(ctx context.Context, name image.Name) ([]string, error) {
	repo, err := gcrname.NewRepository(name.CanonicalName().String())
	if err != nil {
		return nil, errors.Wrapf(err, "constructing repository reference for %s", name)
	}
	opts := append([]remote.Option{remote.WithContext(ctx)}, r.Options...)
	tags, err := remote.List(repo, opts...)
	if err != nil {
		return nil, gerrors.NewTransient(errors.Wrapf(err, "listing tags for %s", name), "the image registry could not be reached; it will be retried next cycle")
	}
	return tags, nil
}
