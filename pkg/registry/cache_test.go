package registry

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitopsd/gitopsd/pkg/image"
)

type countingRegistry struct {
	tags  []string
	calls int
}

func (c *countingRegistry) Tags(ctx context.Context, name image.Name) ([]string, error) {
	c.calls++
	return c.tags, nil
}

func TestCachedRegistryHitsOnce(t *testing.T) {
	upstream := &countingRegistry{tags: []string{"1.2.0", "1.3.0"}}
	cached := &Cached{Registry: upstream, Cache: NewMemTagCache(time.Minute)}
	name, err := image.ParseName("example/vote")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tags, err := cached.Tags(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, []string{"1.2.0", "1.3.0"}, tags)
	}
	assert.Equal(t, 1, upstream.calls)
}

type failingRegistry struct {
	calls int
}

func (f *failingRegistry) Tags(ctx context.Context, name image.Name) ([]string, error) {
	f.calls++
	return nil, errors.New("registry unreachable")
}

func TestCachedServesStaleOnUpstreamError(t *testing.T) {
	now := time.Now()
	cache := NewMemTagCache(time.Minute).(*memTagCache)
	cache.now = func() time.Time { return now }

	upstream := &failingRegistry{}
	cached := &Cached{Registry: upstream, Cache: cache, Logger: log.NewNopLogger()}
	name, err := image.ParseName("example/vote")
	require.NoError(t, err)

	// An empty cache has nothing to fall back on.
	_, err = cached.Tags(context.Background(), name)
	assert.Error(t, err)

	// An expired entry is better than an upstream error.
	cache.SetTags(name.CanonicalName(), []string{"1.2.0", "1.3.0"})
	now = now.Add(2 * time.Minute)

	tags, err := cached.Tags(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.0", "1.3.0"}, tags)
	assert.Equal(t, 2, upstream.calls)
}

func TestMemTagCacheExpiry(t *testing.T) {
	now := time.Now()
	cache := NewMemTagCache(time.Minute).(*memTagCache)
	cache.now = func() time.Time { return now }

	name, _ := image.ParseName("example/vote")
	cache.SetTags(name.CanonicalName(), []string{"1.0.0"})

	_, ok := cache.GetTags(name.CanonicalName())
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.GetTags(name.CanonicalName())
	assert.False(t, ok)
}

func TestMemTagCacheCopies(t *testing.T) {
	cache := NewMemTagCache(time.Minute)
	name, _ := image.ParseName("example/vote")
	tags := []string{"1.0.0"}
	cache.SetTags(name.CanonicalName(), tags)
	tags[0] = "mutated"

	got, ok := cache.GetTags(name.CanonicalName())
	require.True(t, ok)
	assert.Equal(t, []string{"1.0.0"}, got)
}

func TestRateLimitedPassesThrough(t *testing.T) {
	upstream := &countingRegistry{tags: []string{"1.2.0"}}
	limited := NewRateLimited(upstream, 100, 1)
	name, _ := image.ParseName("example/vote")

	tags, err := limited.Tags(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.0"}, tags)
}

func TestRateLimitedHonoursContext(t *testing.T) {
	upstream := &countingRegistry{tags: []string{"1.2.0"}}
	// Tiny rate with an exhausted burst: the second call must wait, and
	// a canceled context should abort the wait.
	limited := NewRateLimited(upstream, 0.001, 1)
	name, _ := image.ParseName("example/vote")

	_, err := limited.Tags(context.Background(), name)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Tags(ctx, name)
	assert.Error(t, err)
	assert.Equal(t, 1, upstream.calls)
}
