package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/gitopsd/gitopsd/pkg/image"
)

const defaultCacheExpiry = 5 * time.Minute

// TagCache stores tag lists keyed by canonical image name.
type TagCache interface {
	GetTags(name image.CanonicalName) ([]string, bool)
	SetTags(name image.CanonicalName, tags []string)
}

// Cached decorates a Registry with a TagCache. A cache hit avoids the
// network entirely; a miss populates the cache. A stale-but-present
// entry is preferred over failing when the upstream registry errors,
// since promotion against slightly old data only delays an update by
// one cycle.
type Cached struct {
	Registry Registry
	Cache    TagCache
	Logger   log.Logger
}

var _ Registry = &Cached{}

// staleReader is implemented by caches that keep entries past their
// expiry and can hand them back as a fallback.
type staleReader interface {
	GetStaleTags(name image.CanonicalName) ([]string, bool)
}

func (c *Cached) Tags(ctx context.Context, name image.Name) ([]string, error) {
	canonical := name.CanonicalName()
	if tags, ok := c.Cache.GetTags(canonical); ok {
		return tags, nil
	}
	tags, err := c.Registry.Tags(ctx, name)
	if err != nil {
		if stale, ok := c.Cache.(staleReader); ok {
			if tags, ok := stale.GetStaleTags(canonical); ok {
				if c.Logger != nil {
					c.Logger.Log("warning", "serving stale tags; upstream registry failed", "image", canonical.String(), "err", err)
				}
				return tags, nil
			}
		}
		return nil, err
	}
	c.Cache.SetTags(canonical, tags)
	return tags, nil
}

// memTagCache is a process-local TagCache with expiry.
type memTagCache struct {
	mu     sync.Mutex
	expiry time.Duration
	now    func() time.Time
	items  map[image.CanonicalName]memTagEntry
}

type memTagEntry struct {
	tags     []string
	deadline time.Time
}

func NewMemTagCache(expiry time.Duration) TagCache {
	if expiry <= 0 {
		expiry = defaultCacheExpiry
	}
	return &memTagCache{
		expiry: expiry,
		now:    time.Now,
		items:  map[image.CanonicalName]memTagEntry{},
	}
}

func (c *memTagCache) GetTags(name image.CanonicalName) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[name]
	if !ok || c.now().After(e.deadline) {
		return nil, false
	}
	return append([]string(nil), e.tags...), true
}

// GetStaleTags returns the entry even past its expiry. Expired entries
// are kept around for exactly this: an upstream outage should not leave
// promotion blind when slightly old data is at hand.
func (c *memTagCache) GetStaleTags(name image.CanonicalName) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), e.tags...), true
}

func (c *memTagCache) SetTags(name image.CanonicalName, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[name] = memTagEntry{
		tags:     append([]string(nil), tags...),
		deadline: c.now().Add(c.expiry),
	}
}

// MemcachedTagCache shares tag lists between instances via memcached.
// Failures are soft: a memcached outage degrades to uncached reads.
type MemcachedTagCache struct {
	Client *memcache.Client
	Expiry time.Duration
	Logger log.Logger
}

func NewMemcachedTagCache(hosts []string, expiry time.Duration, logger log.Logger) *MemcachedTagCache {
	if expiry <= 0 {
		expiry = defaultCacheExpiry
	}
	return &MemcachedTagCache{
		Client: memcache.New(hosts...),
		Expiry: expiry,
		Logger: logger,
	}
}

func (c *MemcachedTagCache) GetTags(name image.CanonicalName) ([]string, bool) {
	item, err := c.Client.Get(memcacheKey(name))
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			c.Logger.Log("warning", "memcached get failed", "err", err)
		}
		return nil, false
	}
	var tags []string
	if err := json.Unmarshal(item.Value, &tags); err != nil {
		c.Logger.Log("warning", "corrupt memcached entry", "err", err)
		return nil, false
	}
	return tags, true
}

func (c *MemcachedTagCache) SetTags(name image.CanonicalName, tags []string) {
	value, err := json.Marshal(tags)
	if err != nil {
		return
	}
	err = c.Client.Set(&memcache.Item{
		Key:        memcacheKey(name),
		Value:      value,
		Expiration: int32(c.Expiry.Seconds()),
	})
	if err != nil {
		c.Logger.Log("warning", "memcached set failed", "err", err)
	}
}

// memcached keys may not contain spaces or exceed 250 bytes; hashing
// sidesteps both limits.
func memcacheKey(name image.CanonicalName) string {
	sum := sha256.Sum256([]byte("tags:" + name.String()))
	return "gitopsd:" + hex.EncodeToString(sum[:])
}
