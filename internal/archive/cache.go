package archive

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/metrics"
)

// Cached keeps the most recently fetched states in memory. Consecutive
// cycles overlap in their observation windows, so most fetches after the
// first cycle are hits.
type Cached struct {
	src Source

	mu    sync.Mutex
	cache *lru.Cache
}

// NewCached wraps src with an LRU of maxEntries states.
func NewCached(src Source, maxEntries int) *Cached {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cached{src: src, cache: lru.New(maxEntries)}
}

// State returns a copy of the cached state, fetching it on a miss.
// Failures are not cached.
func (c *Cached) State(ctx context.Context, t time.Time) (*field.Field, error) {
	key := t.UTC().Unix()
	c.mu.Lock()
	if v, ok := c.cache.Get(key); ok {
		c.mu.Unlock()
		metrics.StateFetches.WithLabelValues("cache", "hit").Inc()
		return v.(*field.Field).Clone(), nil
	}
	c.mu.Unlock()

	f, err := c.src.State(ctx, t)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache.Add(key, f.Clone())
	c.mu.Unlock()
	return f, nil
}
