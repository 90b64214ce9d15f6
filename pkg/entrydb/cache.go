package entrydb

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// countCache caches filtered row counts keyed by filter signature and append
// generation. Counting a selective filter over millions of rows is the most
// expensive part of a paginated read, and clients re-issue the same filter
// for every page; the generation component invalidates stale counts after
// any append without explicit eviction.
type countCache struct {
	cache *ristretto.Cache[string, int64]
}

func newCountCache() (*countCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, int64]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create count cache: %w", err)
	}
	return &countCache{cache: c}, nil
}

func (c *countCache) key(filterKey string, gen uint64) string {
	return fmt.Sprintf("%d|%s", gen, filterKey)
}

func (c *countCache) get(filterKey string, gen uint64) (int64, bool) {
	return c.cache.Get(c.key(filterKey, gen))
}

func (c *countCache) set(filterKey string, gen uint64, count int64) {
	c.cache.Set(c.key(filterKey, gen), count, 1)
}

func (c *countCache) close() {
	c.cache.Close()
}
