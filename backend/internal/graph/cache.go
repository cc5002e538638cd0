package graph

import (
	"github.com/dgraph-io/ristretto"
)

// communityCache maps entity id to community id. Each store owns one.
// Only positive lookups are cached so later memberships are still found.
type communityCache struct {
	c *ristretto.Cache
}

func newCommunityCache() (*communityCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &communityCache{c: c}, nil
}

func (cc *communityCache) get(entityID string) (int64, bool) {
	v, ok := cc.c.Get(entityID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// set blocks until the write is visible to get. ristretto may still refuse
// an entry under pressure; the store falls back to a query on a miss.
func (cc *communityCache) set(entityID string, communityID int64) {
	cc.c.Set(entityID, communityID, 1)
	cc.c.Wait()
}

func (cc *communityCache) close() {
	cc.c.Close()
}
