package feedlog

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
)

// Catalog holds the in-memory feeds a node owns or mirrors, keyed by discovery key.
// It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	feeds map[feed.DiscoveryKey]*InMemoryFeed
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{feeds: make(map[feed.DiscoveryKey]*InMemoryFeed)}
}

// Create generates a new writable feed and stores it
func (c *Catalog) Create() (*InMemoryFeed, error) {
	f, err := NewInMemoryFeed()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.feeds[f.PublicKey().DiscoveryKey()] = f
	c.mu.Unlock()
	return f, nil
}

// CreateFromSeed stores the writable feed derived from seed. If that feed is
// already present it is returned unchanged.
func (c *Catalog) CreateFromSeed(seed []byte) (*InMemoryFeed, error) {
	f, err := NewInMemoryFeedFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return c.store(f), nil
}

// Replica returns the feed for pk, creating a read-only replica if the
// catalog does not hold one yet
func (c *Catalog) Replica(pk feed.PublicKey) *InMemoryFeed {
	return c.store(NewReplicaFeed(pk))
}

func (c *Catalog) store(f *InMemoryFeed) *InMemoryFeed {
	dk := f.PublicKey().DiscoveryKey()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.feeds[dk]; ok {
		return existing
	}
	c.feeds[dk] = f
	return f
}

// Get returns the feed with the given discovery key
func (c *Catalog) Get(dk feed.DiscoveryKey) (*InMemoryFeed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.feeds[dk]
	return f, ok
}

// List returns every feed sorted by discovery key
func (c *Catalog) List() []*InMemoryFeed {
	c.mu.RLock()
	feeds := make([]*InMemoryFeed, 0, len(c.feeds))
	for _, f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.mu.RUnlock()

	sort.Slice(feeds, func(i, j int) bool {
		a, b := feeds[i].PublicKey().DiscoveryKey(), feeds[j].PublicKey().DiscoveryKey()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return feeds
}

// Len returns the number of feeds
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.feeds)
}

// Close closes every feed and empties the catalog
func (c *Catalog) Close() error {
	c.mu.Lock()
	feeds := c.feeds
	c.feeds = make(map[feed.DiscoveryKey]*InMemoryFeed)
	c.mu.Unlock()

	var errs []error
	for _, f := range feeds {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
