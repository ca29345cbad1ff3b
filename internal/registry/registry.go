package registry

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/peerfeed"
)

var (
	// ErrNilFeed is returned when a nil feed is registered
	ErrNilFeed = errors.New("feed cannot be nil")
	// ErrNilFactory is returned when the registry is built without a peered feed factory
	ErrNilFactory = errors.New("peered feed factory cannot be nil")
)

// Target is a registered feed as seen by a connection session:
// the discovery key it is indexed under and the public key to open.
type Target struct {
	DiscoveryKey feed.DiscoveryKey
	PublicKey    feed.PublicKey
}

type entry struct {
	publicKey feed.PublicKey
	peered    peerfeed.PeeredFeed
}

// Registry maps discovery keys to the peered feed replicating them.
// Locks are only held for map access; callers interact with the returned
// peered feeds outside the lock. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	feeds   map[feed.DiscoveryKey]*entry
	factory peerfeed.Factory
}

// New creates an empty registry that wraps every registered feed with factory
func New(factory peerfeed.Factory) (*Registry, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	return &Registry{
		feeds:   make(map[feed.DiscoveryKey]*entry),
		factory: factory,
	}, nil
}

// Register derives the discovery key of f, wraps it in a new peered feed and
// stores it. Registering a key that is already present replaces the entry.
func (r *Registry) Register(f feed.Feed) (feed.DiscoveryKey, error) {
	if f == nil {
		return feed.DiscoveryKey{}, ErrNilFeed
	}

	pk := f.PublicKey()
	dk := pk.DiscoveryKey()

	// Construct outside the lock; factories may allocate goroutines
	e := &entry{
		publicKey: pk,
		peered:    r.factory(f),
	}

	r.mu.Lock()
	r.feeds[dk] = e
	r.mu.Unlock()

	return dk, nil
}

// Lookup returns the peered feed registered under dk
func (r *Registry) Lookup(dk feed.DiscoveryKey) (peerfeed.PeeredFeed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.feeds[dk]
	if !ok {
		return nil, false
	}
	return e.peered, true
}

// PublicKey returns the public key of the feed registered under dk
func (r *Registry) PublicKey(dk feed.DiscoveryKey) (feed.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.feeds[dk]
	if !ok {
		return feed.PublicKey{}, false
	}
	return e.publicKey, true
}

// Snapshot returns every registered feed, sorted by discovery key
func (r *Registry) Snapshot() []Target {
	r.mu.RLock()
	targets := make([]Target, 0, len(r.feeds))
	for dk, e := range r.feeds {
		targets = append(targets, Target{DiscoveryKey: dk, PublicKey: e.publicKey})
	}
	r.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool {
		return bytes.Compare(targets[i].DiscoveryKey[:], targets[j].DiscoveryKey[:]) < 0
	})
	return targets
}

// ForEach calls fn for every registered feed in discovery key order.
// The entries are copied first, so fn runs without the registry lock held
// and may block or call back into the registry.
func (r *Registry) ForEach(fn func(dk feed.DiscoveryKey, pf peerfeed.PeeredFeed)) {
	type item struct {
		dk feed.DiscoveryKey
		pf peerfeed.PeeredFeed
	}

	r.mu.RLock()
	items := make([]item, 0, len(r.feeds))
	for dk, e := range r.feeds {
		items = append(items, item{dk: dk, pf: e.peered})
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].dk[:], items[j].dk[:]) < 0
	})

	for _, it := range items {
		fn(it.dk, it.pf)
	}
}

// Len returns the number of registered feeds
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.feeds)
}
