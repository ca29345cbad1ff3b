package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/peerfeed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

type testFeed struct {
	pk feed.PublicKey
}

func (f testFeed) PublicKey() feed.PublicKey { return f.pk }

type testPeered struct {
	f feed.Feed
}

func (p *testPeered) Feed() feed.Feed { return p.f }
func (p *testPeered) AddPeer(context.Context, wire.RemoteKey, wire.Channel) error {
	return nil
}
func (p *testPeered) Stats(context.Context) []peerfeed.Stats { return nil }
func (p *testPeered) JoinAll(context.Context) error          { return nil }

func keyOf(b byte) feed.PublicKey {
	var pk feed.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func newTestRegistry(t *testing.T) (*Registry, *int) {
	t.Helper()
	created := 0
	var mu sync.Mutex
	r, err := New(func(f feed.Feed) peerfeed.PeeredFeed {
		mu.Lock()
		created++
		mu.Unlock()
		return &testPeered{f: f}
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, &created
}

func TestNew_NilFactory(t *testing.T) {
	_, err := New(nil)
	if !errors.Is(err, ErrNilFactory) {
		t.Errorf("Expected ErrNilFactory, got %v", err)
	}
}

func TestRegistry_RegisterDerivesDiscoveryKey(t *testing.T) {
	r, created := newTestRegistry(t)

	pk := keyOf(1)
	dk, err := r.Register(testFeed{pk: pk})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if dk != feed.DiscoveryKeyOf(pk) {
		t.Errorf("Expected discovery key %s, got %s", feed.DiscoveryKeyOf(pk), dk)
	}
	if *created != 1 {
		t.Errorf("Expected factory to run once, ran %d times", *created)
	}

	pf, ok := r.Lookup(dk)
	if !ok {
		t.Fatal("Expected registered feed to be found")
	}
	if pf.Feed().PublicKey() != pk {
		t.Error("Lookup returned the wrong feed")
	}

	gotPK, ok := r.PublicKey(dk)
	if !ok || gotPK != pk {
		t.Errorf("Expected public key %s, got %s (found=%v)", pk, gotPK, ok)
	}
}

func TestRegistry_RegisterNil(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Register(nil); !errors.Is(err, ErrNilFeed) {
		t.Errorf("Expected ErrNilFeed, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d entries", r.Len())
	}
}

func TestRegistry_DistinctKeysDistinctEntries(t *testing.T) {
	r, _ := newTestRegistry(t)

	dkA, _ := r.Register(testFeed{pk: keyOf(1)})
	dkB, _ := r.Register(testFeed{pk: keyOf(2)})

	if dkA == dkB {
		t.Fatal("Expected distinct discovery keys")
	}
	if r.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", r.Len())
	}
}

func TestRegistry_ReRegisterReplacesEntry(t *testing.T) {
	r, created := newTestRegistry(t)
	pk := keyOf(3)

	dk1, _ := r.Register(testFeed{pk: pk})
	first, _ := r.Lookup(dk1)
	dk2, _ := r.Register(testFeed{pk: pk})
	second, _ := r.Lookup(dk2)

	if dk1 != dk2 {
		t.Error("Expected same discovery key for same public key")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", r.Len())
	}
	if *created != 2 {
		t.Errorf("Expected a fresh peered feed per registration, got %d", *created)
	}
	if first == second {
		t.Error("Expected last registration to win")
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, ok := r.Lookup(feed.DiscoveryKey{}); ok {
		t.Error("Expected unknown discovery key to be missing")
	}
	if _, ok := r.PublicKey(feed.DiscoveryKey{}); ok {
		t.Error("Expected unknown discovery key to have no public key")
	}
}

func TestRegistry_SnapshotIsSortedCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := byte(1); i <= 5; i++ {
		r.Register(testFeed{pk: keyOf(i)})
	}

	snap := r.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("Expected 5 targets, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].DiscoveryKey.String() >= snap[i].DiscoveryKey.String() {
			t.Errorf("Snapshot not sorted at index %d", i)
		}
	}
	for _, target := range snap {
		if target.PublicKey.DiscoveryKey() != target.DiscoveryKey {
			t.Errorf("Target %s has mismatched public key", target.DiscoveryKey)
		}
	}

	// Registering after the snapshot must not change it
	r.Register(testFeed{pk: keyOf(9)})
	if len(snap) != 5 {
		t.Error("Snapshot changed after a later registration")
	}
}

func TestRegistry_ForEachRunsOutsideLock(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(testFeed{pk: keyOf(1)})
	r.Register(testFeed{pk: keyOf(2)})

	visited := 0
	r.ForEach(func(dk feed.DiscoveryKey, pf peerfeed.PeeredFeed) {
		visited++
		// Would deadlock if the write lock were contended by a held read lock
		r.Register(testFeed{pk: keyOf(byte(10 + visited))})
	})
	if visited != 2 {
		t.Errorf("Expected 2 visits, got %d", visited)
	}
	if r.Len() != 4 {
		t.Errorf("Expected 4 entries, got %d", r.Len())
	}
}

func TestRegistry_ForEachVisitsInKeyOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, b := range []byte{7, 3, 5} {
		r.Register(testFeed{pk: keyOf(b)})
	}

	var visited []feed.DiscoveryKey
	r.ForEach(func(dk feed.DiscoveryKey, pf peerfeed.PeeredFeed) {
		visited = append(visited, dk)
	})
	if len(visited) != 3 {
		t.Fatalf("Expected 3 visits, got %d", len(visited))
	}
	for i, target := range r.Snapshot() {
		if visited[i] != target.DiscoveryKey {
			t.Errorf("Visit %d out of order", i)
		}
	}
}

func TestRegistry_ConcurrentRegisterAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(b byte) {
			defer wg.Done()
			r.Register(testFeed{pk: keyOf(b)})
		}(byte(i))
		go func(b byte) {
			defer wg.Done()
			r.Lookup(keyOf(b).DiscoveryKey())
			r.Snapshot()
		}(byte(i))
	}
	wg.Wait()

	if r.Len() != 50 {
		t.Errorf("Expected 50 entries, got %d", r.Len())
	}
}
