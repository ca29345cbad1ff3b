package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/peerfeed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

const waitTimeout = 2 * time.Second

// fakeProtocol is a wire.Protocol driven by the test
type fakeProtocol struct {
	events chan wire.Event
	errs   chan error
	opened chan feed.PublicKey

	mu      sync.Mutex
	opens   []feed.PublicKey
	openErr error
	closed  bool
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		events: make(chan wire.Event, 64),
		errs:   make(chan error, 1),
		opened: make(chan feed.PublicKey, 64),
	}
}

func (p *fakeProtocol) Events() (<-chan wire.Event, <-chan error) {
	return p.events, p.errs
}

func (p *fakeProtocol) Open(ctx context.Context, key feed.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.openErr != nil {
		return p.openErr
	}
	p.opens = append(p.opens, key)
	p.opened <- key
	return nil
}

func (p *fakeProtocol) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.errs)
		close(p.events)
	}
	return nil
}

func (p *fakeProtocol) push(ev wire.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.events <- ev
	}
}

// fail reports a decode error and ends the stream
func (p *fakeProtocol) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.errs <- err
		close(p.errs)
		close(p.events)
	}
}

func (p *fakeProtocol) setOpenErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

func (p *fakeProtocol) openCount(pk feed.PublicKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.opens {
		if k == pk {
			n++
		}
	}
	return n
}

func (p *fakeProtocol) totalOpens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opens)
}

func expectOpen(t *testing.T, p *fakeProtocol) feed.PublicKey {
	t.Helper()
	select {
	case pk := <-p.opened:
		return pk
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for open")
	}
	return feed.PublicKey{}
}

// expectOpenOf waits until pk has been opened
func expectOpenOf(t *testing.T, p *fakeProtocol, pk feed.PublicKey) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.openCount(pk) > 0
	}, waitTimeout, 5*time.Millisecond, "feed %s never opened", pk.DiscoveryKey().Short())
}

type fakeChannel struct {
	id   uint64
	dk   feed.DiscoveryKey
	once sync.Once
	done chan struct{}
}

func newFakeChannel(id uint64, dk feed.DiscoveryKey) *fakeChannel {
	return &fakeChannel{id: id, dk: dk, done: make(chan struct{})}
}

func (c *fakeChannel) ID() uint64                      { return c.id }
func (c *fakeChannel) DiscoveryKey() feed.DiscoveryKey { return c.dk }
func (c *fakeChannel) Done() <-chan struct{}           { return c.done }
func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type addPeerCall struct {
	remote  wire.RemoteKey
	channel wire.Channel
}

// recordingPeered is a peerfeed.PeeredFeed whose sub-sessions finish when released
type recordingPeered struct {
	f       feed.Feed
	added   chan addPeerCall
	release chan struct{}

	mu    sync.Mutex
	calls []addPeerCall
}

func (p *recordingPeered) Feed() feed.Feed { return p.f }

func (p *recordingPeered) AddPeer(ctx context.Context, remote wire.RemoteKey, ch wire.Channel) error {
	call := addPeerCall{remote: remote, channel: ch}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	p.added <- call
	return nil
}

func (p *recordingPeered) Stats(context.Context) []peerfeed.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make([]peerfeed.Stats, 0, len(p.calls))
	for _, c := range p.calls {
		stats = append(stats, peerfeed.Stats{Remote: c.remote, ChannelID: c.channel.ID(), Active: true})
	}
	return stats
}

func (p *recordingPeered) JoinAll(ctx context.Context) error {
	p.mu.Lock()
	pending := len(p.calls)
	p.mu.Unlock()
	if pending == 0 {
		return nil
	}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *recordingPeered) addPeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// peeredSet builds recordingPeered values and remembers them by discovery key
type peeredSet struct {
	mu      sync.Mutex
	byKey   map[feed.DiscoveryKey]*recordingPeered
	release chan struct{}
}

func newPeeredSet() *peeredSet {
	return &peeredSet{
		byKey:   make(map[feed.DiscoveryKey]*recordingPeered),
		release: make(chan struct{}),
	}
}

func (s *peeredSet) factory(f feed.Feed) peerfeed.PeeredFeed {
	p := &recordingPeered{f: f, added: make(chan addPeerCall, 16), release: s.release}
	s.mu.Lock()
	s.byKey[f.PublicKey().DiscoveryKey()] = p
	s.mu.Unlock()
	return p
}

func (s *peeredSet) get(dk feed.DiscoveryKey) *recordingPeered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[dk]
}

type testFeed struct{ pk feed.PublicKey }

func (f testFeed) PublicKey() feed.PublicKey { return f.pk }

func keyOf(b byte) feed.PublicKey {
	var pk feed.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func remoteOf(b byte) wire.RemoteKey {
	var k wire.RemoteKey
	for i := range k {
		k[i] = b
	}
	return k
}
