package peerfeed

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/peerfeed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

var (
	// ErrNilChannel is returned when AddPeer is called without a channel
	ErrNilChannel = errors.New("channel cannot be nil")
	// ErrClosed is returned when adding a peer to a closed peered feed
	ErrClosed = errors.New("peered feed is closed")
)

// Session runs the replication of one feed with one remote peer.
// It must return once ch is done or ctx is cancelled.
type Session func(ctx context.Context, f feed.Feed, remote wire.RemoteKey, ch wire.Channel) error

// HoldChannel keeps the channel open until the remote closes it or ctx ends.
// No blocks are exchanged.
func HoldChannel(ctx context.Context, f feed.Feed, remote wire.RemoteKey, ch wire.Channel) error {
	select {
	case <-ch.Done():
		return nil
	case <-ctx.Done():
		ch.Close()
		return nil
	}
}

// Option configures a PeeredFeed
type Option func(*PeeredFeed)

// WithLogger sets the logger; the default discards everything
func WithLogger(logger *zap.Logger) Option {
	return func(p *PeeredFeed) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSession sets the per-peer session runner; the default is HoldChannel
func WithSession(s Session) Option {
	return func(p *PeeredFeed) {
		if s != nil {
			p.session = s
		}
	}
}

type peer struct {
	stats peerfeed.Stats
	done  chan struct{}
}

// PeeredFeed implements peerfeed.PeeredFeed.
// Each AddPeer runs its session in its own goroutine.
type PeeredFeed struct {
	feed    feed.Feed
	session Session
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peers  []*peer
	closed bool
}

var _ peerfeed.PeeredFeed = (*PeeredFeed)(nil)

// New wraps f
func New(f feed.Feed, opts ...Option) *PeeredFeed {
	ctx, cancel := context.WithCancel(context.Background())
	p := &PeeredFeed{
		feed:    f,
		session: HoldChannel,
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.Stringer("feed", f.PublicKey().DiscoveryKey()))
	return p
}

// Factory returns a peerfeed.Factory building PeeredFeeds with opts
func Factory(opts ...Option) peerfeed.Factory {
	return func(f feed.Feed) peerfeed.PeeredFeed {
		return New(f, opts...)
	}
}

// Feed returns the wrapped feed
func (p *PeeredFeed) Feed() feed.Feed {
	return p.feed
}

// AddPeer registers a sub-session with remote over ch and starts it
func (p *PeeredFeed) AddPeer(ctx context.Context, remote wire.RemoteKey, ch wire.Channel) error {
	if ch == nil {
		return ErrNilChannel
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	pr := &peer{
		stats: peerfeed.Stats{
			Remote:    remote,
			ChannelID: ch.ID(),
			StartedAt: time.Now(),
			Active:    true,
		},
		done: make(chan struct{}),
	}
	p.peers = append(p.peers, pr)
	p.mu.Unlock()

	p.logger.Debug("peer added",
		zap.String("remote", remote.Short()),
		zap.Uint64("channel", ch.ID()))

	go p.run(pr, remote, ch)
	return nil
}

func (p *PeeredFeed) run(pr *peer, remote wire.RemoteKey, ch wire.Channel) {
	defer close(pr.done)

	err := p.session(p.ctx, p.feed, remote, ch)

	p.mu.Lock()
	pr.stats.Active = false
	pr.stats.FinishedAt = time.Now()
	if err != nil {
		pr.stats.Err = err.Error()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("peer session failed", zap.String("remote", remote.Short()), zap.Error(err))
		return
	}
	p.logger.Debug("peer session finished", zap.String("remote", remote.Short()))
}

// Stats returns per-peer statistics sorted by remote key, then start time
func (p *PeeredFeed) Stats(ctx context.Context) []peerfeed.Stats {
	p.mu.Lock()
	stats := make([]peerfeed.Stats, 0, len(p.peers))
	for _, pr := range p.peers {
		stats = append(stats, pr.stats)
	}
	p.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool {
		if c := bytes.Compare(stats[i].Remote[:], stats[j].Remote[:]); c != 0 {
			return c < 0
		}
		return stats[i].StartedAt.Before(stats[j].StartedAt)
	})
	return stats
}

// JoinAll waits for every sub-session started so far to finish
func (p *PeeredFeed) JoinAll(ctx context.Context) error {
	p.mu.Lock()
	pending := make([]chan struct{}, 0, len(p.peers))
	for _, pr := range p.peers {
		pending = append(pending, pr.done)
	}
	p.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close cancels every running sub-session and waits for them to finish.
func (p *PeeredFeed) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	return p.JoinAll(context.Background())
}
