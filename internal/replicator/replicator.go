package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/hub"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/registry"
	internalwire "github.com/rmacdonaldsmith/feedmesh-go/internal/wire"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/peerfeed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

var (
	// ErrReplicatorClosed is returned by operations on a closed replicator
	ErrReplicatorClosed = errors.New("replicator is closed")
	// ErrNilTransport is returned when a connection is added without a transport
	ErrNilTransport = errors.New("transport cannot be nil")
)

// Replicator implements the replicator.Replicator interface.
// It owns the feed registry and the subscriber hub, and runs one session
// goroutine per connection. Sessions share nothing else.
type Replicator struct {
	config *Config
	logger *zap.Logger

	registry   *registry.Registry
	hub        *hub.Hub[replicator.Event]
	supervisor *supervisor

	// ctx is cancelled on Close; sessions pass it to Open and AddPeer
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// Verify that Replicator implements the replicator.Replicator interface at compile time
var _ replicator.Replicator = (*Replicator)(nil)

// New creates a replicator with no feeds and no connections
func New(config *Config) (*Replicator, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	reg, err := registry.New(config.PeeredFeedFactory)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replicator{
		config:     config,
		logger:     config.Logger.With(zap.String("node", config.NodeID)),
		registry:   reg,
		hub:        hub.New[replicator.Event](),
		supervisor: newSupervisor(),
		ctx:        ctx,
		cancel:     cancel,
	}
	return r, nil
}

// Identity returns the identity presented to peers
func (r *Replicator) Identity() wire.RemoteKey {
	return r.config.Identity
}

// AddFeed registers f and announces it to every connection
func (r *Replicator) AddFeed(ctx context.Context, f feed.Feed) (feed.DiscoveryKey, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return feed.DiscoveryKey{}, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return feed.DiscoveryKey{}, ErrReplicatorClosed
	}

	dk, err := r.registry.Register(f)
	if err != nil {
		return feed.DiscoveryKey{}, err
	}
	r.hub.Emit(replicator.Event{Kind: replicator.FeedAvailable, DiscoveryKey: dk})

	r.logger.Info("feed added", zap.String("dkey", dk.Short()))
	return dk, nil
}

// AddStream wraps conn in a wire protocol and starts a session over it
func (r *Replicator) AddStream(conn io.ReadWriteCloser, initiator bool) (replicator.ConnectionID, error) {
	if conn == nil {
		return "", ErrNilTransport
	}
	if r.isClosed() {
		return "", ErrReplicatorClosed
	}

	p, err := r.config.ProtocolBuilder(conn, initiator)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("failed to create wire protocol: %w", err)
	}

	id, err := r.AddProtocol(p, initiator)
	if err != nil {
		p.Close()
		return "", err
	}
	return id, nil
}

// AddIO starts a session over a separate reader and writer
func (r *Replicator) AddIO(rd io.Reader, w io.Writer, initiator bool) (replicator.ConnectionID, error) {
	if rd == nil || w == nil {
		return "", ErrNilTransport
	}
	return r.AddStream(internalwire.JoinIO(rd, w), initiator)
}

// AddProtocol starts a session over p. The session subscribes to the hub
// before this method returns, so every feed added afterwards reaches it.
func (r *Replicator) AddProtocol(p wire.Protocol, initiator bool) (replicator.ConnectionID, error) {
	if p == nil {
		return "", ErrNilTransport
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return "", ErrReplicatorClosed
	}

	sub := r.hub.Subscribe()
	id, handle := r.supervisor.track(p, initiator)
	s := &session{
		ctx:      r.ctx,
		protocol: p,
		sub:      sub,
		registry: r.registry,
		hub:      r.hub,
		handle:   handle,
		logger:   r.logger.With(zap.String("conn", string(id)), zap.Bool("initiator", initiator)),
		opened:   make(map[feed.DiscoveryKey]struct{}),
	}

	go r.runSession(s, handle)

	r.logger.Debug("connection added", zap.String("conn", string(id)), zap.Bool("initiator", initiator))
	return id, nil
}

func (r *Replicator) runSession(s *session, handle *connHandle) {
	err := s.run()

	// Opens interrupted by Close are not failures
	if err != nil && errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		err = nil
	}
	// Log before terminate: Close returns once every handle is done
	if err != nil {
		s.logger.Error("connection terminated", zap.Error(err))
	} else {
		s.logger.Info("connection closed")
	}
	handle.terminate(err)
}

// Subscribe registers a listener for replicator events
func (r *Replicator) Subscribe() replicator.Subscription {
	return r.hub.Subscribe()
}

// Stats returns per-peer statistics for every registered feed
func (r *Replicator) Stats(ctx context.Context) ([]replicator.FeedStats, error) {
	type target struct {
		dk feed.DiscoveryKey
		pf peerfeed.PeeredFeed
	}
	var targets []target
	r.registry.ForEach(func(dk feed.DiscoveryKey, pf peerfeed.PeeredFeed) {
		targets = append(targets, target{dk: dk, pf: pf})
	})

	stats := make([]replicator.FeedStats, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			stats[i] = replicator.FeedStats{
				DiscoveryKey: t.dk,
				Peers:        t.pf.Stats(gctx),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// JoinAll waits for every registered feed's peer sub-sessions to finish.
// Connections that never opened a channel are not waited for; see WaitConnections.
func (r *Replicator) JoinAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	r.registry.ForEach(func(dk feed.DiscoveryKey, pf peerfeed.PeeredFeed) {
		g.Go(func() error {
			if err := pf.JoinAll(gctx); err != nil {
				return fmt.Errorf("join feed %s: %w", dk.Short(), err)
			}
			return nil
		})
	})
	return g.Wait()
}

// Feeds returns the registered feeds sorted by discovery key
func (r *Replicator) Feeds() []replicator.FeedInfo {
	snapshot := r.registry.Snapshot()
	feeds := make([]replicator.FeedInfo, 0, len(snapshot))
	for _, t := range snapshot {
		feeds = append(feeds, replicator.FeedInfo{DiscoveryKey: t.DiscoveryKey, PublicKey: t.PublicKey})
	}
	return feeds
}

// Connections returns the status of every connection, in the order they were added
func (r *Replicator) Connections() []replicator.ConnectionStatus {
	return r.supervisor.statuses()
}

// Connection returns the status of one connection
func (r *Replicator) Connection(id replicator.ConnectionID) (replicator.ConnectionStatus, bool) {
	return r.supervisor.status(id)
}

// WaitConnections waits until every connection added so far has terminated
func (r *Replicator) WaitConnections(ctx context.Context) error {
	return r.supervisor.wait(ctx)
}

// Health returns the aggregate health status
func (r *Replicator) Health(ctx context.Context) replicator.HealthStatus {
	counts := r.supervisor.counts()
	status := replicator.HealthStatus{
		Healthy:               !r.isClosed(),
		Feeds:                 r.registry.Len(),
		ActiveConnections:     counts.active,
		TerminatedConnections: counts.terminated,
		FailedConnections:     counts.failed,
		Subscribers:           r.hub.Len(),
	}

	if status.Healthy {
		status.Message = fmt.Sprintf("replicating %d feeds over %d connections", status.Feeds, status.ActiveConnections)
	} else {
		status.Message = "replicator is closed"
	}
	return status
}

// Close terminates every connection and peer sub-session, waiting up to
// Config.CloseTimeout for the sessions to end.
// Registered feeds are kept but no new work is accepted.
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil // Already closed, idempotent
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.supervisor.closeAll()
	r.hub.Close()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), r.config.CloseTimeout)
	defer cancel()
	if err := r.supervisor.wait(ctx); err != nil {
		r.logger.Warn("connections still running after close", zap.Duration("timeout", r.config.CloseTimeout))
		errs = append(errs, fmt.Errorf("wait for connections: %w", err))
	}

	r.registry.ForEach(func(dk feed.DiscoveryKey, pf peerfeed.PeeredFeed) {
		if c, ok := pf.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close feed %s: %w", dk.Short(), err))
			}
		}
	})

	r.logger.Info("replicator closed")
	return errors.Join(errs...)
}

func (r *Replicator) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
