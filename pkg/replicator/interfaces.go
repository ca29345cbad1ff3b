package replicator

import (
	"context"
	"io"
	"time"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/peerfeed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

// EventKind identifies the type of a replicator Event
type EventKind int

const (
	// FeedAvailable is emitted when a feed was just registered
	FeedAvailable EventKind = iota

	// UnknownFeedRequested is emitted when a peer asked for a feed this node does not have
	UnknownFeedRequested
)

func (k EventKind) String() string {
	switch k {
	case FeedAvailable:
		return "FeedAvailable"
	case UnknownFeedRequested:
		return "UnknownFeedRequested"
	default:
		return "Unknown"
	}
}

// Event is a broadcast value; consumers decide what to do with it
type Event struct {
	Kind         EventKind
	DiscoveryKey feed.DiscoveryKey
}

// Subscription receives every Event emitted after it was created
type Subscription interface {
	// C returns the delivery channel. It is closed after Close.
	C() <-chan Event

	// Close unsubscribes; pending events are discarded
	Close()
}

// ConnectionState is the state of one connection session
type ConnectionState int

const (
	AwaitingHandshake ConnectionState = iota
	Active
	Terminated
)

func (s ConnectionState) String() string {
	switch s {
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case Active:
		return "Active"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ConnectionID identifies one connection session
type ConnectionID string

// ConnectionStatus is a point-in-time view of one connection session
type ConnectionStatus struct {
	ID        ConnectionID
	Initiator bool
	State     ConnectionState
	Remote    *wire.RemoteKey
	Opened    int
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

// FeedStats pairs a registered feed with its per-peer statistics
type FeedStats struct {
	DiscoveryKey feed.DiscoveryKey
	Peers        []peerfeed.Stats
}

// FeedInfo describes one registered feed
type FeedInfo struct {
	DiscoveryKey feed.DiscoveryKey
	PublicKey    feed.PublicKey
}

// HealthStatus represents the overall health of a replicator
type HealthStatus struct {
	// Healthy indicates the replicator accepts feeds and connections
	Healthy bool

	// Feeds is the number of registered feeds
	Feeds int

	// ActiveConnections counts sessions that are not terminated
	ActiveConnections int

	// TerminatedConnections counts sessions that ended without error
	TerminatedConnections int

	// FailedConnections counts sessions that ended with an error
	FailedConnections int

	// Subscribers is the number of live hub subscriptions
	Subscribers int

	// Message provides additional health information
	Message string
}

// Replicator replicates a set of feeds over a set of connections
type Replicator interface {
	io.Closer

	// Identity returns the key this node presents in handshakes
	Identity() wire.RemoteKey

	// AddFeed registers a feed and announces it to every connected peer.
	AddFeed(ctx context.Context, f feed.Feed) (feed.DiscoveryKey, error)

	// AddStream starts a session over a transport. It returns immediately;
	// session failures are observable only through Connections and Health.
	AddStream(conn io.ReadWriteCloser, initiator bool) (ConnectionID, error)

	// AddIO starts a session over a separate reader and writer.
	AddIO(r io.Reader, w io.Writer, initiator bool) (ConnectionID, error)

	// AddProtocol starts a session over an already constructed wire protocol.
	AddProtocol(p wire.Protocol, initiator bool) (ConnectionID, error)

	// Subscribe registers a listener for replicator events.
	Subscribe() Subscription

	// Stats returns per-peer statistics for every registered feed.
	Stats(ctx context.Context) ([]FeedStats, error)

	// JoinAll waits until every registered feed's peer sessions have finished.
	// Connection sessions that never opened a channel are not waited for.
	JoinAll(ctx context.Context) error

	// Feeds returns the registered feeds
	Feeds() []FeedInfo

	// Connections returns the status of every connection session
	Connections() []ConnectionStatus

	// Connection returns the status of one connection session
	Connection(id ConnectionID) (ConnectionStatus, bool)

	// WaitConnections waits until every connection session has terminated
	WaitConnections(ctx context.Context) error

	// Health returns the aggregate health status
	Health(ctx context.Context) HealthStatus
}
