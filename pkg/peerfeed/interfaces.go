package peerfeed

import (
	"context"
	"time"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

// Stats describes one per-peer replication sub-session of a feed
type Stats struct {
	// Remote is the identity of the peer
	Remote wire.RemoteKey `json:"remote"`

	// ChannelID is the wire channel the sub-session runs on
	ChannelID uint64 `json:"channelId"`

	// StartedAt is when the sub-session was added
	StartedAt time.Time `json:"startedAt"`

	// FinishedAt is zero while the sub-session is running
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Active is true while the sub-session is running
	Active bool `json:"active"`

	// Err holds the terminal error of the sub-session, if any
	Err string `json:"error,omitempty"`
}

// PeeredFeed owns the per-remote-peer replication sub-sessions of one feed.
// Implementations must be safe for concurrent use.
type PeeredFeed interface {
	// Feed returns the wrapped feed
	Feed() feed.Feed

	// AddPeer starts replicating the feed with a remote peer over a channel.
	// It returns once the sub-session is registered, not when it finishes.
	AddPeer(ctx context.Context, remote wire.RemoteKey, ch wire.Channel) error

	// Stats returns the current per-peer statistics
	Stats(ctx context.Context) []Stats

	// JoinAll blocks until every per-peer sub-session has finished or ctx ends
	JoinAll(ctx context.Context) error
}

// Factory creates the PeeredFeed for a newly registered feed
type Factory func(f feed.Feed) PeeredFeed
