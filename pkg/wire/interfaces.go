package wire

import (
	"context"
	"encoding/hex"
	"io"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
)

// RemoteKey is the identity a peer presents during handshake
type RemoteKey [32]byte

// String returns the hex encoding of the key
func (k RemoteKey) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for log lines
func (k RemoteKey) Short() string {
	return hex.EncodeToString(k[:4])
}

// MarshalText implements encoding.TextMarshaler
func (k RemoteKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Channel is a multiplexed sub-stream bound to one discovery key
type Channel interface {
	io.Closer

	// ID returns the session-local identifier of this channel
	ID() uint64

	// DiscoveryKey returns the discovery key this channel is bound to
	DiscoveryKey() feed.DiscoveryKey

	// Done is closed when the channel is closed by either side or the session ends
	Done() <-chan struct{}
}

// Event is a notification produced by a Protocol
type Event interface {
	wireEvent()
}

// Handshake reports that the remote identity is now known
type Handshake struct {
	Remote RemoteKey
}

// ChannelOpened reports that both sides opened the same discovery key
type ChannelOpened struct {
	Channel Channel
}

// DiscoveryKeyRequested reports that the remote opened a discovery key
// this side has not opened
type DiscoveryKeyRequested struct {
	Key feed.DiscoveryKey
}

func (Handshake) wireEvent()             {}
func (ChannelOpened) wireEvent()         {}
func (DiscoveryKeyRequested) wireEvent() {}

// Protocol is one wire session over one transport connection
type Protocol interface {
	io.Closer

	// Events returns the ordered event stream and the error channel.
	// A decode error is sent on the error channel before the event channel closes,
	// and consumers read it only after draining the events that preceded it.
	// The error channel must be closed or hold the error by the time the event channel closes.
	// Events must be called at most once.
	Events() (<-chan Event, <-chan error)

	// Open requests a channel for the feed with the given public key.
	// It is idempotent per feed.
	Open(ctx context.Context, key feed.PublicKey) error
}

// Builder constructs a Protocol over a byte stream in the given role
type Builder func(conn io.ReadWriteCloser, initiator bool) (Protocol, error)
