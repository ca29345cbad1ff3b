package discovery

import (
	"context"
)

// Transport names how a peer is reached
type Transport string

const (
	// TransportTCP is a raw TCP byte stream
	TransportTCP Transport = "tcp"
	// TransportWebSocket is a WebSocket carrying binary messages
	TransportWebSocket Transport = "ws"
)

// Peer is a remote replicator this node should connect to
type Peer struct {
	// ID identifies the peer in logs; the seed string for static peers
	ID string

	// Transport selects how Address is dialled
	Transport Transport

	// Address is host:port for TCP or a ws:// or wss:// URL for WebSocket
	Address string
}

// Discovery defines the interface for peer discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns peers to dial
	FindPeers(ctx context.Context) ([]Peer, error)
}
