package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/wire"
)

var (
	// ErrEmptySeed is returned for a blank seed entry
	ErrEmptySeed = errors.New("seed cannot be empty")
	// ErrUnsupportedScheme is returned for seeds that are neither TCP nor WebSocket
	ErrUnsupportedScheme = errors.New("unsupported seed scheme")
)

// StaticDiscovery implements Discovery using a static list of seed peers
type StaticDiscovery struct {
	seeds []string
}

// NewStaticDiscovery creates a new static discovery service with the given seeds.
// A seed is host:port, tcp://host:port, ws://host:port/path or wss://host:port/path.
func NewStaticDiscovery(seeds []string) *StaticDiscovery {
	return &StaticDiscovery{
		seeds: seeds,
	}
}

// FindPeers returns a Peer for every seed, failing on the first invalid one
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]Peer, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	peers := make([]Peer, 0, len(s.seeds))
	for _, seed := range s.seeds {
		peer, err := ParseSeed(seed)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// ParseSeed converts one seed string into a Peer
func ParseSeed(seed string) (Peer, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return Peer{}, ErrEmptySeed
	}

	if !strings.Contains(seed, "://") {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return Peer{}, fmt.Errorf("invalid seed %q: %w", seed, err)
		}
		return Peer{ID: seed, Transport: TransportTCP, Address: seed}, nil
	}

	u, err := url.Parse(seed)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid seed %q: %w", seed, err)
	}
	if u.Host == "" {
		return Peer{}, fmt.Errorf("invalid seed %q: missing host", seed)
	}

	switch u.Scheme {
	case "tcp":
		return Peer{ID: seed, Transport: TransportTCP, Address: u.Host}, nil
	case "ws", "wss":
		return Peer{ID: seed, Transport: TransportWebSocket, Address: u.String()}, nil
	default:
		return Peer{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Dial opens a byte stream to peer
func Dial(ctx context.Context, peer Peer) (io.ReadWriteCloser, error) {
	switch peer.Transport {
	case TransportTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", peer.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", peer.Address, err)
		}
		return conn, nil
	case TransportWebSocket:
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, peer.Address, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", peer.Address, err)
		}
		return wire.NewWebSocketConn(ws), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, peer.Transport)
	}
}
