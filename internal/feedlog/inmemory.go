package feedlog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
)

var (
	// ErrNotWritable is returned when appending to a feed without its secret key
	ErrNotWritable = errors.New("feed is not writable")
	// ErrClosed is returned when using a closed feed
	ErrClosed = errors.New("feed is closed")
	// ErrEmptyBlock is returned when appending an empty block
	ErrEmptyBlock = errors.New("block cannot be empty")
	// ErrBlockNotFound is returned when reading past the end of the feed
	ErrBlockNotFound = errors.New("block not found")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
)

// InMemoryFeed is an append-only log of blocks identified by an ed25519 public key.
// A feed created with its key pair is writable; a replica only knows the public key.
// It is safe for concurrent use.
type InMemoryFeed struct {
	mu        sync.RWMutex
	publicKey feed.PublicKey
	secretKey ed25519.PrivateKey // nil for replicas
	blocks    [][]byte
	closed    bool
}

var _ feed.Feed = (*InMemoryFeed)(nil)

// NewInMemoryFeed creates a writable feed with a freshly generated key pair
func NewInMemoryFeed() (*InMemoryFeed, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate feed key: %w", err)
	}
	return newWritable(pub, priv), nil
}

// NewInMemoryFeedFromSeed creates a writable feed whose key pair is derived from seed.
// The same seed always yields the same public key.
func NewInMemoryFeedFromSeed(seed []byte) (*InMemoryFeed, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newWritable(priv.Public().(ed25519.PublicKey), priv), nil
}

// NewReplicaFeed creates a read-only feed for a remote writer's public key
func NewReplicaFeed(pk feed.PublicKey) *InMemoryFeed {
	return &InMemoryFeed{publicKey: pk}
}

func newWritable(pub ed25519.PublicKey, priv ed25519.PrivateKey) *InMemoryFeed {
	f := &InMemoryFeed{secretKey: priv}
	copy(f.publicKey[:], pub)
	return f
}

// PublicKey returns the feed's public key
func (f *InMemoryFeed) PublicKey() feed.PublicKey {
	return f.publicKey
}

// Writable reports whether the feed holds its secret key
func (f *InMemoryFeed) Writable() bool {
	return f.secretKey != nil
}

// Append adds a block and returns its index
func (f *InMemoryFeed) Append(ctx context.Context, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, ErrEmptyBlock
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	if f.secretKey == nil {
		return 0, ErrNotWritable
	}

	block := append([]byte(nil), data...)
	f.blocks = append(f.blocks, block)
	return uint64(len(f.blocks) - 1), nil
}

// Get returns the block at index
func (f *InMemoryFeed) Get(ctx context.Context, index uint64) ([]byte, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}
	if index >= uint64(len(f.blocks)) {
		return nil, fmt.Errorf("%w: index %d, length %d", ErrBlockNotFound, index, len(f.blocks))
	}
	return append([]byte(nil), f.blocks[index]...), nil
}

// ReadRange returns up to maxCount blocks starting at start
func (f *InMemoryFeed) ReadRange(ctx context.Context, start uint64, maxCount int) ([][]byte, error) {
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}

	results := make([][]byte, 0, maxCount)
	for i := start; i < uint64(len(f.blocks)) && len(results) < maxCount; i++ {
		results = append(results, append([]byte(nil), f.blocks[i]...))
	}
	return results, nil
}

// Replay streams blocks from start to the current end of the feed.
// Both channels are closed when done or when ctx is cancelled.
func (f *InMemoryFeed) Replay(ctx context.Context, start uint64) (<-chan []byte, <-chan error) {
	blockChan := make(chan []byte)
	errChan := make(chan error, 1) // Buffered to prevent blocking

	go func() {
		defer close(blockChan)
		defer close(errChan)

		f.mu.RLock()
		if f.closed {
			f.mu.RUnlock()
			errChan <- ErrClosed
			return
		}
		// Copy so the lock is not held while the consumer reads
		var toReplay [][]byte
		for i := start; i < uint64(len(f.blocks)); i++ {
			toReplay = append(toReplay, f.blocks[i])
		}
		f.mu.RUnlock()

		for _, block := range toReplay {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			case blockChan <- append([]byte(nil), block...):
			}
		}
	}()

	return blockChan, errChan
}

// Len returns the number of blocks
func (f *InMemoryFeed) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.blocks))
}

// Close drops all blocks. Closing twice is a no-op.
func (f *InMemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.blocks = nil
	f.closed = true
	return nil
}
