package wire

import (
	"errors"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

// DefaultMaxFrameSize is the largest frame accepted when none is configured
const DefaultMaxFrameSize = 1024 * 1024 // 1MB

var (
	// ErrEmptyIdentity is returned when the local identity is all zeros
	ErrEmptyIdentity = errors.New("identity cannot be empty")
	// ErrNegativeFrameSize is returned for a negative MaxFrameSize
	ErrNegativeFrameSize = errors.New("max frame size cannot be negative")
)

// Config holds configuration for a wire Session
type Config struct {
	// Identity is sent to the remote in the handshake frame
	Identity wire.RemoteKey

	// MaxFrameSize bounds the body of an inbound frame
	MaxFrameSize int

	Logger *zap.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Identity == (wire.RemoteKey{}) {
		return ErrEmptyIdentity
	}
	if c.MaxFrameSize < 0 {
		return ErrNegativeFrameSize
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
