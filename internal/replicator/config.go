package replicator

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	internalpeerfeed "github.com/rmacdonaldsmith/feedmesh-go/internal/peerfeed"
	internalwire "github.com/rmacdonaldsmith/feedmesh-go/internal/wire"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/peerfeed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

// DefaultCloseTimeout bounds how long Close waits for connection sessions to end
const DefaultCloseTimeout = 5 * time.Second

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrNegativeCloseTimeout is returned when the close timeout is negative
	ErrNegativeCloseTimeout = errors.New("close timeout cannot be negative")
)

// Config represents configuration for a Replicator
type Config struct {
	// NodeID names this replicator in logs and derives its wire identity
	NodeID string

	// Identity is presented to peers during handshake.
	// When zero it is derived from NodeID.
	Identity wire.RemoteKey

	// WireConfig configures the default wire sessions built by AddStream
	WireConfig *internalwire.Config

	// ProtocolBuilder wraps transports added with AddStream and AddIO.
	// Defaults to wire sessions built from WireConfig.
	ProtocolBuilder wire.Builder

	// PeeredFeedFactory wraps every registered feed
	PeeredFeedFactory peerfeed.Factory

	// CloseTimeout bounds how long Close waits for sessions to finish
	CloseTimeout time.Duration

	Logger *zap.Logger
}

// NewConfig creates a new Replicator configuration with safe defaults
func NewConfig(nodeID string) *Config {
	return &Config{
		NodeID: nodeID,
	}
}

// IdentityFromNodeID derives a stable wire identity from a node ID
func IdentityFromNodeID(nodeID string) wire.RemoteKey {
	return wire.RemoteKey(blake2b.Sum256([]byte(nodeID)))
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.CloseTimeout < 0 {
		return ErrNegativeCloseTimeout
	}

	// Validate wire config if provided
	if c.WireConfig != nil {
		if err := c.WireConfig.Validate(); err != nil {
			return fmt.Errorf("invalid wire config: %w", err)
		}
	}

	return nil
}

// SetDefaults fills every unset collaborator
func (c *Config) SetDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.Identity == (wire.RemoteKey{}) && c.NodeID != "" {
		c.Identity = IdentityFromNodeID(c.NodeID)
	}
	if c.PeeredFeedFactory == nil {
		c.PeeredFeedFactory = internalpeerfeed.Factory(
			internalpeerfeed.WithLogger(c.Logger.Named("peerfeed")),
		)
	}
	if c.WireConfig == nil {
		c.WireConfig = &internalwire.Config{}
	}
	if c.WireConfig.Identity == (wire.RemoteKey{}) {
		c.WireConfig.Identity = c.Identity
	}
	if c.WireConfig.Logger == nil {
		c.WireConfig.Logger = c.Logger.Named("wire")
	}
	c.WireConfig.SetDefaults()
	if c.ProtocolBuilder == nil {
		c.ProtocolBuilder = internalwire.NewBuilder(*c.WireConfig)
	}
}

// WithIdentity sets the wire identity
func (c *Config) WithIdentity(identity wire.RemoteKey) *Config {
	c.Identity = identity
	return c
}

// WithWireConfig sets the wire session configuration
func (c *Config) WithWireConfig(config *internalwire.Config) *Config {
	c.WireConfig = config
	return c
}

// WithProtocolBuilder sets the wire protocol builder
func (c *Config) WithProtocolBuilder(builder wire.Builder) *Config {
	c.ProtocolBuilder = builder
	return c
}

// WithPeeredFeedFactory sets the peered feed factory
func (c *Config) WithPeeredFeedFactory(factory peerfeed.Factory) *Config {
	c.PeeredFeedFactory = factory
	return c
}

// WithCloseTimeout sets how long Close waits for sessions
func (c *Config) WithCloseTimeout(timeout time.Duration) *Config {
	c.CloseTimeout = timeout
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	c.Logger = logger
	return c
}
