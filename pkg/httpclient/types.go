package httpclient

import (
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the feedmesh HTTP API (e.g., "http://localhost:8081")
	ServerURL string

	// ClientID is the identifier for this client; "admin" receives admin rights
	ClientID string

	// Timeout for HTTP requests. It does not apply to event streams.
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	IsAdmin   bool      `json:"isAdmin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateFeedRequest creates a writable feed, or a replica when PublicKey is set
type CreateFeedRequest struct {
	PublicKey string `json:"publicKey,omitempty"`
}

// FeedResponse describes one registered feed
type FeedResponse struct {
	DiscoveryKey string `json:"discoveryKey"`
	PublicKey    string `json:"publicKey"`
	Writable     bool   `json:"writable"`
	Length       uint64 `json:"length"`
	Peers        int    `json:"peers"`
}

// FeedsListResponse lists the registered feeds
type FeedsListResponse struct {
	Feeds []FeedResponse `json:"feeds"`
}

// AppendRequest appends one block to a writable feed
type AppendRequest struct {
	Data string `json:"data"`
}

// AppendResponse returns the index of the appended block
type AppendResponse struct {
	DiscoveryKey string `json:"discoveryKey"`
	Index        uint64 `json:"index"`
}

// BlocksResponse is a range of blocks read from a feed
type BlocksResponse struct {
	DiscoveryKey string   `json:"discoveryKey"`
	Start        uint64   `json:"start"`
	Count        int      `json:"count"`
	Blocks       []string `json:"blocks"`
}

// PeerResponse is one per-peer replication sub-session
type PeerResponse struct {
	Remote     string     `json:"remote"`
	ChannelID  uint64     `json:"channelId"`
	Active     bool       `json:"active"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// FeedStatsResponse pairs a feed with its peers
type FeedStatsResponse struct {
	DiscoveryKey string         `json:"discoveryKey"`
	Peers        []PeerResponse `json:"peers"`
}

// StatsResponse lists per-feed replication statistics
type StatsResponse struct {
	Feeds []FeedStatsResponse `json:"feeds"`
}

// ConnectionResponse is the status of one connection session
type ConnectionResponse struct {
	ID        string     `json:"id"`
	Initiator bool       `json:"initiator"`
	State     string     `json:"state"`
	Remote    string     `json:"remote,omitempty"`
	Opened    int        `json:"opened"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ConnectionsListResponse lists every connection session
type ConnectionsListResponse struct {
	Connections []ConnectionResponse `json:"connections"`
}

// DialRequest asks the node to connect to a peer address
type DialRequest struct {
	Address string `json:"address"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy               bool   `json:"healthy"`
	NodeID                string `json:"nodeId"`
	Identity              string `json:"identity"`
	Feeds                 int    `json:"feeds"`
	ActiveConnections     int    `json:"activeConnections"`
	TerminatedConnections int    `json:"terminatedConnections"`
	FailedConnections     int    `json:"failedConnections"`
	Subscribers           int    `json:"subscribers"`
	Message               string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// EventStreamMessage is one replicator event received over SSE
type EventStreamMessage struct {
	Kind         string    `json:"kind"`
	DiscoveryKey string    `json:"discoveryKey"`
	Timestamp    time.Time `json:"timestamp"`
}

// APIError is returned for any response with a 4xx or 5xx status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
