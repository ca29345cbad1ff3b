package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/feedlog"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
)

const (
	// DefaultPort is the HTTP API port used when none is configured
	DefaultPort = "8081"

	// DefaultKeepaliveInterval is the SSE ping period
	DefaultKeepaliveInterval = 30 * time.Second

	defaultSecretKey = "feedmesh-dev-secret-key-change-in-production"
)

var (
	// ErrNilReplicator is returned when the server is built without a replicator
	ErrNilReplicator = errors.New("replicator cannot be nil")
	// ErrNilCatalog is returned when the server is built without a feed catalog
	ErrNilCatalog = errors.New("feed catalog cannot be nil")
)

// Config holds server configuration
type Config struct {
	Port      string
	SecretKey string

	// NodeID is reported by the health endpoint
	NodeID string

	// NoAuth disables authentication on non-admin endpoints (development only)
	NoAuth bool

	// KeepaliveInterval is the period of SSE ping comments
	KeepaliveInterval time.Duration

	// Dialer backs POST /api/v1/connections; nil disables the endpoint
	Dialer Dialer

	Logger *zap.Logger
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.SecretKey == "" {
		c.SecretKey = defaultSecretKey
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Server represents the HTTP API server
type Server struct {
	replicator replicator.Replicator
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     *zap.Logger
}

// NewServer creates a new HTTP API server over a replicator and the feeds it holds locally
func NewServer(rep replicator.Replicator, catalog *feedlog.Catalog, config Config) (*Server, error) {
	if rep == nil {
		return nil, ErrNilReplicator
	}
	if catalog == nil {
		return nil, ErrNilCatalog
	}
	config.SetDefaults()

	jwtAuth := NewJWTAuth(config.SecretKey)
	s := &Server{
		replicator: rep,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(rep, catalog, jwtAuth, config),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, config.Logger),
		logger:     config.Logger,
	}

	s.server = &http.Server{
		Addr:              ":" + config.Port,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	if config.NoAuth {
		s.logger.Warn("HTTP API authentication disabled (development mode)")
	}
	return s, nil
}

// Handler returns the root handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens on the configured port and serves until Stop is called.
// It returns nil after a graceful stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("HTTP API listening", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}

	// Authentication endpoints (no auth required)
	mux.Handle("/api/v1/auth/login", withMiddleware(s.methods(map[string]http.HandlerFunc{
		http.MethodPost: s.handlers.Login,
	})))

	// Health endpoint (no auth required)
	mux.Handle("/api/v1/health", withMiddleware(s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handlers.Health,
	})))

	// Feed endpoints (auth required)
	mux.Handle("/api/v1/feeds", withMiddleware(s.middleware.AuthRequired(s.methods(map[string]http.HandlerFunc{
		http.MethodGet:  s.handlers.ListFeeds,
		http.MethodPost: s.handlers.CreateFeed,
	}))))
	mux.Handle("/api/v1/feeds/", withMiddleware(s.middleware.AuthRequired(s.handleFeedBlocks)))

	mux.Handle("/api/v1/stats", withMiddleware(s.middleware.AuthRequired(s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handlers.Stats,
	}))))
	mux.Handle("/api/v1/events/stream", withMiddleware(s.middleware.AuthRequired(s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handlers.StreamEvents,
	}))))

	// Connection endpoints (admin auth required)
	mux.Handle("/api/v1/connections", withMiddleware(s.middleware.AdminRequired(s.methods(map[string]http.HandlerFunc{
		http.MethodGet:  s.handlers.ListConnections,
		http.MethodPost: s.handlers.DialPeer,
	}))))

	// Root endpoint with API info
	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// methods dispatches on the request method
func (s *Server) methods(byMethod map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handler, ok := byMethod[r.Method]
		if !ok {
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}

// handleFeedBlocks handles /api/v1/feeds/{discoveryKey}/blocks
func (s *Server) handleFeedBlocks(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/feeds/")
	hexKey, ok := strings.CutSuffix(rest, "/blocks")
	if !ok || hexKey == "" || strings.Contains(hexKey, "/") {
		writeError(w, "Invalid path, expected /api/v1/feeds/{discoveryKey}/blocks", http.StatusNotFound)
		return
	}

	dk, err := feed.ParseDiscoveryKey(hexKey)
	if err != nil {
		writeError(w, "Invalid discovery key: "+err.Error(), http.StatusBadRequest)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), FeedKey, dk))

	switch r.Method {
	case http.MethodGet:
		s.handlers.ReadBlocks(w, r)
	case http.MethodPost:
		s.handlers.AppendBlock(w, r)
	default:
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]interface{}{
		"service":     "feedmesh HTTP API",
		"version":     "1.0.0",
		"description": "Observability and control API for a feed replication node",
		"endpoints": map[string]interface{}{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"feeds": map[string]string{
				"list":   "GET /api/v1/feeds",
				"create": "POST /api/v1/feeds",
				"append": "POST /api/v1/feeds/{discoveryKey}/blocks",
				"read":   "GET /api/v1/feeds/{discoveryKey}/blocks?start={start}&limit={limit}",
			},
			"stats":  "GET /api/v1/stats",
			"events": "GET /api/v1/events/stream?kind={kind}",
			"connections": map[string]string{
				"list": "GET /api/v1/connections",
				"dial": "POST /api/v1/connections",
			},
			"health": "GET /api/v1/health",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}

	writeJSON(w, info, http.StatusOK)
}
