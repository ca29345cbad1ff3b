package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/feedlog"
	internalreplicator "github.com/rmacdonaldsmith/feedmesh-go/internal/replicator"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
)

const (
	defaultBlockLimit = 100
	maxBlockLimit     = 1000
)

// Dialer connects the node to a peer address and returns the new connection's ID
type Dialer func(ctx context.Context, address string) (replicator.ConnectionID, error)

// Handlers contains all HTTP request handlers
type Handlers struct {
	replicator replicator.Replicator
	catalog    *feedlog.Catalog
	dialer     Dialer
	jwtAuth    *JWTAuth
	nodeID     string
	keepalive  time.Duration
	logger     *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(rep replicator.Replicator, catalog *feedlog.Catalog, jwtAuth *JWTAuth, config Config) *Handlers {
	config.SetDefaults()
	return &Handlers{
		replicator: rep,
		catalog:    catalog,
		dialer:     config.Dialer,
		jwtAuth:    jwtAuth,
		nodeID:     config.NodeID,
		keepalive:  config.KeepaliveInterval,
		logger:     config.Logger,
	}
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if len(req.ClientID) < 2 {
		writeError(w, "clientId must be at least 2 characters", http.StatusBadRequest)
		return
	}

	// No credential store: the client named "admin" gets admin rights
	isAdmin := req.ClientID == "admin"

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, isAdmin)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		IsAdmin:   isAdmin,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Health endpoint

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.replicator.Health(r.Context())

	resp := HealthResponse{
		Healthy:               health.Healthy,
		NodeID:                h.nodeID,
		Identity:              h.replicator.Identity().String(),
		Feeds:                 health.Feeds,
		ActiveConnections:     health.ActiveConnections,
		TerminatedConnections: health.TerminatedConnections,
		FailedConnections:     health.FailedConnections,
		Subscribers:           health.Subscribers,
		Message:               health.Message,
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, resp, statusCode)
}

// Feed endpoints

// ListFeeds handles GET /api/v1/feeds
func (h *Handlers) ListFeeds(w http.ResponseWriter, r *http.Request) {
	stats, err := h.replicator.Stats(r.Context())
	if err != nil {
		writeError(w, fmt.Sprintf("Failed to collect stats: %v", err), http.StatusInternalServerError)
		return
	}
	peers := make(map[feed.DiscoveryKey]int, len(stats))
	for _, s := range stats {
		peers[s.DiscoveryKey] = activePeers(s)
	}

	feeds := h.replicator.Feeds()
	resp := FeedsListResponse{Feeds: make([]FeedResponse, 0, len(feeds))}
	for _, info := range feeds {
		resp.Feeds = append(resp.Feeds, h.feedResponse(info.DiscoveryKey, info.PublicKey, peers[info.DiscoveryKey]))
	}

	writeJSON(w, resp, http.StatusOK)
}

// CreateFeed handles POST /api/v1/feeds
func (h *Handlers) CreateFeed(w http.ResponseWriter, r *http.Request) {
	var req CreateFeedRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	var f *feedlog.InMemoryFeed
	if req.PublicKey != "" {
		pk, err := feed.ParsePublicKey(req.PublicKey)
		if err != nil {
			writeError(w, fmt.Sprintf("Invalid publicKey: %v", err), http.StatusBadRequest)
			return
		}
		if h.registered(pk.DiscoveryKey()) {
			writeError(w, "Feed is already registered", http.StatusConflict)
			return
		}
		f = h.catalog.Replica(pk)
	} else {
		created, err := h.catalog.Create()
		if err != nil {
			writeError(w, fmt.Sprintf("Failed to create feed: %v", err), http.StatusInternalServerError)
			return
		}
		f = created
	}

	dk, err := h.replicator.AddFeed(r.Context(), f)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, internalreplicator.ErrReplicatorClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, fmt.Sprintf("Failed to register feed: %v", err), status)
		return
	}

	h.logger.Info("feed registered via api",
		zap.String("discovery_key", dk.Short()),
		zap.Bool("writable", f.Writable()),
		zap.String("client", GetClientID(r)))

	writeJSON(w, h.feedResponse(dk, f.PublicKey(), 0), http.StatusCreated)
}

// AppendBlock handles POST /api/v1/feeds/{discoveryKey}/blocks
func (h *Handlers) AppendBlock(w http.ResponseWriter, r *http.Request) {
	f, dk, ok := h.feedFromPath(w, r)
	if !ok {
		return
	}

	var req AppendRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Data == "" {
		writeError(w, "data is required", http.StatusBadRequest)
		return
	}

	index, err := f.Append(r.Context(), []byte(req.Data))
	switch {
	case errors.Is(err, feedlog.ErrNotWritable):
		writeError(w, "Feed is a read-only replica", http.StatusConflict)
		return
	case errors.Is(err, feedlog.ErrClosed):
		writeError(w, "Feed is closed", http.StatusGone)
		return
	case err != nil:
		writeError(w, fmt.Sprintf("Failed to append: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, AppendResponse{DiscoveryKey: dk.String(), Index: index}, http.StatusCreated)
}

// ReadBlocks handles GET /api/v1/feeds/{discoveryKey}/blocks?start={start}&limit={limit}
func (h *Handlers) ReadBlocks(w http.ResponseWriter, r *http.Request) {
	f, dk, ok := h.feedFromPath(w, r)
	if !ok {
		return
	}

	start, err := parseUintParam(r, "start", 0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := parseUintParam(r, "limit", defaultBlockLimit)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit > maxBlockLimit {
		limit = maxBlockLimit
	}

	blocks, err := f.ReadRange(r.Context(), start, int(limit))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, feedlog.ErrClosed) {
			status = http.StatusGone
		}
		writeError(w, fmt.Sprintf("Failed to read blocks: %v", err), status)
		return
	}

	resp := BlocksResponse{
		DiscoveryKey: dk.String(),
		Start:        start,
		Count:        len(blocks),
		Blocks:       make([]string, len(blocks)),
	}
	for i, b := range blocks {
		resp.Blocks[i] = string(b)
	}
	writeJSON(w, resp, http.StatusOK)
}

// Stats endpoint

// Stats handles GET /api/v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.replicator.Stats(r.Context())
	if err != nil {
		writeError(w, fmt.Sprintf("Failed to collect stats: %v", err), http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{Feeds: make([]FeedStatsResponse, 0, len(stats))}
	for _, s := range stats {
		fs := FeedStatsResponse{
			DiscoveryKey: s.DiscoveryKey.String(),
			Peers:        make([]PeerResponse, 0, len(s.Peers)),
		}
		for _, p := range s.Peers {
			fs.Peers = append(fs.Peers, PeerResponse{
				Remote:     p.Remote.String(),
				ChannelID:  p.ChannelID,
				Active:     p.Active,
				StartedAt:  p.StartedAt,
				FinishedAt: optionalTime(p.FinishedAt),
				Error:      p.Err,
			})
		}
		resp.Feeds = append(resp.Feeds, fs)
	}

	writeJSON(w, resp, http.StatusOK)
}

// Connection endpoints

// ListConnections handles GET /api/v1/connections
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	statuses := h.replicator.Connections()
	resp := ConnectionsListResponse{Connections: make([]ConnectionResponse, 0, len(statuses))}
	for _, s := range statuses {
		resp.Connections = append(resp.Connections, connectionResponse(s))
	}
	writeJSON(w, resp, http.StatusOK)
}

// DialPeer handles POST /api/v1/connections
func (h *Handlers) DialPeer(w http.ResponseWriter, r *http.Request) {
	if h.dialer == nil {
		writeError(w, "Dialing is not enabled on this node", http.StatusNotImplemented)
		return
	}

	var req DialRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}

	id, err := h.dialer(r.Context(), req.Address)
	if err != nil {
		writeError(w, fmt.Sprintf("Failed to dial %s: %v", req.Address, err), http.StatusBadGateway)
		return
	}

	h.logger.Info("dialed peer via api",
		zap.String("address", req.Address),
		zap.String("connection_id", string(id)))

	status, ok := h.replicator.Connection(id)
	if !ok {
		status = replicator.ConnectionStatus{ID: id, Initiator: true}
	}
	writeJSON(w, connectionResponse(status), http.StatusCreated)
}

// Event stream

// StreamEvents handles GET /api/v1/events/stream
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	kindFilter := r.URL.Query().Get("kind")
	if kindFilter != "" && !validKind(kindFilter) {
		writeError(w, fmt.Sprintf("Invalid kind filter: %s", kindFilter), http.StatusBadRequest)
		return
	}

	// Subscribe before the connection comment so nothing emitted after it is missed
	sub := h.replicator.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if kindFilter != "" {
		fmt.Fprintf(w, ": SSE connection established for kind: %s\n\n", kindFilter)
	} else {
		fmt.Fprint(w, ": SSE connection established for all events\n\n")
	}
	flush(w)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flush(w)

		case ev, ok := <-sub.C():
			if !ok {
				// Replicator closed
				return
			}
			if kindFilter != "" && ev.Kind.String() != kindFilter {
				continue
			}
			if err := writeSSEMessage(w, EventStreamMessage{
				Kind:         ev.Kind.String(),
				DiscoveryKey: ev.DiscoveryKey.String(),
				Timestamp:    time.Now(),
			}); err != nil {
				h.logger.Debug("sse client gone", zap.Error(err))
				return
			}
			flush(w)
		}
	}
}

// Helper methods

func (h *Handlers) feedResponse(dk feed.DiscoveryKey, pk feed.PublicKey, peers int) FeedResponse {
	resp := FeedResponse{
		DiscoveryKey: dk.String(),
		PublicKey:    pk.String(),
		Peers:        peers,
	}
	if f, ok := h.catalog.Get(dk); ok {
		resp.Writable = f.Writable()
		resp.Length = f.Len()
	}
	return resp
}

func (h *Handlers) registered(dk feed.DiscoveryKey) bool {
	for _, info := range h.replicator.Feeds() {
		if info.DiscoveryKey == dk {
			return true
		}
	}
	return false
}

func (h *Handlers) feedFromPath(w http.ResponseWriter, r *http.Request) (*feedlog.InMemoryFeed, feed.DiscoveryKey, bool) {
	dk, ok := GetFeedFromPath(r)
	if !ok {
		writeError(w, "Feed discovery key required", http.StatusBadRequest)
		return nil, dk, false
	}
	f, ok := h.catalog.Get(dk)
	if !ok {
		writeError(w, fmt.Sprintf("Feed %s not found", dk.Short()), http.StatusNotFound)
		return nil, dk, false
	}
	return f, dk, true
}

// decodeJSON validates the content type and decodes the body into v.
// It writes the error response itself and reports whether decoding succeeded.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeError(w, "Content-Type must be application/json", http.StatusBadRequest)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func connectionResponse(s replicator.ConnectionStatus) ConnectionResponse {
	resp := ConnectionResponse{
		ID:        string(s.ID),
		Initiator: s.Initiator,
		State:     s.State.String(),
		Opened:    s.Opened,
		StartedAt: s.StartedAt,
		EndedAt:   optionalTime(s.EndedAt),
	}
	if s.Remote != nil {
		resp.Remote = s.Remote.String()
	}
	if s.Err != nil {
		resp.Error = s.Err.Error()
	}
	return resp
}

func activePeers(s replicator.FeedStats) int {
	n := 0
	for _, p := range s.Peers {
		if p.Active {
			n++
		}
	}
	return n
}

func validKind(kind string) bool {
	return kind == replicator.FeedAvailable.String() || kind == replicator.UnknownFeedRequested.String()
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseUintParam(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %s", name, raw)
	}
	return v, nil
}

// writeSSEMessage writes an EventStreamMessage as an SSE data message
func writeSSEMessage(w http.ResponseWriter, message EventStreamMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE message: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
