package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// ErrNotAuthenticated is returned by calls that need a token before Authenticate
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// Client provides HTTP client for the feedmesh API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new feedmesh HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate logs in with the configured client ID and stores the token
func (c *Client) Authenticate(ctx context.Context) (*AuthResponse, error) {
	var resp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{"clientId": c.config.ClientID}, &resp, false)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	c.token = resp.Token
	return &resp, nil
}

// GetHealth returns the health status of the node. An unhealthy node is
// reported through the response, not as an error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && resp.Message != "" {
		return &resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// ListFeeds returns every registered feed
func (c *Client) ListFeeds(ctx context.Context) ([]FeedResponse, error) {
	var resp FeedsListResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/feeds", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	return resp.Feeds, nil
}

// CreateFeed creates and registers a new writable feed
func (c *Client) CreateFeed(ctx context.Context) (*FeedResponse, error) {
	return c.createFeed(ctx, CreateFeedRequest{})
}

// AddReplica registers a read-only replica of a remote writer's feed
func (c *Client) AddReplica(ctx context.Context, publicKey string) (*FeedResponse, error) {
	if publicKey == "" {
		return nil, fmt.Errorf("publicKey is required")
	}
	return c.createFeed(ctx, CreateFeedRequest{PublicKey: publicKey})
}

func (c *Client) createFeed(ctx context.Context, req CreateFeedRequest) (*FeedResponse, error) {
	var resp FeedResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/feeds", req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to create feed: %w", err)
	}
	return &resp, nil
}

// AppendBlock appends data to a writable feed
func (c *Client) AppendBlock(ctx context.Context, discoveryKey, data string) (*AppendResponse, error) {
	var resp AppendResponse
	if err := c.doRequest(ctx, http.MethodPost, blocksPath(discoveryKey), AppendRequest{Data: data}, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to append block: %w", err)
	}
	return &resp, nil
}

// ReadBlocks reads up to limit blocks starting at start. A limit of 0 uses the server default.
func (c *Client) ReadBlocks(ctx context.Context, discoveryKey string, start uint64, limit int) (*BlocksResponse, error) {
	query := url.Values{}
	query.Set("start", strconv.FormatUint(start, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp BlocksResponse
	if err := c.doRequestWithQuery(ctx, http.MethodGet, blocksPath(discoveryKey), query, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to read blocks: %w", err)
	}
	return &resp, nil
}

// GetStats returns per-feed replication statistics
func (c *Client) GetStats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/stats", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// ListConnections returns every connection session (admin only)
func (c *Client) ListConnections(ctx context.Context) ([]ConnectionResponse, error) {
	var resp ConnectionsListResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/connections", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return resp.Connections, nil
}

// Dial asks the node to connect to a peer (admin only)
func (c *Client) Dial(ctx context.Context, address string) (*ConnectionResponse, error) {
	var resp ConnectionResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/connections", DialRequest{Address: address}, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &resp, nil
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token, for reusing a saved token
func (c *Client) SetToken(token string) {
	c.token = token
}

func blocksPath(discoveryKey string) string {
	return "/api/v1/feeds/" + url.PathEscape(discoveryKey) + "/blocks"
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	return c.doRequestWithQuery(ctx, method, path, nil, reqBody, respBody, requireAuth)
}

// doRequestWithQuery performs an HTTP request with query parameters and optional authentication.
// On an error status the body is still decoded into respBody when it parses.
func (c *Client) doRequestWithQuery(ctx context.Context, method, path string, queryParams url.Values, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	if requireAuth && c.token == "" {
		return ErrNotAuthenticated
	}

	u := &url.URL{Path: path}
	if len(queryParams) > 0 {
		u.RawQuery = queryParams.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
		var errResp ErrorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		if respBody != nil {
			json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
