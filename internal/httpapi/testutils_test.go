package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/feedlog"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/replicator"
)

const testSecret = "test-secret-key"

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Replicator *replicator.Replicator
	Catalog    *feedlog.Catalog
	Server     *Server
	HTTP       *httptest.Server
	Auth       *JWTAuth
}

// NewTestServerSetup creates a replicator, a catalog and an HTTP server in front of them
func NewTestServerSetup(t *testing.T, mutate ...func(*Config)) *TestServerSetup {
	t.Helper()

	logger := zaptest.NewLogger(t)
	rep, err := replicator.New(replicator.NewConfig("test-node").WithLogger(logger.Named("replicator")))
	require.NoError(t, err)

	catalog := feedlog.NewCatalog()

	config := Config{
		SecretKey:         testSecret,
		NodeID:            "test-node",
		KeepaliveInterval: 50 * time.Millisecond,
		Logger:            logger.Named("http"),
	}
	for _, m := range mutate {
		m(&config)
	}

	server, err := NewServer(rep, catalog, config)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		rep.Close()
		catalog.Close()
	})

	return &TestServerSetup{
		Replicator: rep,
		Catalog:    catalog,
		Server:     server,
		HTTP:       ts,
		Auth:       server.jwtAuth,
	}
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, isAdmin)
	require.NoError(t, err)
	return token
}

// Do sends a request with an optional JSON body and bearer token
func (setup *TestServerSetup) Do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, setup.HTTP.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := setup.HTTP.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// decodeBody decodes a JSON response body into v
func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
