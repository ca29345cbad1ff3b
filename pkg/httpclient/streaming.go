package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StreamClient handles Server-Sent Events streaming
type StreamClient struct {
	client *Client
	events chan EventStreamMessage
	errors chan error
	done   chan struct{}
	cancel context.CancelFunc
}

// StreamConfig configures the streaming client
type StreamConfig struct {
	// Kind filters events by kind, e.g. "FeedAvailable" (optional)
	Kind string

	// BufferSize for the event channel
	BufferSize int

	// ReconnectDelay for automatic reconnection
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
}

// Stream opens the replicator event stream. Events arrive on Events until
// Close is called or reconnect attempts are exhausted.
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	config.SetDefaults()

	streamCtx, cancel := context.WithCancel(ctx)

	streamClient := &StreamClient{
		client: c,
		events: make(chan EventStreamMessage, config.BufferSize),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go streamClient.startStreaming(streamCtx, config)

	return streamClient, nil
}

// Events returns the channel for receiving events
func (sc *StreamClient) Events() <-chan EventStreamMessage {
	return sc.events
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// Close stops the streaming client and waits for it to finish
func (sc *StreamClient) Close() error {
	sc.cancel()
	<-sc.done
	return nil
}

// startStreaming handles the SSE streaming loop with reconnection
func (sc *StreamClient) startStreaming(ctx context.Context, config StreamConfig) {
	defer close(sc.done)
	defer close(sc.events)
	defer close(sc.errors)

	attempts := 0
	for {
		err := sc.connectAndStream(ctx, config)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sc.reportError(fmt.Errorf("streaming error: %w", err))
		}

		if config.MaxReconnectAttempts > 0 && attempts >= config.MaxReconnectAttempts {
			sc.reportError(fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts))
			return
		}
		attempts++

		select {
		case <-time.After(config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// reportError never blocks; errors are dropped when nobody reads them
func (sc *StreamClient) reportError(err error) {
	select {
	case sc.errors <- err:
	default:
	}
}

// connectAndStream establishes SSE connection and processes events
func (sc *StreamClient) connectAndStream(ctx context.Context, config StreamConfig) error {
	streamURL := sc.client.baseURL.ResolveReference(&url.URL{Path: "/api/v1/events/stream"})
	if config.Kind != "" {
		values := streamURL.Query()
		values.Set("kind", config.Kind)
		streamURL.RawQuery = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create streaming request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+sc.client.token)

	// The client timeout would cut long-lived streams, so use a copy without one
	streamHTTP := *sc.client.httpClient
	streamHTTP.Timeout = 0

	resp, err := streamHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	return sc.processSSEStream(ctx, resp.Body)
}

// processSSEStream reads and parses Server-Sent Events
func (sc *StreamClient) processSSEStream(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		line := scanner.Text()

		// Comments (keepalives) and blank separators carry no data
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var event EventStreamMessage
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			sc.reportError(fmt.Errorf("failed to parse event: %w", err))
			continue
		}

		select {
		case sc.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}
