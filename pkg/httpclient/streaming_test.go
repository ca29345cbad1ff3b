package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSSE(t *testing.T, w http.ResponseWriter, event EventStreamMessage) {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func TestStreamConfig_SetDefaults(t *testing.T) {
	t.Run("sets_default_values", func(t *testing.T) {
		config := StreamConfig{}
		config.SetDefaults()

		assert.Equal(t, 100, config.BufferSize)
		assert.Equal(t, 2*time.Second, config.ReconnectDelay)
		assert.Equal(t, 0, config.MaxReconnectAttempts)
	})

	t.Run("preserves_custom_values", func(t *testing.T) {
		config := StreamConfig{
			Kind:                 "FeedAvailable",
			BufferSize:           5,
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 3,
		}
		config.SetDefaults()

		assert.Equal(t, "FeedAvailable", config.Kind)
		assert.Equal(t, 5, config.BufferSize)
		assert.Equal(t, time.Second, config.ReconnectDelay)
		assert.Equal(t, 3, config.MaxReconnectAttempts)
	})
}

func TestStreamClient_ReceivesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events/stream", r.URL.Path)
		assert.Equal(t, "FeedAvailable", r.URL.Query().Get("kind"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": SSE connection established for kind: FeedAvailable\n\n")
		fmt.Fprint(w, ": ping\n\n")
		writeSSE(t, w, EventStreamMessage{Kind: "FeedAvailable", DiscoveryKey: "aa", Timestamp: time.Now()})
		writeSSE(t, w, EventStreamMessage{Kind: "FeedAvailable", DiscoveryKey: "bb", Timestamp: time.Now()})

		<-r.Context().Done()
	}))
	defer server.Close()

	client := newAuthedClient(t, server)
	stream, err := client.Stream(context.Background(), StreamConfig{Kind: "FeedAvailable"})
	require.NoError(t, err)
	defer stream.Close()

	var keys []string
	timeout := time.After(2 * time.Second)
	for len(keys) < 2 {
		select {
		case event := <-stream.Events():
			assert.Equal(t, "FeedAvailable", event.Kind)
			keys = append(keys, event.DiscoveryKey)
		case err := <-stream.Errors():
			t.Fatalf("unexpected stream error: %v", err)
		case <-timeout:
			t.Fatalf("timed out, received %v", keys)
		}
	}
	assert.Equal(t, []string{"aa", "bb"}, keys)
}

func TestStreamClient_BadEventReportsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {not json}\n\n")
		writeSSE(t, w, EventStreamMessage{Kind: "UnknownFeedRequested", DiscoveryKey: "cc"})
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newAuthedClient(t, server)
	stream, err := client.Stream(context.Background(), StreamConfig{})
	require.NoError(t, err)
	defer stream.Close()

	select {
	case err := <-stream.Errors():
		assert.ErrorContains(t, err, "failed to parse event")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a parse error")
	}

	select {
	case event := <-stream.Events():
		assert.Equal(t, "cc", event.DiscoveryKey)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the following event")
	}
}

func TestStreamClient_Reconnection(t *testing.T) {
	t.Run("reconnects_after_failure", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) == 1 {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			writeSSE(t, w, EventStreamMessage{Kind: "FeedAvailable", DiscoveryKey: "aa"})
			<-r.Context().Done()
		}))
		defer server.Close()

		client := newAuthedClient(t, server)
		stream, err := client.Stream(context.Background(), StreamConfig{ReconnectDelay: 20 * time.Millisecond})
		require.NoError(t, err)
		defer stream.Close()

		select {
		case err := <-stream.Errors():
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
			assert.Equal(t, "boom", apiErr.Message)
		case <-time.After(2 * time.Second):
			t.Fatal("expected the first connection to fail")
		}

		select {
		case event := <-stream.Events():
			assert.Equal(t, "aa", event.DiscoveryKey)
		case <-time.After(2 * time.Second):
			t.Fatal("expected an event after reconnecting")
		}
		assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	})

	t.Run("gives_up_after_max_attempts", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := newAuthedClient(t, server)
		stream, err := client.Stream(context.Background(), StreamConfig{
			ReconnectDelay:       10 * time.Millisecond,
			MaxReconnectAttempts: 2,
		})
		require.NoError(t, err)

		select {
		case <-stream.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("stream should stop after max attempts")
		}

		var last error
		for err := range stream.Errors() {
			last = err
		}
		assert.ErrorContains(t, last, "max reconnect attempts (2) exceeded")
		assert.Equal(t, int32(3), attempts.Load())
	})
}

func TestStreamClient_Lifecycle(t *testing.T) {
	t.Run("close_ends_stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}))
		defer server.Close()

		client := newAuthedClient(t, server)
		stream, err := client.Stream(context.Background(), StreamConfig{})
		require.NoError(t, err)

		require.NoError(t, stream.Close())

		select {
		case <-stream.Done():
		default:
			t.Fatal("Done should be closed after Close")
		}
		_, open := <-stream.Events()
		assert.False(t, open)
	})

	t.Run("context_cancel_ends_stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}))
		defer server.Close()

		client := newAuthedClient(t, server)
		ctx, cancel := context.WithCancel(context.Background())
		stream, err := client.Stream(ctx, StreamConfig{})
		require.NoError(t, err)

		cancel()
		select {
		case <-stream.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("stream should end when its context is cancelled")
		}
	})

	t.Run("stream_outlives_request_timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			time.Sleep(150 * time.Millisecond)
			writeSSE(t, w, EventStreamMessage{Kind: "UnknownFeedRequested", DiscoveryKey: "dd"})
			<-r.Context().Done()
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL, ClientID: "test-client", Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		client.SetToken("test-token")

		stream, err := client.Stream(context.Background(), StreamConfig{})
		require.NoError(t, err)
		defer stream.Close()

		select {
		case event := <-stream.Events():
			assert.Equal(t, "dd", event.DiscoveryKey)
		case err := <-stream.Errors():
			t.Fatalf("unexpected stream error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("expected a delayed event")
		}
	})
}
