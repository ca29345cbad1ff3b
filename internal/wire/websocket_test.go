package wire

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

func TestWebSocketConn_CarriesSession(t *testing.T) {
	serverSessions := make(chan *Session, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		s, err := NewSession(NewWebSocketConn(ws), false, Config{Identity: identity(0xB)})
		if err != nil {
			t.Errorf("server session failed: %v", err)
			return
		}
		serverSessions <- s
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	client, err := NewSession(NewWebSocketConn(ws), true, Config{Identity: identity(0xA)})
	require.NoError(t, err)
	defer client.Close()

	var server *Session
	select {
	case server = <-serverSessions:
	case <-time.After(waitTimeout):
		t.Fatal("server session not created")
	}
	defer server.Close()

	ev := nextEvent(t, client)
	require.IsType(t, wire.Handshake{}, ev)
	assert.Equal(t, identity(0xB), ev.(wire.Handshake).Remote)

	ev = nextEvent(t, server)
	require.IsType(t, wire.Handshake{}, ev)
	assert.Equal(t, identity(0xA), ev.(wire.Handshake).Remote)

	require.NoError(t, client.Open(context.Background(), publicKey(5)))
	ev = nextEvent(t, server)
	require.IsType(t, wire.DiscoveryKeyRequested{}, ev)

	require.NoError(t, client.Close())
	assert.NoError(t, streamEnd(t, server))
}

func TestJoinIO_ClosesBothHalves(t *testing.T) {
	r, w := io.Pipe()
	joined := JoinIO(r, w)

	go func() {
		joined.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(joined, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, joined.Close())
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
