package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

const waitTimeout = 2 * time.Second

func identity(b byte) wire.RemoteKey {
	var k wire.RemoteKey
	for i := range k {
		k[i] = b
	}
	return k
}

func publicKey(b byte) feed.PublicKey {
	var pk feed.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	left, right := net.Pipe()

	a, err := NewSession(left, true, Config{Identity: identity(0xA), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	b, err := NewSession(right, false, Config{Identity: identity(0xB), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func nextEvent(t *testing.T, s *Session) wire.Event {
	t.Helper()
	events, _ := s.Events()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for wire event")
	}
	return nil
}

// streamEnd waits for the event stream to close and returns the session error
func streamEnd(t *testing.T, s *Session) error {
	t.Helper()
	events, errs := s.Events()
	errc := errs
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return <-errs
			}
		case err, ok := <-errc:
			if ok && err != nil {
				return err
			}
			errc = nil
		case <-deadline:
			t.Fatal("timed out waiting for stream end")
			return nil
		}
	}
}

func TestSession_HandshakeExchangesIdentity(t *testing.T) {
	a, b := newPair(t)

	evA := nextEvent(t, a)
	evB := nextEvent(t, b)

	require.IsType(t, wire.Handshake{}, evA)
	require.IsType(t, wire.Handshake{}, evB)
	assert.Equal(t, identity(0xB), evA.(wire.Handshake).Remote)
	assert.Equal(t, identity(0xA), evB.(wire.Handshake).Remote)

	remote, ok := a.Remote()
	assert.True(t, ok)
	assert.Equal(t, identity(0xB), remote)
}

func TestSession_BothSidesOpenEstablishesChannel(t *testing.T) {
	a, b := newPair(t)
	nextEvent(t, a)
	nextEvent(t, b)
	ctx := context.Background()
	pk := publicKey(1)

	require.NoError(t, a.Open(ctx, pk))
	req := nextEvent(t, b)
	require.IsType(t, wire.DiscoveryKeyRequested{}, req)
	assert.Equal(t, pk.DiscoveryKey(), req.(wire.DiscoveryKeyRequested).Key)

	require.NoError(t, b.Open(ctx, pk))

	chB := nextEvent(t, b)
	require.IsType(t, wire.ChannelOpened{}, chB)
	assert.Equal(t, pk.DiscoveryKey(), chB.(wire.ChannelOpened).Channel.DiscoveryKey())

	chA := nextEvent(t, a)
	require.IsType(t, wire.ChannelOpened{}, chA)
	assert.Equal(t, pk.DiscoveryKey(), chA.(wire.ChannelOpened).Channel.DiscoveryKey())
}

func TestSession_OpenIsIdempotent(t *testing.T) {
	a, b := newPair(t)
	nextEvent(t, a)
	nextEvent(t, b)
	ctx := context.Background()

	require.NoError(t, a.Open(ctx, publicKey(1)))
	require.NoError(t, a.Open(ctx, publicKey(1)))
	require.NoError(t, a.Open(ctx, publicKey(2)))

	first := nextEvent(t, b)
	second := nextEvent(t, b)
	assert.Equal(t, publicKey(1).DiscoveryKey(), first.(wire.DiscoveryKeyRequested).Key)
	assert.Equal(t, publicKey(2).DiscoveryKey(), second.(wire.DiscoveryKeyRequested).Key)
}

func TestSession_ChannelCloseReachesRemote(t *testing.T) {
	a, b := newPair(t)
	nextEvent(t, a)
	nextEvent(t, b)
	ctx := context.Background()
	pk := publicKey(3)

	require.NoError(t, b.Open(ctx, pk))
	nextEvent(t, a) // DiscoveryKeyRequested
	require.NoError(t, a.Open(ctx, pk))

	chA := nextEvent(t, a).(wire.ChannelOpened).Channel
	chB := nextEvent(t, b).(wire.ChannelOpened).Channel

	require.NoError(t, chA.Close())
	select {
	case <-chB.Done():
	case <-time.After(waitTimeout):
		t.Fatal("remote channel not closed")
	}
}

func TestSession_CloseEndsStreamsWithoutError(t *testing.T) {
	a, b := newPair(t)
	nextEvent(t, a)
	nextEvent(t, b)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.NoError(t, streamEnd(t, a))
	assert.NoError(t, streamEnd(t, b))

	assert.ErrorIs(t, a.Open(context.Background(), publicKey(1)), ErrSessionClosed)
}

func TestSession_SessionEndClosesChannels(t *testing.T) {
	a, b := newPair(t)
	nextEvent(t, a)
	nextEvent(t, b)
	ctx := context.Background()
	pk := publicKey(4)

	require.NoError(t, a.Open(ctx, pk))
	require.NoError(t, b.Open(ctx, pk))
	chA := nextEvent(t, a)
	for {
		if _, ok := chA.(wire.ChannelOpened); ok {
			break
		}
		chA = nextEvent(t, a)
	}

	b.Close()
	select {
	case <-chA.(wire.ChannelOpened).Channel.Done():
	case <-time.After(waitTimeout):
		t.Fatal("channel not closed after session end")
	}
}

func TestSession_OpenHonoursContext(t *testing.T) {
	a, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Open(ctx, publicKey(1)), context.Canceled)
}

// rawPeer is the far end of a pipe driven by hand-written frames
func rawPeer(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	left, right := net.Pipe()
	s, err := NewSession(left, false, Config{Identity: identity(0xC), MaxFrameSize: 128})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		right.Close()
	})

	// The session writes its handshake first; keep draining
	go io.Copy(io.Discard, right)
	return s, right
}

func writeRaw(t *testing.T, conn net.Conn, f frame) {
	t.Helper()
	_, err := conn.Write(f.encode())
	require.NoError(t, err)
}

func TestSession_OpenBeforeHandshakeIsFatal(t *testing.T) {
	s, conn := rawPeer(t)
	dk := publicKey(1).DiscoveryKey()

	writeRaw(t, conn, frame{typ: frameOpen, key: dk[:], channel: 1})
	assert.ErrorIs(t, streamEnd(t, s), ErrOpenBeforeHandshake)
}

func TestSession_DuplicateHandshakeIsFatal(t *testing.T) {
	s, conn := rawPeer(t)
	id := identity(0xD)

	writeRaw(t, conn, frame{typ: frameHandshake, key: id[:]})
	writeRaw(t, conn, frame{typ: frameHandshake, key: id[:]})
	assert.ErrorIs(t, streamEnd(t, s), ErrDuplicateHandshake)
}

func TestSession_UnknownFrameIsFatal(t *testing.T) {
	s, conn := rawPeer(t)

	writeRaw(t, conn, frame{typ: frameType(42)})
	assert.ErrorIs(t, streamEnd(t, s), ErrUnknownFrame)
}

func TestSession_OpenAfterFailureReportsCause(t *testing.T) {
	s, conn := rawPeer(t)

	writeRaw(t, conn, frame{typ: frameType(42)})
	require.ErrorIs(t, streamEnd(t, s), ErrUnknownFrame)

	err := s.Open(context.Background(), publicKey(1))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestSession_OversizedFrameIsFatal(t *testing.T) {
	s, conn := rawPeer(t)

	prefix := binary.AppendUvarint(nil, 4096)
	_, err := conn.Write(prefix)
	require.NoError(t, err)
	assert.ErrorIs(t, streamEnd(t, s), ErrFrameTooLarge)
}

func TestSession_MalformedHandshakeIsFatal(t *testing.T) {
	s, conn := rawPeer(t)

	writeRaw(t, conn, frame{typ: frameHandshake, key: []byte{1, 2, 3}})
	assert.ErrorIs(t, streamEnd(t, s), ErrMalformedFrame)
}

func TestSession_TruncatedFrameIsError(t *testing.T) {
	left, right := net.Pipe()
	s, err := NewSession(left, false, Config{Identity: identity(0xC), MaxFrameSize: 128})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Take the handshake so the session has nothing left to write when the pipe closes
	hs, err := readFrame(bufio.NewReader(right), 128)
	require.NoError(t, err)
	require.Equal(t, frameHandshake, hs.typ)

	full := frame{typ: frameHandshake, key: make([]byte, 32)}.encode()
	_, err = right.Write(full[:len(full)-5])
	require.NoError(t, err)
	right.Close()

	assert.ErrorIs(t, streamEnd(t, s), io.ErrUnexpectedEOF)
}

// scriptedConn fails every write and serves reads only once the session closed it
type scriptedConn struct {
	data    *bytes.Reader
	readErr error
	closed  chan struct{}
	once    sync.Once
}

var errWriteRefused = errors.New("write refused")

func newScriptedConn(data []byte, readErr error) *scriptedConn {
	return &scriptedConn{data: bytes.NewReader(data), readErr: readErr, closed: make(chan struct{})}
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	return 0, errWriteRefused
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	<-c.closed
	if c.data.Len() > 0 {
		return c.data.Read(p)
	}
	return 0, c.readErr
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestSession_ReadErrorWinsOverWriteError(t *testing.T) {
	full := frame{typ: frameHandshake, key: make([]byte, 32)}.encode()
	conn := newScriptedConn(full[:len(full)-5], io.EOF)

	s, err := NewSession(conn, false, Config{Identity: identity(0xC), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	err = streamEnd(t, s)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, errWriteRefused)
}

func TestSession_WriteErrorReportedWhenReadSawLocalClose(t *testing.T) {
	conn := newScriptedConn(nil, io.ErrClosedPipe)

	s, err := NewSession(conn, false, Config{Identity: identity(0xC), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	assert.ErrorIs(t, streamEnd(t, s), errWriteRefused)
}

func TestDecodeFrame_SkipsUnknownFields(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, fieldType, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(frameClose))
	body = protowire.AppendTag(body, 15, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("future"))
	body = protowire.AppendTag(body, fieldChannel, protowire.VarintType)
	body = protowire.AppendVarint(body, 7)

	f, err := decodeFrame(body)
	require.NoError(t, err)
	assert.Equal(t, frameClose, f.typ)
	assert.Equal(t, uint64(7), f.channel)
}

func TestDecodeFrame_Errors(t *testing.T) {
	_, err := decodeFrame([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	var noType []byte
	noType = protowire.AppendTag(noType, fieldChannel, protowire.VarintType)
	noType = protowire.AppendVarint(noType, 1)
	_, err = decodeFrame(noType)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "valid config", config: Config{Identity: identity(1)}},
		{name: "empty identity", config: Config{}, wantErr: ErrEmptyIdentity},
		{name: "negative frame size", config: Config{Identity: identity(1), MaxFrameSize: -1}, wantErr: ErrNegativeFrameSize},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{Identity: identity(1)}
	cfg.SetDefaults()

	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
	assert.NotNil(t, cfg.Logger)
}

func TestNewSession_InvalidArguments(t *testing.T) {
	_, err := NewSession(nil, true, Config{Identity: identity(1)})
	assert.Error(t, err)

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()
	_, err = NewSession(left, true, Config{})
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}
