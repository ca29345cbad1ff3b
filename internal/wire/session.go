package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/unbounded"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

var (
	// ErrOpenBeforeHandshake is returned when the remote opens a channel before its handshake
	ErrOpenBeforeHandshake = errors.New("open received before handshake")
	// ErrDuplicateHandshake is returned when the remote sends a second handshake
	ErrDuplicateHandshake = errors.New("duplicate handshake")
	// ErrSessionClosed is returned when opening a feed on a finished session
	ErrSessionClosed = errors.New("session is closed")
)

// Session is a wire.Protocol over a single byte stream.
//
// Both sides send a handshake frame carrying their identity, then open feeds
// by discovery key. A channel is established once both sides have opened the
// same key. Outbound frames are written by a dedicated goroutine in the order
// they were queued, so Open never blocks on the transport.
type Session struct {
	conn      io.ReadWriteCloser
	initiator bool
	cfg       Config
	logger    *zap.Logger

	events   *unbounded.Queue[wire.Event]
	outbound *unbounded.Queue[frame]
	errc     chan error

	mu          sync.Mutex
	remote      *wire.RemoteKey
	localOpen   map[feed.DiscoveryKey]uint64
	remoteOpen  map[feed.DiscoveryKey]uint64
	channels    map[feed.DiscoveryKey]*channel
	nextChannel uint64
	closing     bool
	finished    bool
	err         error
	writeErr    error
}

var _ wire.Protocol = (*Session)(nil)

// NewSession starts a session over conn. The handshake frame is queued
// immediately; reading starts in the background.
func NewSession(conn io.ReadWriteCloser, initiator bool, cfg Config) (*Session, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wire config: %w", err)
	}

	s := &Session{
		conn:       conn,
		initiator:  initiator,
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("local", cfg.Identity.Short()), zap.Bool("initiator", initiator)),
		events:     unbounded.New[wire.Event](),
		outbound:   unbounded.New[frame](),
		errc:       make(chan error, 1),
		localOpen:  make(map[feed.DiscoveryKey]uint64),
		remoteOpen: make(map[feed.DiscoveryKey]uint64),
		channels:   make(map[feed.DiscoveryKey]*channel),
	}

	s.outbound.Push(frame{typ: frameHandshake, key: append([]byte(nil), cfg.Identity[:]...)})

	go s.writeLoop()
	go s.readLoop()

	return s, nil
}

// Events returns the ordered event stream and the error channel
func (s *Session) Events() (<-chan wire.Event, <-chan error) {
	return s.events.Out(), s.errc
}

// Open announces the feed to the remote. Opening the same feed twice is a no-op.
func (s *Session) Open(ctx context.Context, key feed.PublicKey) error {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dk := key.DiscoveryKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished && s.err != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, s.err)
	}
	if s.closing || s.finished {
		return ErrSessionClosed
	}
	if _, ok := s.localOpen[dk]; ok {
		return nil
	}

	s.nextChannel++
	id := s.nextChannel
	s.localOpen[dk] = id
	s.outbound.Push(frame{typ: frameOpen, key: append([]byte(nil), dk[:]...), channel: id})

	if remoteID, ok := s.remoteOpen[dk]; ok {
		s.establishLocked(dk, id, remoteID)
	}

	s.logger.Debug("opened feed", zap.String("dkey", dk.Short()), zap.Uint64("channel", id))
	return nil
}

// Close ends the session. The event stream closes without an error.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	finished := s.finished
	s.mu.Unlock()

	if finished {
		return nil
	}
	return s.conn.Close()
}

// Remote returns the remote identity once the handshake has been received
func (s *Session) Remote() (wire.RemoteKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return wire.RemoteKey{}, false
	}
	return *s.remote, true
}

func (s *Session) readLoop() {
	defer s.finish()

	r := bufio.NewReader(s.conn)
	for {
		f, err := readFrame(r, s.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.fail(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		if err := s.handle(f); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) writeLoop() {
	for f := range s.outbound.Out() {
		if _, err := s.conn.Write(f.encode()); err != nil {
			s.failWrite(fmt.Errorf("write %s frame: %w", f.typ, err))
			s.conn.Close()
			s.outbound.Discard()
			return
		}
	}
}

// fail records the first error unless the session is being closed locally
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.finished || s.err != nil {
		return
	}
	s.err = err
}

// failWrite records a write error. A read error is reported in its place
// unless the read only failed because the write side closed the connection.
func (s *Session) failWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.finished || s.writeErr != nil {
		return
	}
	s.writeErr = err
}

func closedLocally(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

func (s *Session) finish() {
	s.mu.Lock()
	s.finished = true
	err := s.err
	if s.writeErr != nil && (err == nil || closedLocally(err)) {
		err = s.writeErr
	}
	s.err = err
	channels := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[feed.DiscoveryKey]*channel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.markClosed()
	}

	s.conn.Close()
	s.outbound.Discard()

	if err != nil {
		s.logger.Debug("session failed", zap.Error(err))
		s.errc <- err
	}
	close(s.errc)
	s.events.Close()
}

func (s *Session) handle(f frame) error {
	switch f.typ {
	case frameHandshake:
		return s.handleHandshake(f)
	case frameOpen:
		return s.handleOpen(f)
	case frameClose:
		return s.handleClose(f)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFrame, uint64(f.typ))
	}
}

func (s *Session) handleHandshake(f frame) error {
	if len(f.key) != len(wire.RemoteKey{}) {
		return fmt.Errorf("%w: handshake key is %d bytes", ErrMalformedFrame, len(f.key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote != nil {
		return ErrDuplicateHandshake
	}
	var remote wire.RemoteKey
	copy(remote[:], f.key)
	s.remote = &remote
	s.events.Push(wire.Handshake{Remote: remote})

	s.logger.Debug("handshake received", zap.String("remote", remote.Short()))
	return nil
}

func (s *Session) handleOpen(f frame) error {
	dk, err := feed.DiscoveryKeyFromBytes(f.key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote == nil {
		return ErrOpenBeforeHandshake
	}
	if _, ok := s.remoteOpen[dk]; ok {
		return nil
	}
	s.remoteOpen[dk] = f.channel

	if localID, ok := s.localOpen[dk]; ok {
		s.establishLocked(dk, localID, f.channel)
		return nil
	}
	s.events.Push(wire.DiscoveryKeyRequested{Key: dk})
	return nil
}

func (s *Session) handleClose(f frame) error {
	s.mu.Lock()
	var closed *channel
	for dk, ch := range s.channels {
		if ch.remoteID == f.channel {
			closed = ch
			delete(s.channels, dk)
			delete(s.remoteOpen, dk)
			break
		}
	}
	s.mu.Unlock()

	if closed != nil {
		closed.markClosed()
	}
	return nil
}

// establishLocked creates the channel for dk and emits it. s.mu must be held.
func (s *Session) establishLocked(dk feed.DiscoveryKey, localID, remoteID uint64) {
	ch := &channel{
		session:  s,
		id:       localID,
		remoteID: remoteID,
		dk:       dk,
		done:     make(chan struct{}),
	}
	s.channels[dk] = ch
	s.events.Push(wire.ChannelOpened{Channel: ch})
}

// closeChannel is called when the local side closes ch
func (s *Session) closeChannel(ch *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.channels[ch.dk]; ok && current == ch {
		delete(s.channels, ch.dk)
		delete(s.remoteOpen, ch.dk)
	}
	if !s.closing && !s.finished {
		s.outbound.Push(frame{typ: frameClose, channel: ch.id})
	}
}

type channel struct {
	session  *Session
	id       uint64
	remoteID uint64
	dk       feed.DiscoveryKey

	once sync.Once
	done chan struct{}
}

var _ wire.Channel = (*channel)(nil)

func (c *channel) ID() uint64                      { return c.id }
func (c *channel) DiscoveryKey() feed.DiscoveryKey { return c.dk }
func (c *channel) Done() <-chan struct{}           { return c.done }

// Close closes the channel and tells the remote
func (c *channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.session.closeChannel(c)
	})
	return nil
}

func (c *channel) markClosed() {
	c.once.Do(func() {
		close(c.done)
	})
}
