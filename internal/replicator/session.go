package replicator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/hub"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/registry"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/wire"
)

var (
	// ErrChannelBeforeHandshake is returned when a channel arrives before the remote identity is known
	ErrChannelBeforeHandshake = errors.New("channel opened before handshake")
	// ErrDuplicateHandshake is returned when a connection handshakes twice
	ErrDuplicateHandshake = errors.New("duplicate handshake")
)

// session is the reaction loop of one connection.
//
// It merges the wire event stream with the replicator's hub subscription and
// processes one event at a time:
//
//	AwaitingHandshake --Handshake--> Active --stream end or error--> Terminated
//
// Every feed is opened at most once per connection, whether it was found in
// the registry snapshot taken at handshake or announced later by the hub.
type session struct {
	ctx      context.Context
	protocol wire.Protocol
	sub      *hub.Subscription[replicator.Event]
	registry *registry.Registry
	hub      *hub.Hub[replicator.Event]
	handle   *connHandle
	logger   *zap.Logger

	remote *wire.RemoteKey
	opened map[feed.DiscoveryKey]struct{}
}

// run processes events until the wire stream ends or a fatal error occurs.
// The protocol is closed and the subscription released on return.
func (s *session) run() error {
	defer s.protocol.Close()
	defer s.sub.Close()

	events, errs := s.protocol.Events()
	hubEvents := s.sub.C()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The error channel is read only once every earlier event is handled
				if errs == nil {
					return nil
				}
				if err, ok := <-errs; ok && err != nil {
					return fmt.Errorf("wire session: %w", err)
				}
				return nil
			}
			if err := s.handleWire(ev); err != nil {
				return err
			}

		case ev, ok := <-hubEvents:
			if !ok {
				// Hub closed; keep serving the wire stream until it ends
				hubEvents = nil
				continue
			}
			if err := s.handleReplicatorEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (s *session) handleWire(ev wire.Event) error {
	switch e := ev.(type) {
	case wire.Handshake:
		return s.onHandshake(e.Remote)
	case wire.ChannelOpened:
		return s.onChannel(e.Channel)
	case wire.DiscoveryKeyRequested:
		s.onDiscoveryKey(e.Key)
		return nil
	default:
		s.logger.Debug("ignoring wire event", zap.String("type", fmt.Sprintf("%T", ev)))
		return nil
	}
}

func (s *session) onHandshake(remote wire.RemoteKey) error {
	if s.remote != nil {
		return ErrDuplicateHandshake
	}
	s.remote = &remote
	s.handle.setActive(remote)
	s.logger = s.logger.With(zap.String("remote", remote.Short()))
	s.logger.Info("handshake complete")

	// Snapshot first; opens happen without any registry lock held
	for _, target := range s.registry.Snapshot() {
		if err := s.open(target.DiscoveryKey, target.PublicKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) onChannel(ch wire.Channel) error {
	if s.remote == nil {
		return ErrChannelBeforeHandshake
	}

	dk := ch.DiscoveryKey()
	pf, ok := s.registry.Lookup(dk)
	if !ok {
		s.logger.Debug("channel for unknown feed", zap.String("dkey", dk.Short()))
		return nil
	}

	if err := pf.AddPeer(s.ctx, *s.remote, ch); err != nil {
		// Replication of this feed failed; the connection itself is still usable
		s.logger.Warn("add peer failed", zap.String("dkey", dk.Short()), zap.Error(err))
		return nil
	}
	s.logger.Debug("peer added", zap.String("dkey", dk.Short()), zap.Uint64("channel", ch.ID()))
	return nil
}

func (s *session) onDiscoveryKey(dk feed.DiscoveryKey) {
	s.logger.Debug("remote requested unknown feed", zap.String("dkey", dk.Short()))
	s.hub.Emit(replicator.Event{Kind: replicator.UnknownFeedRequested, DiscoveryKey: dk})
}

func (s *session) handleReplicatorEvent(ev replicator.Event) error {
	switch ev.Kind {
	case replicator.FeedAvailable:
		// Before handshake the snapshot will include this feed
		if s.remote == nil {
			return nil
		}
		pk, ok := s.registry.PublicKey(ev.DiscoveryKey)
		if !ok {
			return nil
		}
		return s.open(ev.DiscoveryKey, pk)
	default:
		return nil
	}
}

func (s *session) open(dk feed.DiscoveryKey, pk feed.PublicKey) error {
	if _, ok := s.opened[dk]; ok {
		return nil
	}
	if err := s.protocol.Open(s.ctx, pk); err != nil {
		return fmt.Errorf("open feed %s: %w", dk.Short(), err)
	}
	s.opened[dk] = struct{}{}
	s.handle.addOpened()
	s.logger.Debug("opened feed", zap.String("dkey", dk.Short()))
	return nil
}
