package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/feedlog"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/grpcapi"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/replicator"
	"github.com/rmacdonaldsmith/feedmesh-go/internal/wire"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
	pkgreplicator "github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
)

const maxConcurrentDials = 4

// node wires a replicator to its peer listeners, seed dialing, HTTP API and
// gRPC health server.
type node struct {
	config     *nodeConfig
	logger     *zap.Logger
	replicator *replicator.Replicator
	catalog    *feedlog.Catalog
	api        *httpapi.Server
	health     *grpcapi.HealthServer
	upgrader   websocket.Upgrader

	peerListener net.Listener
	wsListener   net.Listener
	wsServer     *http.Server
	httpListener net.Listener
	grpcListener net.Listener

	wg       sync.WaitGroup
	errs     chan error
	stopOnce sync.Once
	stopErr  error
}

func newNode(config *nodeConfig, logger *zap.Logger) (*node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rep, err := replicator.New(replicator.NewConfig(config.NodeID).
		WithLogger(logger.Named("replicator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create replicator: %w", err)
	}

	n := &node{
		config:     config,
		logger:     logger,
		replicator: rep,
		catalog:    feedlog.NewCatalog(),
		errs:       make(chan error, 4),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are replicators, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if !config.DisableHTTP {
		n.api, err = httpapi.NewServer(rep, n.catalog, httpapi.Config{
			Port:      config.HTTPPort,
			SecretKey: config.SecretKey,
			NodeID:    config.NodeID,
			NoAuth:    config.NoAuth,
			Dialer:    n.dial,
			Logger:    logger.Named("httpapi"),
		})
		if err != nil {
			rep.Close()
			return nil, fmt.Errorf("failed to create HTTP API: %w", err)
		}
	}

	if !config.DisableGRPC {
		n.health, err = grpcapi.NewHealthServer(rep, grpcapi.Config{
			Port:   config.GRPCPort,
			Logger: logger.Named("grpc"),
		})
		if err != nil {
			rep.Close()
			return nil, fmt.Errorf("failed to create gRPC health server: %w", err)
		}
	}

	return n, nil
}

// start registers the configured feeds, opens every listener and dials the seeds.
// On error everything already opened is left for stop to release.
func (n *node) start(ctx context.Context) error {
	if err := n.registerFeeds(ctx); err != nil {
		return err
	}

	if n.config.PeerListen != "" {
		lis, err := net.Listen("tcp", n.config.PeerListen)
		if err != nil {
			return fmt.Errorf("failed to listen for peers on %s: %w", n.config.PeerListen, err)
		}
		n.peerListener = lis
		n.logger.Info("🔗 Peer TCP listening", zap.String("addr", lis.Addr().String()))
		n.goServe("peer listener", func() error { return n.acceptLoop(lis) })
	}

	if n.config.WSListen != "" {
		lis, err := net.Listen("tcp", n.config.WSListen)
		if err != nil {
			return fmt.Errorf("failed to listen for WebSocket peers on %s: %w", n.config.WSListen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc(n.config.WSPath, n.handleWebSocket)
		n.wsListener = lis
		n.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		n.logger.Info("🌐 Peer WebSocket listening",
			zap.String("addr", lis.Addr().String()),
			zap.String("path", n.config.WSPath))
		n.goServe("websocket listener", func() error {
			if err := n.wsServer.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if n.api != nil {
		lis, err := net.Listen("tcp", ":"+n.config.HTTPPort)
		if err != nil {
			return fmt.Errorf("failed to listen for HTTP API on port %s: %w", n.config.HTTPPort, err)
		}
		n.httpListener = lis
		n.goServe("HTTP API", func() error { return n.api.Serve(lis) })
	}

	if n.health != nil {
		lis, err := net.Listen("tcp", ":"+n.config.GRPCPort)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC health on port %s: %w", n.config.GRPCPort, err)
		}
		n.grpcListener = lis
		n.goServe("gRPC health", func() error { return n.health.Serve(lis) })
	}

	if len(n.config.Seeds) > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.dialSeeds(ctx)
		}()
	}

	return nil
}

// registerFeeds creates the local writable feeds and the configured replicas
func (n *node) registerFeeds(ctx context.Context) error {
	for i := 0; i < n.config.Feeds; i++ {
		f, err := n.catalog.Create()
		if err != nil {
			return fmt.Errorf("failed to create feed: %w", err)
		}
		dk, err := n.replicator.AddFeed(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to register feed: %w", err)
		}
		n.logger.Info("📚 Created feed",
			zap.String("discovery_key", dk.String()),
			zap.String("public_key", f.PublicKey().String()))
	}

	for _, hexKey := range n.config.Replicas {
		pk, err := feed.ParsePublicKey(hexKey)
		if err != nil {
			return fmt.Errorf("invalid replica key %q: %w", hexKey, err)
		}
		dk, err := n.replicator.AddFeed(ctx, n.catalog.Replica(pk))
		if err != nil {
			return fmt.Errorf("failed to register replica: %w", err)
		}
		n.logger.Info("🪞 Registered replica", zap.String("discovery_key", dk.String()))
	}
	return nil
}

// goServe runs serve in the background and reports its error on errs
func (n *node) goServe(name string, serve func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := serve(); err != nil {
			select {
			case n.errs <- fmt.Errorf("%s: %w", name, err):
			default:
				n.logger.Error("server failed", zap.String("server", name), zap.Error(err))
			}
		}
	}()
}

// failures reports fatal failures of the background servers
func (n *node) failures() <-chan error {
	return n.errs
}

func (n *node) acceptLoop(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		id, err := n.replicator.AddStream(conn, false)
		if err != nil {
			conn.Close()
			n.logger.Warn("rejected peer connection",
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.Error(err))
			continue
		}
		n.logger.Info("🤝 Accepted peer",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.String("connection_id", string(id)))
	}
}

func (n *node) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		n.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	id, err := n.replicator.AddStream(wire.NewWebSocketConn(ws), false)
	if err != nil {
		ws.Close()
		n.logger.Warn("rejected websocket peer",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}
	n.logger.Info("🤝 Accepted WebSocket peer",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("connection_id", string(id)))
}

// dial connects to address as initiator; it backs POST /api/v1/connections
func (n *node) dial(ctx context.Context, address string) (pkgreplicator.ConnectionID, error) {
	peer, err := discovery.ParseSeed(address)
	if err != nil {
		return "", err
	}
	return n.dialPeer(ctx, peer)
}

func (n *node) dialPeer(ctx context.Context, peer discovery.Peer) (pkgreplicator.ConnectionID, error) {
	dialCtx, cancel := context.WithTimeout(ctx, n.config.DialTimeout)
	defer cancel()

	conn, err := discovery.Dial(dialCtx, peer)
	if err != nil {
		return "", err
	}

	id, err := n.replicator.AddStream(conn, true)
	if err != nil {
		conn.Close()
		return "", err
	}
	n.logger.Info("🔌 Connected to peer",
		zap.String("peer", peer.ID),
		zap.String("connection_id", string(id)))
	return id, nil
}

// dialSeeds connects to every seed peer; a failed seed is logged and skipped
func (n *node) dialSeeds(ctx context.Context) {
	peers, err := discovery.NewStaticDiscovery(n.config.Seeds).FindPeers(ctx)
	if err != nil {
		n.logger.Error("seed discovery failed", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDials)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if _, err := n.dialPeer(gctx, peer); err != nil {
				n.logger.Warn("⚠️  Failed to dial seed", zap.String("peer", peer.ID), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

func (n *node) peerAddr() string { return listenerAddr(n.peerListener) }
func (n *node) wsAddr() string   { return listenerAddr(n.wsListener) }
func (n *node) httpAddr() string { return listenerAddr(n.httpListener) }
func (n *node) grpcAddr() string { return listenerAddr(n.grpcListener) }

func listenerAddr(lis net.Listener) string {
	if lis == nil {
		return ""
	}
	return lis.Addr().String()
}

// stop closes the listeners, then the replicator, then the API servers.
// Closing the replicator first ends open SSE streams so the HTTP shutdown
// does not wait on them.
func (n *node) stop(ctx context.Context) error {
	n.stopOnce.Do(func() {
		var errs []error
		if n.peerListener != nil {
			if err := n.peerListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if n.wsServer != nil {
			errs = append(errs, n.wsServer.Shutdown(ctx))
		}

		errs = append(errs, n.replicator.Close())
		if err := n.replicator.WaitConnections(ctx); err != nil {
			n.logger.Warn("connections still running at shutdown", zap.Error(err))
		}

		if n.api != nil {
			errs = append(errs, n.api.Stop(ctx))
		}
		if n.health != nil {
			n.health.Stop()
		}
		errs = append(errs, n.catalog.Close())

		n.wg.Wait()
		n.stopErr = errors.Join(errs...)
	})
	return n.stopErr
}
