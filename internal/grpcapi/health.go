// Package grpcapi exposes the replicator's health over the standard gRPC
// health checking protocol, so orchestrators can probe a node without
// speaking the HTTP API.
package grpcapi

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
)

const (
	// ServiceName is the health service name reported for the replicator
	ServiceName = "feedmesh.Replicator"

	// DefaultPort is the gRPC health port used when none is configured
	DefaultPort = "9091"

	// DefaultPollInterval is how often replicator health is sampled
	DefaultPollInterval = time.Second
)

// ErrNilSource is returned when no health source is supplied
var ErrNilSource = errors.New("health source cannot be nil")

// HealthSource reports the aggregate replicator health
type HealthSource interface {
	Health(ctx context.Context) replicator.HealthStatus
}

// Config holds health server configuration
type Config struct {
	Port         string
	PollInterval time.Duration
	Logger       *zap.Logger
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// HealthServer serves grpc.health.v1 and mirrors the replicator's health into it
type HealthServer struct {
	source HealthSource
	config Config
	logger *zap.Logger
	health *health.Server
	grpc   *grpc.Server

	mu      sync.Mutex
	current healthpb.HealthCheckResponse_ServingStatus

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthServer creates a health server for source. Status starts as
// NOT_SERVING until the first poll.
func NewHealthServer(source HealthSource, config Config) (*HealthServer, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	config.SetDefaults()

	s := &HealthServer{
		source:  source,
		config:  config,
		logger:  config.Logger,
		health:  health.NewServer(),
		grpc:    grpc.NewServer(),
		current: healthpb.HealthCheckResponse_NOT_SERVING,
		stop:    make(chan struct{}),
	}
	s.health.SetServingStatus("", s.current)
	s.health.SetServingStatus(ServiceName, s.current)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s, nil
}

// Start listens on the configured port and serves until Stop
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", ":"+s.config.Port)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve polls the source and serves on lis until Stop
func (s *HealthServer) Serve(lis net.Listener) error {
	s.Refresh(context.Background())

	s.wg.Add(1)
	go s.poll()

	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Refresh samples the source once and publishes the resulting status
func (s *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	h := s.source.Health(ctx)
	if h.Healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.mu.Lock()
	changed := status != s.current
	s.current = status
	s.mu.Unlock()

	if changed {
		s.health.SetServingStatus("", status)
		s.health.SetServingStatus(ServiceName, status)
		s.logger.Info("health status changed",
			zap.String("status", status.String()),
			zap.String("message", h.Message))
	}
	return status
}

// Stop halts polling, marks every service NOT_SERVING and stops the gRPC server
func (s *HealthServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.health.Shutdown()
		// Watch streams never end on their own, so GracefulStop could hang
		s.grpc.Stop()
	})
}

func (s *HealthServer) poll() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.PollInterval)
			s.Refresh(ctx)
			cancel()
		}
	}
}
