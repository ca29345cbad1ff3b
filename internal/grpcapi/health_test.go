package grpcapi

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/replicator"
	pkgreplicator "github.com/rmacdonaldsmith/feedmesh-go/pkg/replicator"
)

// toggleSource is a HealthSource whose health is flipped by the test
type toggleSource struct {
	healthy atomic.Bool
}

func (s *toggleSource) Health(ctx context.Context) pkgreplicator.HealthStatus {
	return pkgreplicator.HealthStatus{Healthy: s.healthy.Load()}
}

func startHealth(t *testing.T, source HealthSource) healthpb.HealthClient {
	t.Helper()

	server, err := NewHealthServer(source, Config{
		PollInterval: 20 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestNewHealthServer_NilSource(t *testing.T) {
	_, err := NewHealthServer(nil, Config{})
	assert.ErrorIs(t, err, ErrNilSource)
}

func TestHealthServer_ReflectsReplicator(t *testing.T) {
	rep, err := replicator.New(replicator.NewConfig("health-node"))
	require.NoError(t, err)
	defer rep.Close()

	client := startHealth(t, rep)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))

	require.NoError(t, rep.Close())

	require.Eventually(t, func() bool {
		return check(t, client, ServiceName) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))
}

func TestHealthServer_UnknownService(t *testing.T) {
	source := &toggleSource{}
	source.healthy.Store(true)
	client := startHealth(t, source)

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "other.Service"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthServer_RecoversAfterUnhealthy(t *testing.T) {
	source := &toggleSource{}
	client := startHealth(t, source)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName))

	source.healthy.Store(true)
	require.Eventually(t, func() bool {
		return check(t, client, ServiceName) == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthServer_Watch(t *testing.T) {
	source := &toggleSource{}
	client := startHealth(t, source)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, first.Status)

	source.healthy.Store(true)
	next, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, next.Status)
}

func TestHealthServer_RefreshAndStop(t *testing.T) {
	source := &toggleSource{}
	server, err := NewHealthServer(source, Config{})
	require.NoError(t, err)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, server.Refresh(context.Background()))
	source.healthy.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, server.Refresh(context.Background()))

	server.Stop()
	server.Stop()
}
