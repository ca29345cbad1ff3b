package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	// Application info
	appName    = "feedmesh"
	appVersion = "0.1.0"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run starts the daemon and blocks until a shutdown signal. It returns the process exit code.
func run(args []string) int {
	config, err := parseConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return 2
	}

	if config.ShowVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		return 0
	}

	logger, err := newLogger(config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return 2
	}
	defer logger.Sync()

	logger.Info("🚀 Starting "+appName, zap.String("version", appVersion))
	logger.Info("📋 Node", zap.String("node_id", config.NodeID))
	if config.ConfigSource != "" {
		logger.Info("📄 Using configuration file", zap.String("path", config.ConfigSource))
	}

	n, err := newNode(config, logger)
	if err != nil {
		logger.Error("❌ Failed to create node", zap.Error(err))
		return 1
	}
	logger.Info("🆔 Replicator identity", zap.String("identity", n.replicator.Identity().String()))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := n.start(ctx); err != nil {
		logger.Error("❌ Failed to start node", zap.Error(err))
		shutdown(n, config.StopGrace, logger)
		return 1
	}

	if config.ShowHealth {
		code := printHealth(ctx, n)
		shutdown(n, config.StopGrace, logger)
		return code
	}

	logStartupInfo(ctx, n, logger)
	logger.Info("✅ Node started, use Ctrl+C to shutdown gracefully", zap.String("node_id", config.NodeID))

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("🛑 Received shutdown signal, shutting down gracefully...")
	case err := <-n.failures():
		logger.Error("❌ Server failed, shutting down", zap.Error(err))
		code = 1
	}

	if err := shutdown(n, config.StopGrace, logger); err != nil {
		code = 1
	}
	logger.Info("👋 Node stopped", zap.String("node_id", config.NodeID))
	return code
}

func shutdown(n *node, grace time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := n.stop(ctx); err != nil {
		logger.Warn("⚠️  Error during graceful stop", zap.Error(err))
		return err
	}
	return nil
}

// logStartupInfo logs listener addresses and health once the node is up
func logStartupInfo(ctx context.Context, n *node, logger *zap.Logger) {
	if addr := n.httpAddr(); addr != "" {
		logger.Info("🔌 HTTP API", zap.String("addr", addr))
	}
	if addr := n.grpcAddr(); addr != "" {
		logger.Info("🩺 gRPC health", zap.String("addr", addr))
	}

	health := n.replicator.Health(ctx)
	logger.Info("🏥 Health Status",
		zap.String("overall", healthStatus(health.Healthy)),
		zap.Int("feeds", health.Feeds),
		zap.Int("active_connections", health.ActiveConnections))
	if !health.Healthy {
		logger.Warn("⚠️  Health issues", zap.String("message", health.Message))
	}
}

// printHealth prints health for the --health flag and returns the exit code
func printHealth(ctx context.Context, n *node) int {
	health := n.replicator.Health(ctx)

	fmt.Printf("feedmesh Node Health Status:\n")
	fmt.Printf("  Overall: %s\n", healthStatus(health.Healthy))
	fmt.Printf("  Identity: %s\n", n.replicator.Identity())
	fmt.Printf("  Feeds: %d\n", health.Feeds)
	fmt.Printf("  Active Connections: %d\n", health.ActiveConnections)
	fmt.Printf("  Terminated Connections: %d\n", health.TerminatedConnections)
	fmt.Printf("  Failed Connections: %d\n", health.FailedConnections)
	fmt.Printf("  Subscribers: %d\n", health.Subscribers)
	fmt.Printf("  Message: %s\n", health.Message)

	if health.Healthy {
		return 0
	}
	return 1
}

// healthStatus returns a colored health status string
func healthStatus(healthy bool) string {
	if healthy {
		return "✅ Healthy"
	}
	return "❌ Unhealthy"
}
