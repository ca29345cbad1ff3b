package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/feedmesh-go/pkg/feed"
)

var (
	// ErrNoListeners is returned when neither peer listener is configured
	ErrNoListeners = errors.New("at least one of peer_listen or ws_listen is required")
	// ErrNegativeFeeds is returned for a negative local feed count
	ErrNegativeFeeds = errors.New("feeds cannot be negative")
)

// nodeConfig is the daemon configuration. Fields are filled from defaults,
// then the YAML file, then any flag set on the command line.
type nodeConfig struct {
	NodeID       string        `yaml:"node_id"`
	PeerListen   string        `yaml:"peer_listen"`
	WSListen     string        `yaml:"ws_listen"`
	WSPath       string        `yaml:"ws_path"`
	HTTPPort     string        `yaml:"http_port"`
	GRPCPort     string        `yaml:"grpc_port"`
	Seeds        []string      `yaml:"seeds"`
	Feeds        int           `yaml:"feeds"`
	Replicas     []string      `yaml:"replicas"`
	SecretKey    string        `yaml:"secret_key"`
	NoAuth       bool          `yaml:"no_auth"`
	DisableHTTP  bool          `yaml:"disable_http"`
	DisableGRPC  bool          `yaml:"disable_grpc"`
	LogLevel     string        `yaml:"log_level"`
	StopGrace    time.Duration `yaml:"stop_grace_period"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ShowVersion  bool          `yaml:"-"`
	ShowHealth   bool          `yaml:"-"`
	ConfigSource string        `yaml:"-"`
}

func defaultNodeConfig() *nodeConfig {
	return &nodeConfig{
		NodeID:      getDefaultNodeID(),
		PeerListen:  ":9090",
		WSPath:      "/replicate",
		HTTPPort:    "8081",
		GRPCPort:    "9091",
		LogLevel:    "info",
		StopGrace:   30 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

// getDefaultNodeID generates a default node ID based on hostname
func getDefaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "feedmesh-node-1"
	}
	return fmt.Sprintf("feedmesh-%s", hostname)
}

// loadConfigFile overlays the YAML file at path onto config. Unknown keys are rejected.
func loadConfigFile(path string, config *nodeConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	config.ConfigSource = path
	return nil
}

// parseConfig builds the configuration from command-line args
func parseConfig(args []string) (*nodeConfig, error) {
	config := defaultNodeConfig()

	// Flags are parsed into a scratch copy so that only flags actually given
	// override values from the file.
	flags := *config
	fs := pflag.NewFlagSet("feedmesh", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to a YAML configuration file")
	fs.StringVar(&flags.NodeID, "node-id", flags.NodeID, "Unique node identifier")
	fs.StringVar(&flags.PeerListen, "peer-listen", flags.PeerListen, "TCP listen address for peer connections (empty disables)")
	fs.StringVar(&flags.WSListen, "ws-listen", flags.WSListen, "WebSocket listen address for peer connections (empty disables)")
	fs.StringVar(&flags.WSPath, "ws-path", flags.WSPath, "HTTP path that accepts WebSocket peers")
	fs.StringVar(&flags.HTTPPort, "http-port", flags.HTTPPort, "HTTP API port")
	fs.StringVar(&flags.GRPCPort, "grpc-port", flags.GRPCPort, "gRPC health port")
	fs.StringSliceVar(&flags.Seeds, "seed", nil, "Seed peer to dial (host:port, tcp://, ws:// or wss://); repeatable")
	fs.IntVar(&flags.Feeds, "feeds", flags.Feeds, "Number of writable feeds to create at startup")
	fs.StringSliceVar(&flags.Replicas, "replica", nil, "Hex public key of a feed to replicate; repeatable")
	fs.StringVar(&flags.SecretKey, "secret-key", flags.SecretKey, "JWT signing secret for the HTTP API")
	fs.BoolVar(&flags.NoAuth, "no-auth", flags.NoAuth, "Disable HTTP API authentication (development only)")
	fs.BoolVar(&flags.DisableHTTP, "no-http", flags.DisableHTTP, "Do not start the HTTP API")
	fs.BoolVar(&flags.DisableGRPC, "no-grpc", flags.DisableGRPC, "Do not start the gRPC health server")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&flags.StopGrace, "stop-grace-period", flags.StopGrace, "Time allowed for graceful shutdown")
	fs.DurationVar(&flags.DialTimeout, "dial-timeout", flags.DialTimeout, "Timeout for dialing a seed peer")
	fs.BoolVar(&flags.ShowVersion, "version", false, "Show version and exit")
	fs.BoolVar(&flags.ShowHealth, "health", false, "Start, print health status and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := loadConfigFile(*configPath, config); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "node-id":
			config.NodeID = flags.NodeID
		case "peer-listen":
			config.PeerListen = flags.PeerListen
		case "ws-listen":
			config.WSListen = flags.WSListen
		case "ws-path":
			config.WSPath = flags.WSPath
		case "http-port":
			config.HTTPPort = flags.HTTPPort
		case "grpc-port":
			config.GRPCPort = flags.GRPCPort
		case "seed":
			config.Seeds = flags.Seeds
		case "feeds":
			config.Feeds = flags.Feeds
		case "replica":
			config.Replicas = flags.Replicas
		case "secret-key":
			config.SecretKey = flags.SecretKey
		case "no-auth":
			config.NoAuth = flags.NoAuth
		case "no-http":
			config.DisableHTTP = flags.DisableHTTP
		case "no-grpc":
			config.DisableGRPC = flags.DisableGRPC
		case "log-level":
			config.LogLevel = flags.LogLevel
		case "stop-grace-period":
			config.StopGrace = flags.StopGrace
		case "dial-timeout":
			config.DialTimeout = flags.DialTimeout
		}
	})
	config.ShowVersion = flags.ShowVersion
	config.ShowHealth = flags.ShowHealth

	return config, nil
}

// Validate checks the configuration and returns an error if invalid
func (c *nodeConfig) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id cannot be empty")
	}
	if c.PeerListen == "" && c.WSListen == "" {
		return ErrNoListeners
	}
	if c.WSListen != "" && !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/': %q", c.WSPath)
	}
	if c.Feeds < 0 {
		return ErrNegativeFeeds
	}
	for _, seed := range c.Seeds {
		if _, err := discovery.ParseSeed(seed); err != nil {
			return err
		}
	}
	for _, replica := range c.Replicas {
		if _, err := feed.ParsePublicKey(replica); err != nil {
			return fmt.Errorf("invalid replica key %q: %w", replica, err)
		}
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLogLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return l, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	return l, nil
}

// newLogger builds the daemon's zap logger at the configured level
func newLogger(level string) (*zap.Logger, error) {
	l, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(l)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
