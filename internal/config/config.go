// Package config provides configuration parsing and validation for the
// room relay.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/roomrelay/internal/frame"
	"github.com/postalsys/roomrelay/internal/relay"
)

// MaxUDPPayload is the largest payload a single IPv4 UDP datagram can carry.
const MaxUDPPayload = 65507

// MaxReadBatch bounds server.read_batch.
const MaxReadBatch = 1024

// DefaultPath is the config file used when none is given.
const DefaultPath = "./roomrelay.yaml"

// Config represents the complete relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Peers    PeersConfig    `yaml:"peers"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Rooms    RoomsConfig    `yaml:"rooms"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
	Control  ControlConfig  `yaml:"control"`
}

// ServerConfig contains socket settings.
type ServerConfig struct {
	ListenAddress   string   `yaml:"listen_address"`
	MaxDatagramSize ByteSize `yaml:"max_datagram_size"` // encoded datagram bound
	ReadBatch       int      `yaml:"read_batch"`        // datagrams per read call, 0 or 1 = single
}

// PeersConfig contains peer tracking settings.
type PeersConfig struct {
	IdleTimeout   time.Duration   `yaml:"idle_timeout"`   // 0 disables eviction
	SweepInterval time.Duration   `yaml:"sweep_interval"` // 0 = idle_timeout/2
	MaxPeers      int             `yaml:"max_peers"`      // 0 = unlimited
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits inbound messages per peer.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"` // 0 = unlimited
	Burst             int     `yaml:"burst"`
}

// DispatchConfig sizes the dispatch worker pool.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// RoomsConfig lists the rooms subscribed on every new connection.
type RoomsConfig struct {
	Normalize bool     `yaml:"normalize"` // route by Unicode NFC
	Log       []string `yaml:"log"`       // payloads are logged
	Echo      []string `yaml:"echo"`      // payloads are sent back
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines the health/metrics HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ByteSize is a size in bytes written either as a plain integer or as a
// human readable string such as "1KiB" or "1.5 kB".
type ByteSize int

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler. Sizes that the human readable
// form cannot represent exactly are written as plain integers.
func (b ByteSize) MarshalYAML() (any, error) {
	s := b.String()
	if n, err := humanize.ParseBytes(s); err == nil && ByteSize(n) == b {
		return s, nil
	}
	return int(b), nil
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.Itoa(int(b))
	}
	return strings.ReplaceAll(humanize.IBytes(uint64(b)), " ", "")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   "0.0.0.0:8888",
			MaxDatagramSize: ByteSize(frame.DefaultMaxDatagramSize),
			ReadBatch:       relay.DefaultReadBatch,
		},
		Peers: PeersConfig{
			IdleTimeout: 5 * time.Minute,
			MaxPeers:    10000,
		},
		Dispatch: DispatchConfig{
			Workers:   16,
			QueueSize: 1024,
		},
		Rooms: RoomsConfig{
			Log:  []string{"message"},
			Echo: []string{"echo"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./roomrelay.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// ApplyPort replaces the port of server.listen_address.
func (c *Config) ApplyPort(port string) error {
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port: %q", port)
	}
	host, _, err := net.SplitHostPort(c.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("invalid server.listen_address: %w", err)
	}
	c.Server.ListenAddress = net.JoinHostPort(host, strconv.Itoa(p))
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Server
	if c.Server.ListenAddress == "" {
		errs = append(errs, "server.listen_address is required")
	} else if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		errs = append(errs, fmt.Sprintf("server.listen_address: %v", err))
	}
	if c.Server.MaxDatagramSize <= ByteSize(len(frame.Delimiter)) || c.Server.MaxDatagramSize > MaxUDPPayload {
		errs = append(errs, fmt.Sprintf("server.max_datagram_size must be between %d and %d bytes", len(frame.Delimiter)+1, MaxUDPPayload))
	}
	if c.Server.ReadBatch < 0 || c.Server.ReadBatch > MaxReadBatch {
		errs = append(errs, fmt.Sprintf("server.read_batch must be between 0 and %d", MaxReadBatch))
	}

	// Peers
	if c.Peers.IdleTimeout < 0 {
		errs = append(errs, "peers.idle_timeout must not be negative")
	}
	if c.Peers.SweepInterval < 0 {
		errs = append(errs, "peers.sweep_interval must not be negative")
	}
	if c.Peers.MaxPeers < 0 {
		errs = append(errs, "peers.max_peers must not be negative")
	}
	if c.Peers.RateLimit.MessagesPerSecond < 0 {
		errs = append(errs, "peers.rate_limit.messages_per_second must not be negative")
	}
	if c.Peers.RateLimit.Burst < 0 {
		errs = append(errs, "peers.rate_limit.burst must not be negative")
	}

	// Dispatch
	if c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch.workers must be positive")
	}
	if c.Dispatch.QueueSize < 1 {
		errs = append(errs, "dispatch.queue_size must be positive")
	}

	// Rooms
	for i, room := range c.Rooms.Log {
		if err := frame.ValidateRoom(room); err != nil {
			errs = append(errs, fmt.Sprintf("rooms.log[%d]: %v", i, err))
		}
	}
	for i, room := range c.Rooms.Echo {
		if err := frame.ValidateRoom(room); err != nil {
			errs = append(errs, fmt.Sprintf("rooms.echo[%d]: %v", i, err))
		}
	}

	// Logging
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	// Health and control
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Relay returns the relay server settings.
func (c *Config) Relay() relay.Config {
	return relay.Config{
		ListenAddress:   c.Server.ListenAddress,
		MaxDatagramSize: int(c.Server.MaxDatagramSize),
		ReadBatch:       c.Server.ReadBatch,
		IdleTimeout:     c.Peers.IdleTimeout,
		SweepInterval:   c.Peers.SweepInterval,
		MaxPeers:        c.Peers.MaxPeers,
		RateLimit:       c.Peers.RateLimit.MessagesPerSecond,
		RateBurst:       c.Peers.RateLimit.Burst,
		Workers:         c.Dispatch.Workers,
		QueueSize:       c.Dispatch.QueueSize,
		NormalizeRooms:  c.Rooms.Normalize,
	}
}

// String returns the config as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
