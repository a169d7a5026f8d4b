// Package config holds the configuration of a process and loads it from a YAML file or command line arguments.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"rmcast/engine"
	"rmcast/message"
	"rmcast/retransmission"
	"rmcast/transport"
)

var ErrInvalid = errors.New("config: invalid configuration")

const (
	TransportTCP  = "tcp"
	TransportGRPC = "grpc"

	DefaultHost         = "localhost"
	DefaultOutboxSize   = 256
	DefaultMaxFrameSize = 1 << 20
	DefaultSettle       = 2 * time.Second
)

type PeerConfig struct {
	// May be empty. It is learned when connecting
	ID   message.ProcessID `yaml:"id"`
	Addr string            `yaml:"addr"`
}

type Config struct {
	ProcessID  message.ProcessID `yaml:"id"`
	ListenAddr string            `yaml:"listen"`
	Peers      []PeerConfig      `yaml:"peers"`

	// tcp or grpc
	Transport string         `yaml:"transport"`
	AckMode   engine.AckMode `yaml:"ack_mode"`

	RetransmitInterval time.Duration `yaml:"retransmit_interval"`
	RetransmitTimeout  time.Duration `yaml:"retransmit_timeout"`

	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`
	OutboxSize      int           `yaml:"outbox_size"`
	MaxFrameSize    int           `yaml:"max_frame_size"`

	// Empty disables the metrics endpoint
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	// How long to wait for connections before accepting commands
	Settle time.Duration `yaml:"settle"`
}

func Default() Config {
	dial := transport.DefaultDialPolicy()
	return Config{
		Transport:          TransportTCP,
		AckMode:            engine.Directed,
		RetransmitInterval: retransmission.DefaultInterval,
		RetransmitTimeout:  retransmission.DefaultTimeout,
		ConnectAttempts:    dial.Attempts,
		ConnectBackoff:     dial.Backoff,
		OutboxSize:         DefaultOutboxSize,
		MaxFrameSize:       DefaultMaxFrameSize,
		LogLevel:           "info",
		Settle:             DefaultSettle,
	}
}

// Read the configuration from a YAML file.
//
// Fields missing from the file keep their default value. Durations are written as Go durations, e.g. "500ms".
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Mark(errors.Wrapf(err, "parse config %s", path), ErrInvalid)
	}
	return cfg, nil
}

// Build the configuration from the arguments <processID> <listenPort> [peerPort ...].
//
// The process listens on every interface. Peers are reached at host.
func FromArgs(args []string, host string) (Config, error) {
	cfg := Default()
	if len(args) < 2 {
		return cfg, errors.Wrap(ErrInvalid, "usage: <processID> <listenPort> [peerPort ...]")
	}
	if host == "" {
		host = DefaultHost
	}
	cfg.ProcessID = message.ProcessID(args[0])
	port, err := parsePort(args[1])
	if err != nil {
		return cfg, err
	}
	cfg.ListenAddr = net.JoinHostPort("", port)
	for _, arg := range args[2:] {
		port, err := parsePort(arg)
		if err != nil {
			return cfg, err
		}
		cfg.Peers = append(cfg.Peers, PeerConfig{Addr: net.JoinHostPort(host, port)})
	}
	return cfg, cfg.Validate()
}

func parsePort(s string) (string, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return "", errors.Wrapf(ErrInvalid, "invalid port %q", s)
	}
	return s, nil
}

// Check that the configuration can be used to start a process
func (c Config) Validate() error {
	if c.ProcessID == "" {
		return errors.Wrap(ErrInvalid, "empty process id")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return errors.Wrapf(ErrInvalid, "invalid listen address %q", c.ListenAddr)
	}
	switch c.Transport {
	case TransportTCP, TransportGRPC:
	default:
		return errors.Wrapf(ErrInvalid, "unknown transport %q", c.Transport)
	}
	switch c.AckMode {
	case engine.Directed, engine.BroadcastAcks:
	default:
		return errors.Wrapf(ErrInvalid, "unknown ack mode %q", c.AckMode)
	}
	for name, d := range map[string]time.Duration{
		"retransmit interval": c.RetransmitInterval,
		"retransmit timeout":  c.RetransmitTimeout,
		"connect backoff":     c.ConnectBackoff,
	} {
		if d <= 0 {
			return errors.Wrapf(ErrInvalid, "%s must be positive, got %v", name, d)
		}
	}
	if c.Settle < 0 {
		return errors.Wrapf(ErrInvalid, "negative settle time %v", c.Settle)
	}
	if c.ConnectAttempts < 1 {
		return errors.Wrapf(ErrInvalid, "connect attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	if c.OutboxSize < 1 || c.MaxFrameSize < 1 {
		return errors.Wrap(ErrInvalid, "outbox size and max frame size must be positive")
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return errors.Wrapf(ErrInvalid, "invalid log level %q", c.LogLevel)
	}

	_, listenPort, _ := net.SplitHostPort(c.ListenAddr)
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		host, port, err := net.SplitHostPort(p.Addr)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "invalid peer address %q", p.Addr)
		}
		if seen[p.Addr] {
			return errors.Wrapf(ErrInvalid, "duplicate peer address %q", p.Addr)
		}
		seen[p.Addr] = true
		if p.ID == c.ProcessID || (port == listenPort && isLocal(host)) {
			return errors.Wrapf(ErrInvalid, "process %v is listed as its own peer", c.ProcessID)
		}
	}
	return nil
}

func isLocal(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func (c Config) Engine() engine.Config {
	return engine.Config{
		ID:                 c.ProcessID,
		AckMode:            c.AckMode,
		RetransmitInterval: c.RetransmitInterval,
		RetransmitTimeout:  c.RetransmitTimeout,
		MaxFrameSize:       c.MaxFrameSize,
	}
}

func (c Config) TransportPeers() []transport.Peer {
	out := make([]transport.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, transport.Peer{ID: p.ID, Addr: p.Addr})
	}
	return out
}

func (c Config) DialPolicy() transport.DialPolicy {
	policy := transport.DefaultDialPolicy()
	policy.Attempts = c.ConnectAttempts
	policy.Backoff = c.ConnectBackoff
	if policy.MaxBackoff < policy.Backoff {
		policy.MaxBackoff = policy.Backoff
	}
	return policy
}
