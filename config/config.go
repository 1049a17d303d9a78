// Package config loads the networking core's runtime configuration from a
// TOML file, in the teacher's style of a single flat struct with defaults
// applied after decode.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults mirror the constants named throughout spec.md §5.
const (
	DefaultPort              = 12392
	DefaultMinOutboundPeers  = 8
	DefaultMaxPeers          = 32
	DefaultHandshakeTimeout  = 60 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 10 * time.Second
	DefaultConnectBackoff    = 5 * time.Minute
	DefaultBroadcastInterval = 60 * time.Second
	DefaultOldPeerAttempted  = 24 * time.Hour
	DefaultOldPeerConnection = 7 * 24 * time.Hour
	DefaultRecentConnection  = 24 * time.Hour
)

// Config is the node's networking configuration, as described in spec.md §6.
type Config struct {
	ListenPort       uint16   `toml:"listen_port"`
	BindAddress      string   `toml:"bind_address"`
	Testnet          bool     `toml:"testnet"`
	MinOutboundPeers int      `toml:"min_outbound_peers"`
	MaxPeers         int      `toml:"max_peers"`
	InitialPeers     []string `toml:"initial_peers"`

	HandshakeTimeout  time.Duration `toml:"handshake_timeout"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	PingInterval      time.Duration `toml:"ping_interval"`
	PingTimeout       time.Duration `toml:"ping_timeout"`
	ConnectBackoff    time.Duration `toml:"connect_backoff"`
	BroadcastInterval time.Duration `toml:"broadcast_interval"`

	MinPoolWorkers int           `toml:"min_pool_workers"`
	MaxPoolWorkers int           `toml:"max_pool_workers"`
	WorkerKeepAlive time.Duration `toml:"worker_keepalive"`

	PeerStorePath string `toml:"peer_store_path"`
}

// Load reads and validates a Config from a TOML file, applying spec.md
// defaults to any field left at its zero value.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("load p2p config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = DefaultPort
	}
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.MinOutboundPeers <= 0 {
		c.MinOutboundPeers = DefaultMinOutboundPeers
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.MinOutboundPeers > c.MaxPeers {
		c.MinOutboundPeers = c.MaxPeers
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = DefaultConnectBackoff
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.MinPoolWorkers <= 0 {
		c.MinPoolWorkers = 1
	}
	if c.MaxPoolWorkers <= 0 {
		c.MaxPoolWorkers = 10
	}
	if c.WorkerKeepAlive <= 0 {
		c.WorkerKeepAlive = 10 * time.Second
	}
	if c.PeerStorePath == "" {
		c.PeerStorePath = "data/peers"
	}
}
