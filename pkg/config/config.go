// Package config loads the p2pmesh node configuration. It follows the
// layered precedence (defaults < YAML file < environment < CLI flags) and
// the load-returns-zero-value-not-error-on-missing-file pattern used by the
// teacher's config package: an absent file is normal, not exceptional.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tracker holds the spec.md §6.4 tracker.* keys.
type Tracker struct {
	Port           int `yaml:"port"`
	PeerTimeoutMs  int `yaml:"peerTimeoutMs"`
	ThreadpoolSize int `yaml:"threadpoolSize"`
}

// Gossip holds the discovery.gossip.* keys.
type Gossip struct {
	Port           int      `yaml:"port"`
	IntervalMs     int      `yaml:"intervalMs"`
	Fanout         int      `yaml:"fanout"`
	MessageTTLMs   int      `yaml:"messageTtlMs"`
	BootstrapPeers []string `yaml:"bootstrapPeers"`
}

// Discovery holds the discovery.distributed.* and discovery.gossip.* keys.
type Discovery struct {
	DistributedEnabled bool   `yaml:"distributedEnabled"`
	Gossip             Gossip `yaml:"gossip"`
}

// Peer holds the peer.* keys.
type Peer struct {
	Port                  int      `yaml:"port"`
	SocketTimeoutMs       int      `yaml:"socketTimeoutMs"`
	HeartbeatIntervalSecs int      `yaml:"heartbeatIntervalSeconds"`
	BootstrapPeers        []string `yaml:"bootstrapPeers"`
}

// AntiEntropy holds the antiEntropy.* keys.
type AntiEntropy struct {
	IntervalMs int `yaml:"intervalMs"`
	Peers      int `yaml:"peers"`
}

// Config is the full node configuration, spec.md §6.4.
type Config struct {
	PeerID         string      `yaml:"peerId"`
	ConflictPolicy string      `yaml:"conflictPolicy"`
	Tracker        Tracker     `yaml:"tracker"`
	Discovery      Discovery   `yaml:"discovery"`
	Peer           Peer        `yaml:"peer"`
	AntiEntropy    AntiEntropy `yaml:"antiEntropy"`
}

// Default returns a Config populated with spec.md §6.4's documented
// defaults.
func Default() Config {
	return Config{
		ConflictPolicy: "COMPOSITE",
		Tracker: Tracker{
			Port:           6000,
			PeerTimeoutMs:  90000,
			ThreadpoolSize: 10,
		},
		Discovery: Discovery{
			DistributedEnabled: true,
			Gossip: Gossip{
				Port:         6003,
				IntervalMs:   5000,
				Fanout:       3,
				MessageTTLMs: 30000,
			},
		},
		Peer: Peer{
			SocketTimeoutMs:       30000,
			HeartbeatIntervalSecs: 30,
		},
		AntiEntropy: AntiEntropy{
			IntervalMs: 60000,
			Peers:      3,
		},
	}
}

// Load reads a YAML config file layered over Default, then applies
// P2PMESH_-prefixed environment overrides. A missing file is not an error;
// Default is returned unmodified apart from environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides cfg fields from P2PMESH_-prefixed environment
// variables, for the handful of keys operators most commonly need to
// override without editing the YAML file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("P2PMESH_PEER_ID"); v != "" {
		cfg.PeerID = v
	}
	if v := os.Getenv("P2PMESH_TRACKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tracker.Port = n
		}
	}
	if v := os.Getenv("P2PMESH_GOSSIP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Discovery.Gossip.Port = n
		}
	}
	if v := os.Getenv("P2PMESH_PEER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Peer.Port = n
		}
	}
	if v := os.Getenv("P2PMESH_BOOTSTRAP_PEERS"); v != "" {
		peers := splitPeers(v)
		cfg.Discovery.Gossip.BootstrapPeers = peers
		cfg.Peer.BootstrapPeers = peers
	}
	if v := os.Getenv("P2PMESH_CONFLICT_POLICY"); v != "" {
		cfg.ConflictPolicy = v
	}
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TrackerPeerTimeout is Tracker.PeerTimeoutMs as a time.Duration.
func (c Config) TrackerPeerTimeout() time.Duration {
	return time.Duration(c.Tracker.PeerTimeoutMs) * time.Millisecond
}

// GossipInterval is Discovery.Gossip.IntervalMs as a time.Duration.
func (c Config) GossipInterval() time.Duration {
	return time.Duration(c.Discovery.Gossip.IntervalMs) * time.Millisecond
}

// GossipMessageTTL is Discovery.Gossip.MessageTTLMs as a time.Duration.
func (c Config) GossipMessageTTL() time.Duration {
	return time.Duration(c.Discovery.Gossip.MessageTTLMs) * time.Millisecond
}

// PeerSocketTimeout is Peer.SocketTimeoutMs as a time.Duration.
func (c Config) PeerSocketTimeout() time.Duration {
	return time.Duration(c.Peer.SocketTimeoutMs) * time.Millisecond
}

// PeerHeartbeatInterval is Peer.HeartbeatIntervalSecs as a time.Duration.
func (c Config) PeerHeartbeatInterval() time.Duration {
	return time.Duration(c.Peer.HeartbeatIntervalSecs) * time.Second
}

// AntiEntropyInterval is AntiEntropy.IntervalMs as a time.Duration.
func (c Config) AntiEntropyInterval() time.Duration {
	return time.Duration(c.AntiEntropy.IntervalMs) * time.Millisecond
}
