package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Tracker.Port != 6000 || cfg.Tracker.PeerTimeoutMs != 90000 || cfg.Tracker.ThreadpoolSize != 10 {
		t.Fatalf("unexpected tracker defaults: %+v", cfg.Tracker)
	}
	if cfg.Discovery.Gossip.Port != 6003 || cfg.Discovery.Gossip.Fanout != 3 {
		t.Fatalf("unexpected gossip defaults: %+v", cfg.Discovery.Gossip)
	}
	if cfg.AntiEntropy.IntervalMs != 60000 || cfg.AntiEntropy.Peers != 3 {
		t.Fatalf("unexpected anti-entropy defaults: %+v", cfg.AntiEntropy)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracker.Port != 6000 {
		t.Fatalf("expected defaults for a missing config file, got %+v", cfg)
	}
}

func TestLoadYamlOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := "peerId: node-1\ntracker:\n  port: 7000\ndiscovery:\n  gossip:\n    fanout: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PeerID != "node-1" {
		t.Fatalf("expected peerId override, got %q", cfg.PeerID)
	}
	if cfg.Tracker.Port != 7000 {
		t.Fatalf("expected tracker.port override, got %d", cfg.Tracker.Port)
	}
	if cfg.Discovery.Gossip.Fanout != 5 {
		t.Fatalf("expected fanout override, got %d", cfg.Discovery.Gossip.Fanout)
	}
	if cfg.AntiEntropy.Peers != 3 {
		t.Fatalf("expected unspecified keys to keep their default, got %d", cfg.AntiEntropy.Peers)
	}
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("P2PMESH_TRACKER_PORT", "9999")
	t.Setenv("P2PMESH_BOOTSTRAP_PEERS", "10.0.0.1:6003, 10.0.0.2:6003")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracker.Port != 9999 {
		t.Fatalf("expected env override, got %d", cfg.Tracker.Port)
	}
	if len(cfg.Peer.BootstrapPeers) != 2 || cfg.Peer.BootstrapPeers[1] != "10.0.0.2:6003" {
		t.Fatalf("unexpected bootstrap peers: %v", cfg.Peer.BootstrapPeers)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.AntiEntropyInterval().Seconds() != 60 {
		t.Fatalf("expected 60s anti-entropy interval, got %v", cfg.AntiEntropyInterval())
	}
	if cfg.PeerHeartbeatInterval().Seconds() != 30 {
		t.Fatalf("expected 30s heartbeat interval, got %v", cfg.PeerHeartbeatInterval())
	}
}
