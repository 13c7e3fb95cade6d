package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/config"
	"github.com/mcastellin/p2pmesh/pkg/discovery"
	"github.com/mcastellin/p2pmesh/pkg/peer"
)

var (
	peerID      string
	peerTracker string
	peerCaps    []string
	peerRegion  string
)

var peerCmd = &cobra.Command{
	Use:   "peer [file]...",
	Short: "run a peer that shares the given files over the p2pmesh protocol",
	Args:  cobra.MinimumNArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		runPeer(loadConfigOrExit(configPath), args)
	},
}

func init() {
	peerCmd.Flags().StringVar(&peerID, "id", "", "this peer's id (required)")
	peerCmd.Flags().StringVar(&peerTracker, "tracker", "", "tracker host:port (overrides config)")
	peerCmd.Flags().StringSliceVar(&peerCaps, "capability", nil, "a capability tag to advertise, repeatable")
	peerCmd.Flags().StringVar(&peerRegion, "region", "", "region tag to advertise")
	peerCmd.MarkFlagRequired("id")
}

func runPeer(cfg config.Config, files []string) {
	logger := newLogger()
	defer logger.Sync()
	logger.Info("p2pmesh peer starting", zap.String("id", peerID))

	trackerAddr := peerTracker
	if trackerAddr == "" {
		trackerAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Tracker.Port)
	}
	trackerHost, trackerPortStr, err := net.SplitHostPort(trackerAddr)
	if err != nil {
		logger.Fatal("invalid --tracker address", zap.Error(err))
	}
	trackerPort, _ := strconv.Atoi(trackerPortStr)

	var node *discovery.Node
	var registryClient peer.RegistryClient
	if cfg.Discovery.DistributedEnabled {
		node = discovery.New(discovery.Config{
			SelfID:              peerID,
			GossipBindAddr:      fmt.Sprintf(":%d", cfg.Discovery.Gossip.Port),
			BootstrapPeers:      cfg.Discovery.Gossip.BootstrapPeers,
			BaseFanout:          cfg.Discovery.Gossip.Fanout,
			Adaptive:            true,
			DefaultTTL:          cfg.GossipMessageTTL(),
			AntiEntropyInterval: cfg.AntiEntropyInterval(),
			AntiEntropyPeers:    cfg.AntiEntropy.Peers,
			ConflictPolicy:      registryPolicy(cfg.ConflictPolicy),
		}, logger)
		if err := node.Serve(); err != nil {
			logger.Fatal("failed to start distributed registry", zap.Error(err))
		}
		defer node.Shutdown()
		registryClient = node.Registry
	}

	bindAddr := ":0"
	if cfg.Peer.Port != 0 {
		bindAddr = fmt.Sprintf(":%d", cfg.Peer.Port)
	}

	rt := peer.NewRuntime(peer.RuntimeConfig{
		PeerID:            peerID,
		BindAddr:          bindAddr,
		TrackerAddr:       trackerAddr,
		TrackerHost:       trackerHost,
		TrackerPort:       trackerPort,
		HeartbeatInterval: cfg.PeerHeartbeatInterval(),
		DialTimeout:       cfg.PeerSocketTimeout(),
		Capabilities:      peerCaps,
		Region:            peerRegion,
	}, registryClient, logger)

	for _, f := range files {
		rt.ShareFile(f)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startCancel()
	if err := rt.Start(startCtx); err != nil {
		logger.Fatal("peer failed to start", zap.Error(err))
	}

	logger.Info("p2pmesh peer ready", zap.String("id", peerID), zap.Int("shared_files", len(files)))

	<-ctx.Done()
	logger.Info("p2pmesh peer shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		logger.Warn("peer shutdown reported an error", zap.Error(err))
	}
}
