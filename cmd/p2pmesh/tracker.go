package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/config"
	"github.com/mcastellin/p2pmesh/pkg/discovery"
	"github.com/mcastellin/p2pmesh/pkg/tracker"
)

var trackerPeerID string

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "run the tracker control plane (TCP line protocol on tracker.port)",
	Run: func(cmd *cobra.Command, args []string) {
		runTracker(loadConfigOrExit(configPath))
	},
}

func init() {
	trackerCmd.Flags().StringVar(&trackerPeerID, "id", "tracker-1", "this tracker's self peer id, used when registering with the distributed registry")
}

// runTracker mirrors the teacher's App.Run shape in distributed-queue/main.go:
// start background components, wait on a cancellable signal context, then
// shut everything down in reverse order.
func runTracker(cfg config.Config) {
	logger := newLogger()
	defer logger.Sync()
	logger.Info("p2pmesh tracker starting", zap.Int("port", cfg.Tracker.Port))

	var node *discovery.Node
	if cfg.Discovery.DistributedEnabled {
		node = discovery.New(discovery.Config{
			SelfID:              trackerPeerID,
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
	}

	trackerSrv := tracker.NewServer(tracker.Config{
		BindAddr:    fmt.Sprintf(":%d", cfg.Tracker.Port),
		PeerTimeout: cfg.TrackerPeerTimeout(),
		SelfPeerID:  trackerPeerID,
	}, registrarOrNil(node), logger)

	if err := trackerSrv.Serve(); err != nil {
		logger.Fatal("failed to start tracker", zap.Error(err))
	}
	defer trackerSrv.Stop()

	logger.Info("p2pmesh tracker ready", zap.String("addr", trackerSrv.ListenAddr()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("p2pmesh tracker shutting down")
}

func registrarOrNil(n *discovery.Node) tracker.RegistryRegistrar {
	if n == nil {
		return nil
	}
	return n.Registry
}
