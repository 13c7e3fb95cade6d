package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcastellin/p2pmesh/pkg/config"
)

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "print the recognized configuration keys and their defaults",
	Run: func(cmd *cobra.Command, args []string) {
		printConfigDoc()
	},
}

func init() {
	rootCmd.AddCommand(docCmd)
}

func printConfigDoc() {
	d := config.Default()
	fmt.Println("tracker.port:", d.Tracker.Port)
	fmt.Println("tracker.peer.timeout.ms:", d.Tracker.PeerTimeoutMs)
	fmt.Println("tracker.threadpool.size:", d.Tracker.ThreadpoolSize)
	fmt.Println("discovery.distributed.enabled:", d.Discovery.DistributedEnabled)
	fmt.Println("discovery.gossip.port:", d.Discovery.Gossip.Port)
	fmt.Println("discovery.gossip.interval.ms:", d.Discovery.Gossip.IntervalMs)
	fmt.Println("discovery.gossip.fanout:", d.Discovery.Gossip.Fanout)
	fmt.Println("discovery.gossip.message.ttl.ms:", d.Discovery.Gossip.MessageTTLMs)
	fmt.Println("discovery.gossip.bootstrap.peers: (none by default)")
	fmt.Println("peer.port: (none by default, random)")
	fmt.Println("peer.socketTimeoutMs:", d.Peer.SocketTimeoutMs)
	fmt.Println("peer.heartbeat.intervalSeconds:", d.Peer.HeartbeatIntervalSecs)
	fmt.Println("peer.bootstrap.peers: (none by default)")
	fmt.Println("antiEntropy.intervalMs:", d.AntiEntropy.IntervalMs)
	fmt.Println("antiEntropy.peers:", d.AntiEntropy.Peers)
	fmt.Println("conflictPolicy:", d.ConflictPolicy)
}
