package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcastellin/p2pmesh/pkg/peer"
)

var discoverTracker string

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "query a tracker's live peer table and print the result",
	Run: func(cmd *cobra.Command, args []string) {
		client := &peer.TrackerClient{TrackerAddr: discoverTracker, DialTimeout: 5 * time.Second}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := client.Discover(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverTracker, "tracker", "127.0.0.1:6000", "tracker host:port")
}
