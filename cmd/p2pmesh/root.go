package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const usage = `p2pmesh runs the tracker control plane, the gossip-based distributed
registry, and a file-sharing peer runtime described in the project spec.

EXAMPLES:
  Run a tracker:
    p2pmesh tracker --config tracker.yaml

  Run a peer that shares two files and joins the mesh:
    p2pmesh peer --config peer.yaml --id peer-1 file1.txt file2.txt

  Query a tracker's live peer table:
    p2pmesh discover --tracker 127.0.0.1:6000`

var rootCmd = &cobra.Command{
	Use:   "p2pmesh",
	Short: "distributed file-sharing mesh: tracker, gossip registry, and peer runtime",
	Long:  usage,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	rootCmd.AddCommand(trackerCmd, peerCmd, discoverCmd)
}

// Execute runs the program using cobra.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
