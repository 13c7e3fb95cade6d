// Command p2pmesh runs the tracker, the gossip-based distributed registry,
// and the file-sharing peer runtime described in the project spec.
package main

func main() {
	Execute()
}
