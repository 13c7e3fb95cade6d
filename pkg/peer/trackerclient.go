package peer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/reliability"
)

// TrackerClient issues line-protocol requests (spec.md §6.2) against a
// tracker server, one connection per call. Every call is guarded by the
// caller-supplied retry config; TrackerClient itself does not retry.
type TrackerClient struct {
	TrackerAddr string
	DialTimeout time.Duration
}

func (c *TrackerClient) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return c.DialTimeout
}

// call opens a connection, writes line, and reads one response line.
func (c *TrackerClient) call(ctx context.Context, line string) (string, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", c.TrackerAddr)
	if err != nil {
		return "", reliability.NewErr(reliability.Unavailable, true, fmt.Errorf("peer: dial tracker %s: %w", c.TrackerAddr, err))
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", reliability.NewErr(reliability.Unavailable, true, err)
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", reliability.NewErr(reliability.Unavailable, true, err)
	}
	resp = strings.TrimRight(resp, "\n")
	if strings.HasPrefix(resp, "ERROR") {
		return "", reliability.NewErr(reliability.ProtocolError, false, fmt.Errorf("peer: tracker error: %s", resp))
	}
	return resp, nil
}

// Register sends REGISTER <peerId> <port>.
func (c *TrackerClient) Register(ctx context.Context, peerID string, port int) error {
	_, err := c.call(ctx, fmt.Sprintf("REGISTER %s %d", peerID, port))
	return err
}

// Heartbeat sends HEARTBEAT <peerId>.
func (c *TrackerClient) Heartbeat(ctx context.Context, peerID string) error {
	_, err := c.call(ctx, "HEARTBEAT "+peerID)
	return err
}

// Deregister sends DEREGISTER <peerId>.
func (c *TrackerClient) Deregister(ctx context.Context, peerID string) error {
	_, err := c.call(ctx, "DEREGISTER "+peerID)
	return err
}

// Discover sends DISCOVER and returns the tracker's debug peer dump
// verbatim. Per spec.md §9 this framing is not a stable machine-parsable
// contract; callers needing reliable discovery should use the distributed
// registry instead.
func (c *TrackerClient) Discover(ctx context.Context) (string, error) {
	return c.call(ctx, "DISCOVER")
}

// IsAlive sends IS_PEER_ALIVE <peerId>.
func (c *TrackerClient) IsAlive(ctx context.Context, peerID string) (bool, error) {
	resp, err := c.call(ctx, "IS_PEER_ALIVE "+peerID)
	if err != nil {
		return false, err
	}
	return resp == "ALIVE", nil
}
