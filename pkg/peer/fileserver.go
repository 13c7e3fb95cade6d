package peer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/reliability"
)

// FileServerConfig controls one FileServer.
type FileServerConfig struct {
	BindAddr      string
	AcceptTimeout time.Duration
}

func (c *FileServerConfig) setDefaults() {
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 500 * time.Millisecond
	}
}

// FileServer accepts inbound GET_FILE requests (spec.md §4.6, §6.3) against
// a shared-file list: a set of absolute paths the owning peer has chosen
// to host. Lookup matches the first path whose base filename equals the
// requested name.
type FileServer struct {
	cfg FileServerConfig
	log *zap.Logger

	mu    sync.RWMutex
	files []string

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewFileServer creates a FileServer with no shared files.
func NewFileServer(cfg FileServerConfig, log *zap.Logger) *FileServer {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &FileServer{cfg: cfg, log: log}
}

// ShareFile adds path to the shared-file list. path must be absolute; it
// is the caller's responsibility to ensure the file exists and is
// readable.
func (f *FileServer) ShareFile(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.files {
		if p == path {
			return
		}
	}
	f.files = append(f.files, path)
}

// UnshareFile removes path from the shared-file list.
func (f *FileServer) UnshareFile(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.files {
		if p == path {
			f.files = append(f.files[:i], f.files[i+1:]...)
			return
		}
	}
}

// FileCount returns how many files are currently shared.
func (f *FileServer) FileCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.files)
}

func (f *FileServer) lookup(name string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.files {
		if filepath.Base(p) == name {
			return p, true
		}
	}
	return "", false
}

// Serve binds the listener and starts the accept loop.
func (f *FileServer) Serve() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("peer: file server already running")
	}
	l, err := net.Listen("tcp", f.cfg.BindAddr)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("peer: listen %s: %w", f.cfg.BindAddr, err)
	}
	f.listener = l
	f.stopCh = make(chan struct{})
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.acceptLoop()
	return nil
}

// Addr returns the bound listener address; valid only after Serve.
func (f *FileServer) Addr() net.Addr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (f *FileServer) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	close(f.stopCh)
	err := f.listener.Close()
	f.mu.Unlock()

	f.wg.Wait()
	return err
}

func (f *FileServer) acceptLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		if tc, ok := f.listener.(*net.TCPListener); ok {
			tc.SetDeadline(time.Now().Add(f.cfg.AcceptTimeout))
		}
		conn, err := f.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-f.stopCh:
				return
			default:
				f.log.Warn("peer file server accept error", zap.Error(err))
				continue
			}
		}
		f.wg.Add(1)
		go f.handleConn(conn)
	}
}

func (f *FileServer) handleConn(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	proto, err := readUTF(conn)
	if err != nil || proto != protocolV1 {
		return
	}
	command, err := readUTF(conn)
	if err != nil {
		return
	}

	switch command {
	case cmdGetFile:
		f.handleGetFile(conn)
	default:
		writeUTF(conn, respError)
		writeUTF(conn, "unknown command: "+command)
	}
}

func (f *FileServer) handleGetFile(conn net.Conn) {
	name, err := readUTF(conn)
	if err != nil {
		return
	}

	path, ok := f.lookup(name)
	if !ok {
		writeUTF(conn, respNotFound)
		return
	}

	data, checksum, err := readFileWithChecksum(context.Background(), path)
	if err != nil {
		writeUTF(conn, respError)
		writeUTF(conn, err.Error())
		return
	}

	if err := writeUTF(conn, respSending); err != nil {
		return
	}
	if err := writeLong(conn, int64(len(data))); err != nil {
		return
	}
	if err := writeUTF(conn, checksum); err != nil {
		return
	}
	conn.Write(data)
}

// readFileWithChecksum reads path and computes its hex SHA-256 checksum,
// retrying the read on transient I/O errors per spec.md §4.6.
func readFileWithChecksum(ctx context.Context, path string) ([]byte, string, error) {
	var data []byte
	retryCfg := reliability.RetryConfig{
		MaxAttempts: 3,
		Backoff:     reliability.Backoff{Strategy: reliability.ExponentialJitter, Initial: 20 * time.Millisecond, Max: 500 * time.Millisecond},
	}
	err := reliability.Retry(ctx, retryCfg, func(context.Context) error {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return reliability.NewErr(reliability.NotFound, false, err)
			}
			return reliability.NewErr(reliability.Unavailable, true, err)
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}
