package peer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/reliability"
)

// State names a position in the peer startup state machine (spec.md §4.7).
type State int

const (
	Created State = iota
	Starting
	Registered
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Registered:
		return "REGISTERED"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "CREATED"
	}
}

// RegistryClient is the narrow capability the runtime needs from the
// distributed registry: self-registration under service type "peer".
type RegistryClient interface {
	RegisterService(serviceType, serviceID, host string, port int, metadata map[string]string) bool
	DeregisterService(serviceType, serviceID string) bool
}

// RuntimeConfig controls one peer Runtime.
type RuntimeConfig struct {
	PeerID            string
	BindAddr          string
	TrackerAddr       string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Capabilities      []string
	Region            string
	Version           string
	TrackerHost       string
	TrackerPort       int
}

func (c *RuntimeConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// Runtime is the peer process: a file server, a tracker client, and the
// registration/heartbeat glue that keeps both up to date. It drives the
// sequential startup state machine of spec.md §4.7.
type Runtime struct {
	cfg      RuntimeConfig
	log      *zap.Logger
	fs       *FileServer
	tracker  *TrackerClient
	registry RegistryClient
	pipeline *reliability.Pipeline

	mu    sync.Mutex
	state State

	readyOnce sync.Once
	readyCh   chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRuntime builds a Runtime. registry may be nil for a peer that only
// wants tracker-based discovery.
func NewRuntime(cfg RuntimeConfig, registry RegistryClient, log *zap.Logger) *Runtime {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	pipeline := reliability.NewPipeline()
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{Threshold: 5, RetryTimeout: 30 * time.Second})
	retry := reliability.RetryConfig{
		MaxAttempts: 5,
		Backoff:     reliability.Backoff{Strategy: reliability.ExponentialJitter, Initial: 200 * time.Millisecond, Max: 10 * time.Second},
	}
	pipeline.Register("tracker.register", breaker, retry, nil)
	pipeline.Register("tracker.heartbeat", breaker, retry, func(ctx context.Context, err error) error {
		// A missed heartbeat is not fatal: the tracker will simply mark
		// this peer dead after peerTimeoutMs and the next tick retries.
		return nil
	})

	return &Runtime{
		cfg:      cfg,
		log:      log,
		fs:       NewFileServer(FileServerConfig{BindAddr: cfg.BindAddr}, log),
		tracker:  &TrackerClient{TrackerAddr: cfg.TrackerAddr, DialTimeout: cfg.DialTimeout},
		registry: registry,
		pipeline: pipeline,
		readyCh:  make(chan struct{}),
		state:    Created,
	}
}

// ShareFile adds an absolute path to the file server's shared-file list.
func (r *Runtime) ShareFile(path string) { r.fs.ShareFile(path) }

// Ready returns a channel closed once Start's sequential chain completes.
func (r *Runtime) Ready() <-chan struct{} { return r.readyCh }

// State returns the runtime's current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start runs the sequential startup chain: open listener + accept loop,
// register with the registry, register with the tracker, start heartbeat,
// then signal readiness. Any failure in steps 1-4 drives the machine to
// STOPPING/STOPPED instead of RUNNING.
func (r *Runtime) Start(ctx context.Context) error {
	r.setState(Starting)

	if err := r.fs.Serve(); err != nil {
		r.fail()
		return fmt.Errorf("peer: start file server: %w", err)
	}

	if r.registry != nil {
		host, portStr, _ := net.SplitHostPort(r.fs.Addr().String())
		port, _ := strconv.Atoi(portStr)
		metadata := map[string]string{
			"startTime":    strconv.FormatInt(time.Now().UnixMilli(), 10),
			"version":      r.cfg.Version,
			"capabilities": joinCaps(r.cfg.Capabilities),
			"region":       r.cfg.Region,
			"fileCount":    strconv.Itoa(r.fs.FileCount()),
			"trackerHost":  r.cfg.TrackerHost,
			"trackerPort":  strconv.Itoa(r.cfg.TrackerPort),
		}
		if !r.registry.RegisterService("peer", r.cfg.PeerID, host, port, metadata) {
			r.fail()
			return fmt.Errorf("peer: registry rejected self-registration for %s", r.cfg.PeerID)
		}
	}
	r.setState(Registered)

	_, portStr, _ := net.SplitHostPort(r.fs.Addr().String())
	port, _ := strconv.Atoi(portStr)
	err := r.pipeline.Execute(ctx, "tracker.register", func(ctx context.Context) error {
		return r.tracker.Register(ctx, r.cfg.PeerID, port)
	})
	if err != nil {
		r.fail()
		return fmt.Errorf("peer: tracker registration failed: %w", err)
	}

	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.heartbeatLoop()

	r.setState(Running)
	r.readyOnce.Do(func() { close(r.readyCh) })
	return nil
}

func (r *Runtime) fail() {
	r.setState(Stopping)
	r.setState(Stopped)
}

func (r *Runtime) heartbeatLoop() {
	defer r.wg.Done()
	for {
		interval := jitteredInterval(r.cfg.HeartbeatInterval)
		timer := time.NewTimer(interval)
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
			err := r.pipeline.Execute(ctx, "tracker.heartbeat", func(ctx context.Context) error {
				return r.tracker.Heartbeat(ctx, r.cfg.PeerID)
			})
			cancel()
			if err != nil {
				r.log.Warn("peer heartbeat failed", zap.String("peerId", r.cfg.PeerID), zap.Error(err))
			}
		}
	}
}

// jitteredInterval returns a duration uniformly distributed in
// [base/2, base], per spec.md §4.6.
func jitteredInterval(base time.Duration) time.Duration {
	half := base / 2
	if half <= 0 {
		return base
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Stop drives the runtime to STOPPING then STOPPED: halts the heartbeat
// loop, deregisters from the tracker and registry, and stops the file
// server.
func (r *Runtime) Stop(ctx context.Context) error {
	r.setState(Stopping)
	if r.stopCh != nil {
		close(r.stopCh)
	}
	r.wg.Wait()

	_ = r.tracker.Deregister(ctx, r.cfg.PeerID)
	if r.registry != nil {
		r.registry.DeregisterService("peer", r.cfg.PeerID)
	}
	err := r.fs.Stop()
	r.setState(Stopped)
	return err
}

func joinCaps(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
