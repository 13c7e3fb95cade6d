// Package scheduler implements named worker pools on top of the
// buffered-channel-plus-shutdown-handshake shape the teacher's
// distributed-queue/pkg/queue workers use (EnqueueWorker, DequeueWorker,
// AckNackWorker): a request buffer, a `shutdown chan chan error` drain
// handshake, and a Run()/Stop() pair, generalized here to arbitrary
// submitted work instead of one fixed request type per worker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a pool's scheduling shape (spec.md §4.10).
type Kind int

const (
	// Cached grows a goroutine per submitted task up to no fixed limit;
	// suited to short bursts of independent work.
	Cached Kind = iota
	// Fixed runs a bounded number of worker goroutines draining one shared
	// task queue.
	Fixed
	// SingleWorker is Fixed with exactly one worker, giving submitted tasks
	// a total order.
	SingleWorker
	// Scheduled runs like Fixed: its workers drain the shared task queue.
	// Periodic work runs through Manager.ScheduleEvery, which does not use
	// a pool.
	Scheduled
	// SingleScheduled runs like SingleWorker: one worker drains the shared
	// task queue.
	SingleScheduled
)

// Task is a unit of submitted work.
type Task func(ctx context.Context) error

// Metrics is a snapshot of one pool's counters (spec.md §4.10).
type Metrics struct {
	Active    int64
	Queued    int64
	Completed int64
	Failed    int64
	MinLatency time.Duration
	AvgLatency time.Duration
	MaxLatency time.Duration
}

type latencyAcc struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func (a *latencyAcc) record(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 || d < a.min {
		a.min = d
	}
	if d > a.max {
		a.max = d
	}
	a.sum += d
	a.count++
}

func (a *latencyAcc) snapshot() (min, avg, max time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0, 0, 0
	}
	return a.min, a.sum / time.Duration(a.count), a.max
}

// Pool is one named worker pool. Submitted tasks are buffered on queue and
// drained by one or more worker goroutines; Stop drains in-flight and
// queued work before returning. If the deadline passes first, Stop returns
// an error; tasks still running are not cancelled.
type Pool struct {
	name string
	kind Kind
	log  *zap.Logger

	queue    chan Task
	workers  int
	shutdown chan chan error

	wg  sync.WaitGroup
	acc latencyAcc

	mu        sync.Mutex
	active    int64
	completed int64
	failed    int64
}

// NewPool creates a named pool. workers is ignored for Cached (each
// submission gets its own goroutine) and forced to 1 for SingleWorker /
// SingleScheduled.
func NewPool(name string, kind Kind, workers, queueSize int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if kind == SingleWorker || kind == SingleScheduled {
		workers = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		name:     name,
		kind:     kind,
		log:      log,
		queue:    make(chan Task, queueSize),
		workers:  workers,
		shutdown: make(chan chan error),
	}
}

// Run starts the pool's worker goroutines (or, for Cached, the dispatcher
// that spawns one goroutine per submission).
func (p *Pool) Run() error {
	n := p.workers
	if p.kind == Cached {
		n = 1 // the single dispatcher goroutine that fans submissions out
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.runLoop()
	}
	return nil
}

func (p *Pool) runLoop() {
	defer p.wg.Done()
	for {
		select {
		case respCh := <-p.shutdown:
			respCh <- nil
			// Stop closes the queue right after this handshake; keep
			// draining until then so queued tasks still run.
			for t := range p.queue {
				if p.kind == Cached {
					t := t
					p.wg.Add(1)
					go func() {
						defer p.wg.Done()
						p.execute(t)
					}()
					continue
				}
				p.execute(t)
			}
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			if p.kind == Cached {
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					p.execute(t)
				}()
				continue
			}
			p.execute(t)
		}
	}
}

func (p *Pool) execute(t Task) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	start := time.Now()
	err := t(context.Background())
	p.acc.record(time.Since(start))

	p.mu.Lock()
	p.active--
	if err != nil {
		p.failed++
		p.log.Warn("scheduler task failed", zap.String("pool", p.name), zap.Error(err))
	} else {
		p.completed++
	}
	p.mu.Unlock()
}

// Submit enqueues t for execution, returning an error if the queue is full.
func (p *Pool) Submit(t Task) error {
	select {
	case p.queue <- t:
		return nil
	default:
		return fmt.Errorf("scheduler: pool %q queue full", p.name)
	}
}

// Stop drains in-flight and queued work, waiting up to deadline. If the
// deadline passes first it returns an error; tasks still running are not
// cancelled and keep running. A zero deadline waits indefinitely.
func (p *Pool) Stop(deadline time.Duration) error {
	errCh := make(chan error)
	p.shutdown <- errCh
	<-errCh
	close(p.queue)

	if deadline <= 0 {
		p.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("scheduler: pool %q did not drain within %s", p.name, deadline)
	}
}

// Metrics returns a point-in-time snapshot of this pool's counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	active, completed, failed := p.active, p.completed, p.failed
	p.mu.Unlock()
	min, avg, max := p.acc.snapshot()
	return Metrics{
		Active:     active,
		Queued:     int64(len(p.queue)),
		Completed:  completed,
		Failed:     failed,
		MinLatency: min,
		AvgLatency: avg,
		MaxLatency: max,
	}
}
