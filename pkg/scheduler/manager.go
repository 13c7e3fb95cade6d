package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns a set of named pools and a set of scheduled tickers, and
// provides the process-wide shutdown hook spec.md §4.10 calls for: one
// Shutdown call drains every pool it owns.
type Manager struct {
	log *zap.Logger

	mu        sync.Mutex
	pools     map[string]*Pool
	scheduled map[string]*scheduledTask
}

type scheduledTask struct {
	ticker *time.Ticker
	stopCh chan struct{}
	done   chan struct{}
}

// NewManager creates an empty pool manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log, pools: map[string]*Pool{}, scheduled: map[string]*scheduledTask{}}
}

// Pool returns the named pool, creating it with the given kind/sizing on
// first access. Subsequent calls with the same name return the same pool
// regardless of the kind/size arguments passed.
func (m *Manager) Pool(name string, kind Kind, workers, queueSize int) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[name]; ok {
		return p
	}
	p := NewPool(name, kind, workers, queueSize, m.log)
	p.Run()
	m.pools[name] = p
	return p
}

// AllMetrics returns a snapshot of every owned pool's metrics, keyed by
// name, for operator visibility.
func (m *Manager) AllMetrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Metrics, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Metrics()
	}
	return out
}

// ScheduleEvery runs fn on its own ticker every interval until
// StopScheduled or Shutdown is called, generalizing the wait.BackoffStrategy-gated loop the teacher's
// DequeueWorker.Run uses, but on a fixed period instead of an adaptive
// backoff.
func (m *Manager) ScheduleEvery(name string, interval time.Duration, fn func(ctx context.Context)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[name]; ok {
		return fmt.Errorf("scheduler: scheduled task %q already registered", name)
	}

	st := &scheduledTask{
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.scheduled[name] = st

	go func() {
		defer close(st.done)
		for {
			select {
			case <-st.stopCh:
				st.ticker.Stop()
				return
			case <-st.ticker.C:
				fn(context.Background())
			}
		}
	}()
	return nil
}

// StopScheduled cancels a single named scheduled task and waits for its
// loop goroutine to exit.
func (m *Manager) StopScheduled(name string) {
	m.mu.Lock()
	st, ok := m.scheduled[name]
	if ok {
		delete(m.scheduled, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(st.stopCh)
	<-st.done
}

// Shutdown is the process-wide drain hook: it stops every scheduled task
// and drains every pool, each bounded by deadline, collecting every
// failure rather than stopping at the first.
func (m *Manager) Shutdown(deadline time.Duration) error {
	m.mu.Lock()
	scheduled := make([]string, 0, len(m.scheduled))
	for name := range m.scheduled {
		scheduled = append(scheduled, name)
	}
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, name := range scheduled {
		m.StopScheduled(name)
	}

	var err error
	for _, p := range pools {
		err = multierr.Append(err, p.Stop(deadline))
	}
	return err
}

// Sequential runs tasks one after another, stopping at the first error.
func Sequential(ctx context.Context, tasks ...Task) error {
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Parallel runs every task concurrently, waits for all to finish, and
// returns every failure combined via multierr rather than just the first.
func Parallel(ctx context.Context, tasks ...Task) error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i, t := range tasks {
		i, t := i, t
		go func() {
			defer wg.Done()
			errs[i] = t(ctx)
		}()
	}
	wg.Wait()

	var err error
	for _, e := range errs {
		err = multierr.Append(err, e)
	}
	return err
}
