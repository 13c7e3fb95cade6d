package gossip

import (
	"math/rand"
	"sync"
	"time"
)

// unhealthyThreshold is K from spec.md §3: a peer with this many or more
// consecutive failures is considered unhealthy.
const unhealthyThreshold = 5

// quarantineBase is the initial backoff window W a peer is quarantined for
// after crossing unhealthyThreshold; it doubles on each further failure up
// to quarantineCap.
const (
	quarantineBase = 2 * time.Second
	quarantineCap  = 2 * time.Minute
)

// peerMetrics tracks per-peer send outcomes used to compute reliability and
// drive fanout selection and quarantine.
type peerMetrics struct {
	successCount        uint64
	failureCount        uint64
	avgLatencyMs        float64
	consecutiveFailures int
	lastSeenMs          int64

	quarantineUntil time.Time
	nextBackoff     time.Duration
}

// reliability returns a [0,1] score favoring peers with more successes and
// fewer failures; an untouched peer defaults to a neutral 0.5.
func (m *peerMetrics) reliability() float64 {
	total := m.successCount + m.failureCount
	if total == 0 {
		return 0.5
	}
	return float64(m.successCount) / float64(total)
}

// healthy reports whether m is below the failure threshold and was seen
// within window.
func (m *peerMetrics) healthy(now time.Time, window time.Duration) bool {
	if m.consecutiveFailures >= unhealthyThreshold {
		return false
	}
	if now.Before(m.quarantineUntil) {
		return false
	}
	if window <= 0 {
		return true
	}
	return now.Sub(time.UnixMilli(m.lastSeenMs)) <= window
}

// roster is the set of known peer addresses plus their reliability metrics.
type roster struct {
	mu              sync.RWMutex
	peers           map[string]*peerMetrics
	livenessWindow  time.Duration
}

func newRoster(livenessWindow time.Duration) *roster {
	if livenessWindow <= 0 {
		livenessWindow = 5 * time.Minute
	}
	return &roster{peers: map[string]*peerMetrics{}, livenessWindow: livenessWindow}
}

func (r *roster) addPeer(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; !ok {
		r.peers[addr] = &peerMetrics{lastSeenMs: time.Now().UnixMilli()}
	}
}

func (r *roster) removePeer(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, addr)
}

func (r *roster) peerAddrs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	return out
}

func (r *roster) healthyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, m := range r.peers {
		if m.healthy(now, r.livenessWindow) {
			n++
		}
	}
	return n
}

// recordSuccess resets a peer's failure streak and quarantine and updates
// its rolling average latency.
func (r *roster) recordSuccess(addr string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metricsLocked(addr)
	m.successCount++
	m.consecutiveFailures = 0
	m.nextBackoff = 0
	m.quarantineUntil = time.Time{}
	m.lastSeenMs = time.Now().UnixMilli()
	if m.avgLatencyMs == 0 {
		m.avgLatencyMs = float64(latency.Milliseconds())
	} else {
		m.avgLatencyMs = (m.avgLatencyMs + float64(latency.Milliseconds())) / 2
	}
}

// recordFailure increments a peer's failure streak and, once it crosses
// unhealthyThreshold, quarantines the peer for a doubling backoff window.
func (r *roster) recordFailure(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metricsLocked(addr)
	m.failureCount++
	m.consecutiveFailures++

	if m.consecutiveFailures >= unhealthyThreshold {
		if m.nextBackoff == 0 {
			m.nextBackoff = quarantineBase
		} else {
			m.nextBackoff *= 2
			if m.nextBackoff > quarantineCap {
				m.nextBackoff = quarantineCap
			}
		}
		m.quarantineUntil = time.Now().Add(m.nextBackoff)
	}
}

func (r *roster) metricsLocked(addr string) *peerMetrics {
	m, ok := r.peers[addr]
	if !ok {
		m = &peerMetrics{}
		r.peers[addr] = m
	}
	return m
}

// selectFanout picks up to n healthy, non-excluded peers, weighted toward
// higher reliability, never returning a peer in exclude.
func (r *roster) selectFanout(n int, exclude map[string]struct{}) []string {
	r.mu.RLock()
	now := time.Now()
	type candidate struct {
		addr        string
		reliability float64
	}
	pool := make([]candidate, 0, len(r.peers))
	for addr, m := range r.peers {
		if _, skip := exclude[addr]; skip {
			continue
		}
		if !m.healthy(now, r.livenessWindow) {
			continue
		}
		pool = append(pool, candidate{addr: addr, reliability: m.reliability()})
	}
	r.mu.RUnlock()

	if n <= 0 || len(pool) == 0 {
		return nil
	}
	if n > len(pool) {
		n = len(pool)
	}

	// Weighted sampling without replacement: each draw picks randomly from
	// the remaining pool with probability proportional to reliability.
	out := make([]string, 0, n)
	for len(out) < n && len(pool) > 0 {
		total := 0.0
		for _, c := range pool {
			total += c.reliability + 0.01 // avoid a zero-reliability peer never being picked
		}
		pick := rand.Float64() * total
		idx := 0
		for i, c := range pool {
			pick -= c.reliability + 0.01
			if pick <= 0 {
				idx = i
				break
			}
			idx = i
		}
		out = append(out, pool[idx].addr)
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}
