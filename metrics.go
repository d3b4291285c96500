package dispatch

import (
	"sync"
	"time"

	"github.com/glimte/dispatch-go/internal/reliability"
)

// Metrics is an in-memory registry of dispatch outcomes. It is owned by (or
// handed to) a Dispatcher rather than living in process-wide state, so tests
// and multi-dispatcher processes stay isolated.
type Metrics struct {
	mu           sync.Mutex
	sent         int64
	failed       int64
	totalLatency time.Duration
}

// NewMetrics creates an empty metrics registry
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSuccess counts one delivered message and its end-to-end latency
func (m *Metrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	m.totalLatency += latency
}

// RecordFailure counts one terminally failed message and its latency
func (m *Metrics) RecordFailure(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	m.totalLatency += latency
}

// Snapshot returns a copy of the counters. The dispatcher decorates it with
// queue depth and circuit states before handing it to callers.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MetricsSnapshot{
		Sent:         m.sent,
		Failed:       m.failed,
		TotalLatency: m.totalLatency,
		Timestamp:    time.Now().UTC(),
	}
}

// Reset zeroes all counters
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = 0
	m.failed = 0
	m.totalLatency = 0
}

// MetricsSnapshot is a point-in-time view of dispatcher health
type MetricsSnapshot struct {
	Sent          int64                        `json:"sent"`
	Failed        int64                        `json:"failed"`
	TotalLatency  time.Duration                `json:"totalLatency"`
	QueueLength   int                          `json:"queueLength"`
	BackendStates map[string]reliability.State `json:"-"`
	Timestamp     time.Time                    `json:"timestamp"`
}

// BackendStateStrings renders the per-backend circuit states for serialization
func (s MetricsSnapshot) BackendStateStrings() map[string]string {
	out := make(map[string]string, len(s.BackendStates))
	for name, state := range s.BackendStates {
		out[name] = state.String()
	}
	return out
}
