package worker

import (
	"sync"
	"time"
)

const (
	StatusHealthy = "healthy"
	StatusFailed  = "failed"
)

// WorkerHealth is the externally visible state of one worker. Failure
// details stay in the logs; health endpoints only see the status.
type WorkerHealth struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
}

// Report is the aggregate health of every supervised worker, shaped for
// the health endpoint.
type Report struct {
	Status    string                  `json:"status"`
	Workers   map[string]WorkerHealth `json:"workers"`
	Timestamp time.Time               `json:"timestamp"`
}

// HealthTracker records worker state transitions. Safe for concurrent
// use.
type HealthTracker struct {
	mu    sync.RWMutex
	state map[string]WorkerHealth
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{state: make(map[string]WorkerHealth)}
}

func (h *HealthTracker) MarkHealthy(name string) { h.mark(name, StatusHealthy) }

func (h *HealthTracker) MarkFailed(name string) { h.mark(name, StatusFailed) }

func (h *HealthTracker) mark(name, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state[name] = WorkerHealth{Status: status, LastCheck: time.Now()}
}

// IsHealthy reports whether no worker has failed.
func (h *HealthTracker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.allHealthy()
}

// Report snapshots the state of every worker.
func (h *HealthTracker) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	workers := make(map[string]WorkerHealth, len(h.state))
	for name, w := range h.state {
		workers[name] = w
	}

	status := StatusHealthy
	if !h.allHealthy() {
		status = StatusFailed
	}

	return Report{
		Status:    status,
		Workers:   workers,
		Timestamp: time.Now(),
	}
}

// allHealthy assumes the caller holds at least the read lock.
func (h *HealthTracker) allHealthy() bool {
	for _, w := range h.state {
		if w.Status != StatusHealthy {
			return false
		}
	}
	return true
}
