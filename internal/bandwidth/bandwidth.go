// Package bandwidth provides a global token-bucket throttle shared by
// every Chunk Worker, and an AIMD congestion controller that derives
// the ideal worker concurrency per host from the run of clean and
// failed chunk fetches (RTT is tracked per host but does not change
// the worker count).
package bandwidth

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Manager throttles aggregate read throughput across all jobs. It is
// disabled by default (SetLimit(0)), in which case Wait is a single
// atomic load and returns immediately.
type Manager struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	enabled atomic.Bool
}

func NewManager() *Manager {
	return &Manager{limiter: rate.NewLimiter(rate.Inf, 0)}
}

// SetLimit sets the global cap in bytes/sec. A value of 0 disables
// throttling entirely.
func (m *Manager) SetLimit(bytesPerSec int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bytesPerSec <= 0 {
		m.enabled.Store(false)
		m.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	burst := bytesPerSec
	if burst < 64*1024 {
		burst = 64 * 1024
	}
	m.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	m.enabled.Store(true)
}

// Wait blocks until n bytes are permitted to be read, or ctx is
// canceled. When throttling is disabled this is a fast no-op.
func (m *Manager) Wait(ctx context.Context, n int) error {
	if !m.enabled.Load() {
		return nil
	}
	m.mu.RLock()
	limiter := m.limiter
	m.mu.RUnlock()
	return limiter.WaitN(ctx, n)
}
