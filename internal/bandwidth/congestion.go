package bandwidth

import (
	"sync"
	"time"
)

// HostStats tracks the running RTT estimate and error rate for a
// single host so the controller can decide whether to grow or shrink
// that host's worker pool.
type HostStats struct {
	LastRTT      time.Duration
	SmoothedRTT  time.Duration
	Concurrency  int
	SuccessCount int
	ErrorCount   int
	LastUpdate   time.Time
}

// CongestionController implements an AIMD (additive increase,
// multiplicative decrease) scheme: a clean chunk nudges concurrency
// up by one once enough successes have accumulated; any error halves
// it immediately. This governs the worker count a Job Controller is
// allowed to run against a given host, bounded by [minWorkers, maxWorkers].
type CongestionController struct {
	mu         sync.RWMutex
	hosts      map[string]*HostStats
	minWorkers int
	maxWorkers int
}

func NewCongestionController(minWorkers, maxWorkers int) *CongestionController {
	return &CongestionController{
		hosts:      make(map[string]*HostStats),
		minWorkers: minWorkers,
		maxWorkers: maxWorkers,
	}
}

// RecordOutcome updates a host's RTT estimate (EMA, alpha=0.125,
// matching TCP's RTT smoothing) and error/success tallies.
func (c *CongestionController) RecordOutcome(host string, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.hosts[host]
	if !ok {
		stats = &HostStats{Concurrency: c.minWorkers}
		c.hosts[host] = stats
	}

	stats.LastRTT = latency
	if stats.SmoothedRTT == 0 {
		stats.SmoothedRTT = latency
	} else {
		const alpha = 0.125
		stats.SmoothedRTT = time.Duration(float64(stats.SmoothedRTT)*(1-alpha) + float64(latency)*alpha)
	}
	stats.LastUpdate = time.Now()

	if err != nil {
		stats.ErrorCount++
		stats.Concurrency = maxInt(c.minWorkers, stats.Concurrency/2)
		stats.SuccessCount = 0
		return
	}

	stats.SuccessCount++
	if stats.SuccessCount > stats.Concurrency {
		stats.Concurrency = minInt(c.maxWorkers, stats.Concurrency+1)
		stats.SuccessCount = 0
	}
}

// GetIdealConcurrency returns the current worker count a host should
// run at. Unseen hosts start at minWorkers.
func (c *CongestionController) GetIdealConcurrency(host string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats, ok := c.hosts[host]
	if !ok {
		return c.minWorkers
	}
	if stats.Concurrency == 0 {
		return c.minWorkers
	}
	return stats.Concurrency
}

// HostStats returns a copy of a host's tracked state, for monitoring
// and tests.
func (c *CongestionController) HostStats(host string) (HostStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats, ok := c.hosts[host]
	if !ok {
		return HostStats{}, false
	}
	return *stats, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
