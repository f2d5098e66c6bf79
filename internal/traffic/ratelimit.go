// Package traffic admits, prioritizes, and dispatches plugin execution
// requests.
//
// Admission runs through a strict-priority four-queue scheduler with FIFO
// order inside each tier, a bounded worker pool, per-user sliding-window
// rate limits, and backpressure eviction when the queue overflows. Every
// decision is audited.
package traffic

import (
	"sync"
	"time"

	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// slidingWindow counts admitted requests per key inside a rolling window.
type slidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	return &slidingWindow{window: window, events: make(map[string][]time.Time)}
}

// allow checks the key against max and records the event when admitted.
// On denial it returns how long until the oldest event leaves the window.
func (w *slidingWindow) allow(key string, max int) (bool, time.Duration) {
	if max <= 0 {
		return true, 0
	}
	now := time.Now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	events := w.events[key]
	pruned := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= max {
		w.events[key] = pruned
		retryAfter := w.window - now.Sub(pruned[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	w.events[key] = append(pruned, now)
	return true, 0
}

// Allocations holds per-user bandwidth budgets. Read on every admission,
// written rarely; an RWMutex keeps the hot path cheap.
type Allocations struct {
	mu       sync.RWMutex
	byUser   map[string]models.BandwidthAllocation
	defaults models.BandwidthAllocation
}

func NewAllocations(cfg *config.TrafficConfig) *Allocations {
	return &Allocations{
		byUser: make(map[string]models.BandwidthAllocation),
		defaults: models.BandwidthAllocation{
			MaxRequestsPerWindow: cfg.DefaultMaxPerWindow,
			Window:               cfg.RateWindow,
			MaxConcurrent:        cfg.DefaultMaxConcurrent,
		},
	}
}

// Get returns the allocation for a user, falling back to defaults.
func (a *Allocations) Get(userID string) models.BandwidthAllocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if alloc, ok := a.byUser[userID]; ok {
		return alloc
	}
	out := a.defaults
	out.UserID = userID
	return out
}

// Update replaces the allocation for a user.
func (a *Allocations) Update(alloc models.BandwidthAllocation) {
	a.mu.Lock()
	a.byUser[alloc.UserID] = alloc
	a.mu.Unlock()
}
