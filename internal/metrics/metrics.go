package metrics

import (
	"sync"
	"sync/atomic"
)

// Engine counters, kept simple and thread-safe for use from the evaluator,
// executor and middlewares, and exposed as a JSON snapshot on /metrics.

type counterSet struct {
	total uint64
	mu    sync.Mutex
	byKey map[string]uint64
}

func (c *counterSet) inc(key string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byKey == nil {
		c.byKey = make(map[string]uint64)
	}
	c.byKey[key]++
	c.mu.Unlock()
}

func (c *counterSet) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	byKey := make(map[string]uint64, len(c.byKey))
	for k, v := range c.byKey {
		byKey[k] = v
	}
	c.mu.Unlock()
	return total, byKey
}

var (
	events     counterSet
	fired      counterSet
	finished   counterSet
	rateLimits counterSet
)

// IncEventReceived counts one inbound domain event by type.
func IncEventReceived(eventType string) {
	events.inc(eventType)
}

// IncTriggerFired counts one fired trigger by type.
func IncTriggerFired(triggerType string) {
	fired.inc(triggerType)
}

// IncExecutionFinished counts one completed execution by terminal status.
func IncExecutionFinished(status string) {
	finished.inc(status)
}

// IncRateLimitDrop counts one HTTP 429 by route prefix.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimits.inc(prefix)
}

// Counter report for one counter family.
type Counter struct {
	Total uint64            `json:"total"`
	ByKey map[string]uint64 `json:"by_key,omitempty"`
}

// Snapshot returns a point-in-time copy of all counters.
func Snapshot() map[string]Counter {
	out := make(map[string]Counter, 4)
	for name, set := range map[string]*counterSet{
		"events_received":     &events,
		"triggers_fired":      &fired,
		"executions_finished": &finished,
		"rate_limit_drops":    &rateLimits,
	} {
		total, byKey := set.snapshot()
		out[name] = Counter{Total: total, ByKey: byKey}
	}
	return out
}

// Reset clears all counters. Test helper.
func Reset() {
	for _, set := range []*counterSet{&events, &fired, &finished, &rateLimits} {
		atomic.StoreUint64(&set.total, 0)
		set.mu.Lock()
		set.byKey = nil
		set.mu.Unlock()
	}
}
