package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the self-reported resource usage of a target, as served by its
// /metrics endpoint.
type Metrics struct {
	CPUUsage float64 `json:"cpu_usage"`
	RAMUsage float64 `json:"ram_usage"`
	UpTime   string  `json:"up_time"`
}

// Target is the runtime representation of one routable backend.
// The health flag and request counter are atomics so the dispatch path never
// takes a lock; latency and metrics are whole values guarded by mu.
type Target struct {
	Address *url.URL
	RawURL  string

	healthy  atomic.Bool
	requests atomic.Int64

	mu          sync.RWMutex
	lastLatency *time.Duration
	lastMetrics *Metrics
}

// NewTarget parses rawURL and returns a healthy Target.
func NewTarget(rawURL string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid target URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("registry: target URL %q needs a scheme and host", rawURL)
	}
	t := &Target{
		Address: u,
		RawURL:  strings.TrimRight(rawURL, "/"),
	}
	t.healthy.Store(true) // targets are assumed healthy until the first probe
	return t, nil
}

func (t *Target) Healthy() bool   { return t.healthy.Load() }
func (t *Target) Requests() int64 { return t.requests.Load() }

// IncRequests counts one dispatch to this target and returns the new total.
func (t *Target) IncRequests() int64 { return t.requests.Add(1) }

// SetHealthy stores v and reports whether the flag changed.
func (t *Target) SetHealthy(v bool) (changed bool) {
	return t.healthy.Swap(v) != v
}

// CompareAndSwapHealthy sets the flag to new only if it currently equals old.
func (t *Target) CompareAndSwapHealthy(old, new bool) bool {
	return t.healthy.CompareAndSwap(old, new)
}

// RecordProbe stores the outcome of a completed liveness probe. A failed
// probe clears the latency and the metrics so stale values are never served.
// The flag and the cached values change under one lock, so SetMetrics cannot
// slip in between them.
func (t *Target) RecordProbe(latency time.Duration, ok bool) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.lastLatency = &latency
	} else {
		t.lastLatency = nil
		t.lastMetrics = nil
	}
	return t.healthy.Swap(ok) != ok
}

// SetMetrics replaces the last metrics snapshot; nil clears it. Metrics are
// only kept for a healthy target: on an unhealthy one a non-nil m is dropped.
func (t *Target) SetMetrics(m *Metrics) {
	if m != nil {
		cp := *m
		m = &cp
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if m != nil && !t.healthy.Load() {
		return
	}
	t.lastMetrics = m
}

// LastLatency returns the round trip of the last successful probe.
func (t *Target) LastLatency() (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastLatency == nil {
		return 0, false
	}
	return *t.lastLatency, true
}

// LastMetrics returns a copy of the last metrics snapshot, or nil.
func (t *Target) LastMetrics() *Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastMetrics == nil {
		return nil
	}
	cp := *t.lastMetrics
	return &cp
}

// View is a read-only copy of a target's state.
type View struct {
	URL         string         `json:"url"`
	Healthy     bool           `json:"healthy"`
	Requests    int64          `json:"requests"`
	LastLatency *time.Duration `json:"last_latency,omitempty"`
	LastMetrics *Metrics       `json:"last_metrics,omitempty"`
}

// View returns a copy of the target's current state.
func (t *Target) View() View {
	v := View{
		URL:      t.RawURL,
		Healthy:  t.Healthy(),
		Requests: t.Requests(),
	}
	t.mu.RLock()
	if t.lastLatency != nil {
		d := *t.lastLatency
		v.LastLatency = &d
	}
	if t.lastMetrics != nil {
		m := *t.lastMetrics
		v.LastMetrics = &m
	}
	t.mu.RUnlock()
	return v
}
