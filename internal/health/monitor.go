// Package health implements active liveness probing for registry targets.
// A Monitor runs in the background and, once per interval, sends an HTTP GET
// to every target's health path (default "/health"). Only a 200 response
// within the timeout counts as healthy; every other outcome marks the target
// unhealthy. Probe failures are the expected signal here, so they are logged
// on state transitions and never returned.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"rrlb/internal/registry"
)

// Config holds the parameters for the health monitor.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Path     string // e.g. "/health"
}

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = time.Second
	DefaultPath     = "/health"
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	return c
}

// Monitor periodically probes every target in a registry.
type Monitor struct {
	cfg    Config
	reg    *registry.Registry
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor but does not start it; call Start to begin probing.
func New(reg *registry.Registry, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:    cfg,
		reg:    reg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Start begins the background loop. It runs an immediate cycle before the
// first tick so targets are classified quickly at startup. The loop exits
// when ctx is cancelled or Stop is called. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.ProbeOnce(ctx)

		for {
			select {
			case <-ticker.C:
				m.ProbeOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the background loop and waits for the current cycle to end.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// ProbeOnce checks every target concurrently and waits for all probes to
// finish, so each target never has more than one probe in flight.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range m.reg.Targets() {
		wg.Add(1)
		go func(t *registry.Target) {
			defer wg.Done()
			m.probe(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, t *registry.Target) {
	latency, err := Probe(ctx, m.client, t.RawURL+m.cfg.Path, m.cfg.Timeout)
	if ctx.Err() != nil {
		// Shutting down; the outcome says nothing about the target.
		return
	}
	changed := t.RecordProbe(latency, err == nil)
	switch {
	case err != nil && changed:
		slog.Warn("health: target became unhealthy", "target", t.RawURL, "error", err)
	case err == nil && changed:
		slog.Info("health: target recovered", "target", t.RawURL, "latency_ms", latency.Milliseconds())
	}
}

// ErrUnexpectedStatus wraps any non-200 probe response.
var ErrUnexpectedStatus = errors.New("health: unexpected status")

// Probe issues one bounded GET to url and returns the round-trip time.
// It succeeds only on HTTP 200.
func Probe(ctx context.Context, client *http.Client, url string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("health: building probe for %q: %w", url, err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w %d from %s", ErrUnexpectedStatus, resp.StatusCode, url)
	}
	return elapsed, nil
}
