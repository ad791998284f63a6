// Package stats builds point-in-time snapshots across all registry targets.
// Every snapshot issues a fresh liveness probe per target, independent of the
// health monitor's cadence. Healthy targets additionally report the probe's
// round trip and the payload of their /metrics endpoint.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"rrlb/internal/health"
	"rrlb/internal/registry"
)

// Config holds the parameters for on-demand probes.
type Config struct {
	Timeout     time.Duration
	HealthPath  string
	MetricsPath string
}

const DefaultMetricsPath = "/metrics"

// Server is one row of a snapshot. Nullable fields are pointers so they
// encode as JSON null.
type Server struct {
	URL      string   `json:"url"`
	Status   bool     `json:"status"`
	Requests int64    `json:"requests"`
	CPU      *float64 `json:"cpu"`
	RAM      *float64 `json:"ram"`
	Latency  *float64 `json:"latency"`
	UpTime   *string  `json:"up_time"`
}

// Snapshot is the body served by GET /stats.
type Snapshot struct {
	Servers []Server `json:"servers"`
}

// Aggregator combines registry counters with fresh probes.
type Aggregator struct {
	cfg    Config
	reg    *registry.Registry
	client *http.Client
}

func New(reg *registry.Registry, cfg Config) *Aggregator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = health.DefaultTimeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = health.DefaultPath
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}
	return &Aggregator{
		cfg:    cfg,
		reg:    reg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Snapshot probes every target concurrently and returns one row per target
// in registry order. Probe and metrics failures degrade individual fields;
// the snapshot itself always succeeds.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	targets := a.reg.Targets()
	rows := make([]Server, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			rows[i] = a.collect(ctx, t)
			return nil
		})
	}
	_ = g.Wait() // collect never fails

	return Snapshot{Servers: rows}
}

func (a *Aggregator) collect(ctx context.Context, t *registry.Target) Server {
	latency, err := health.Probe(ctx, a.client, t.RawURL+a.cfg.HealthPath, a.cfg.Timeout)
	if ctx.Err() != nil {
		// The caller went away mid-probe; the outcome says nothing about the target.
		return cached(t)
	}
	healthy := err == nil
	if changed := t.RecordProbe(latency, healthy); changed {
		slog.Info("stats: target health changed on snapshot probe",
			"target", t.RawURL,
			"healthy", healthy,
		)
	}

	row := Server{
		URL:      t.RawURL,
		Status:   healthy,
		Requests: t.Requests(),
	}
	if !healthy {
		return row
	}

	ms := float64(latency.Microseconds()) / 1000
	row.Latency = &ms

	m, err := a.fetchMetrics(ctx, t)
	if err != nil {
		slog.Debug("stats: metrics unavailable", "target", t.RawURL, "error", err)
		t.SetMetrics(nil)
		return row
	}
	t.SetMetrics(m)
	row.CPU = &m.CPUUsage
	row.RAM = &m.RAMUsage
	row.UpTime = &m.UpTime
	return row
}

// cached builds a row from the registry state alone, without probing.
func cached(t *registry.Target) Server {
	v := t.View()
	row := Server{URL: v.URL, Status: v.Healthy, Requests: v.Requests}
	if !v.Healthy {
		return row
	}
	if v.LastLatency != nil {
		ms := float64(v.LastLatency.Microseconds()) / 1000
		row.Latency = &ms
	}
	if m := v.LastMetrics; m != nil {
		row.CPU = &m.CPUUsage
		row.RAM = &m.RAMUsage
		row.UpTime = &m.UpTime
	}
	return row
}

func (a *Aggregator) fetchMetrics(ctx context.Context, t *registry.Target) (*registry.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	url := t.RawURL + a.cfg.MetricsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stats: building metrics request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats: %s returned %d", url, resp.StatusCode)
	}

	var m registry.Metrics
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&m); err != nil {
		return nil, fmt.Errorf("stats: decoding %s: %w", url, err)
	}
	return &m, nil
}
