package stats_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rrlb/internal/registry"
	"rrlb/internal/stats"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fakeBackend struct {
	healthStatus  int
	metricsStatus int
	metricsBody   string
}

func (f fakeBackend) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(f.healthStatus)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.metricsStatus)
		_, _ = w.Write([]byte(f.metricsBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const goodMetrics = `{"cpu_usage": 12.5, "ram_usage": 48.25, "up_time": "0:12:01"}`

func newAggregator(t *testing.T, urls ...string) (*stats.Aggregator, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(urls)
	require.NoError(t, err)
	return stats.New(reg, stats.Config{Timeout: 300 * time.Millisecond}), reg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSnapshot_HealthyTargetReportsMetrics(t *testing.T) {
	srv := fakeBackend{healthStatus: 200, metricsStatus: 200, metricsBody: goodMetrics}.start(t)
	agg, reg := newAggregator(t, srv.URL)
	reg.At(0).IncRequests()
	reg.At(0).IncRequests()

	snap := agg.Snapshot(context.Background())
	require.Len(t, snap.Servers, 1)
	row := snap.Servers[0]

	assert.Equal(t, srv.URL, row.URL)
	assert.True(t, row.Status)
	assert.Equal(t, int64(2), row.Requests)
	require.NotNil(t, row.CPU)
	require.NotNil(t, row.RAM)
	require.NotNil(t, row.UpTime)
	require.NotNil(t, row.Latency)
	assert.Equal(t, 12.5, *row.CPU)
	assert.Equal(t, 48.25, *row.RAM)
	assert.Equal(t, "0:12:01", *row.UpTime)
	assert.GreaterOrEqual(t, *row.Latency, 0.0)

	m := reg.At(0).LastMetrics()
	require.NotNil(t, m, "snapshot refreshes the cached metrics")
	assert.Equal(t, 12.5, m.CPUUsage)
}

func TestSnapshot_UnhealthyTargetHasNulls(t *testing.T) {
	srv := fakeBackend{healthStatus: 503, metricsStatus: 200, metricsBody: goodMetrics}.start(t)
	agg, reg := newAggregator(t, srv.URL)

	snap := agg.Snapshot(context.Background())
	row := snap.Servers[0]

	assert.False(t, row.Status)
	assert.Nil(t, row.Latency)
	assert.Nil(t, row.CPU)
	assert.Nil(t, row.RAM)
	assert.Nil(t, row.UpTime)
	assert.False(t, reg.At(0).Healthy(), "fresh probe result is written back")
}

func TestSnapshot_UnreachableTargetHasNulls(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	agg, _ := newAggregator(t, deadURL)
	row := agg.Snapshot(context.Background()).Servers[0]

	assert.False(t, row.Status)
	assert.Nil(t, row.Latency)
	assert.Nil(t, row.CPU)
}

func TestSnapshot_MetricsFailureDegradesOnlyMetrics(t *testing.T) {
	cases := map[string]fakeBackend{
		"status 500":   {healthStatus: 200, metricsStatus: 500, metricsBody: goodMetrics},
		"invalid json": {healthStatus: 200, metricsStatus: 200, metricsBody: "{not json"},
		"not found":    {healthStatus: 200, metricsStatus: 404},
	}
	for name, fb := range cases {
		t.Run(name, func(t *testing.T) {
			srv := fb.start(t)
			agg, reg := newAggregator(t, srv.URL)
			reg.At(0).SetMetrics(&registry.Metrics{CPUUsage: 1})

			row := agg.Snapshot(context.Background()).Servers[0]

			assert.True(t, row.Status)
			assert.NotNil(t, row.Latency, "latency survives a metrics failure")
			assert.Nil(t, row.CPU)
			assert.Nil(t, row.RAM)
			assert.Nil(t, row.UpTime)
			assert.Nil(t, reg.At(0).LastMetrics(), "stale metrics are cleared")
		})
	}
}

func TestSnapshot_RecoversTargetMarkedDown(t *testing.T) {
	srv := fakeBackend{healthStatus: 200, metricsStatus: 200, metricsBody: goodMetrics}.start(t)
	agg, reg := newAggregator(t, srv.URL)
	reg.At(0).SetHealthy(false)

	row := agg.Snapshot(context.Background()).Servers[0]

	assert.True(t, row.Status)
	assert.True(t, reg.At(0).Healthy())
}

func TestSnapshot_CancelledRequestLeavesHealthUntouched(t *testing.T) {
	srv := fakeBackend{healthStatus: 200, metricsStatus: 200, metricsBody: goodMetrics}.start(t)
	agg, reg := newAggregator(t, srv.URL, "http://127.0.0.1:1")
	reg.At(0).RecordProbe(2*time.Millisecond, true)
	reg.At(0).SetMetrics(&registry.Metrics{CPUUsage: 3, RAMUsage: 4, UpTime: "0:00:01"})
	reg.At(1).SetHealthy(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := agg.Snapshot(ctx)

	assert.True(t, reg.At(0).Healthy(), "an aborted snapshot must not mark a live target down")
	assert.False(t, reg.At(1).Healthy())
	require.NotNil(t, reg.At(0).LastMetrics())

	require.Len(t, snap.Servers, 2)
	up := snap.Servers[0]
	assert.True(t, up.Status)
	require.NotNil(t, up.Latency)
	assert.Equal(t, 2.0, *up.Latency)
	require.NotNil(t, up.CPU)
	assert.Equal(t, 3.0, *up.CPU)

	down := snap.Servers[1]
	assert.False(t, down.Status)
	assert.Nil(t, down.Latency)
	assert.Nil(t, down.CPU)
}

func TestSnapshot_OrderAndJSONShape(t *testing.T) {
	up := fakeBackend{healthStatus: 200, metricsStatus: 200, metricsBody: goodMetrics}.start(t)
	down := fakeBackend{healthStatus: 500}.start(t)
	agg, _ := newAggregator(t, up.URL, down.URL)

	raw, err := json.Marshal(agg.Snapshot(context.Background()))
	require.NoError(t, err)

	var decoded struct {
		Servers []map[string]any `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Servers, 2)

	assert.Equal(t, up.URL, decoded.Servers[0]["url"])
	assert.Equal(t, down.URL, decoded.Servers[1]["url"])
	for _, key := range []string{"url", "status", "requests", "cpu", "ram", "latency", "up_time"} {
		assert.Contains(t, decoded.Servers[1], key, "unhealthy row still carries %q", key)
	}
	assert.Nil(t, decoded.Servers[1]["cpu"])
	assert.Nil(t, decoded.Servers[1]["latency"])
}
