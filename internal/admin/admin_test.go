package admin_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rrlb/internal/admin"
	"rrlb/internal/dispatch"
	"rrlb/internal/registry"
)

func newServer(t *testing.T) (*admin.Server, *registry.Registry, *dispatch.Dispatcher) {
	t.Helper()
	reg, err := registry.New([]string{"http://a:5001", "http://b:5002"})
	require.NoError(t, err)
	d := dispatch.New(reg)
	return admin.New(reg, d, "127.0.0.1:0", time.Now(), "v-test", nil), reg, d
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestSummary_AggregatesRegistry(t *testing.T) {
	s, reg, d := newServer(t)
	reg.At(1).SetHealthy(false)
	for i := 0; i < 3; i++ {
		_, err := d.Next()
		require.NoError(t, err)
	}

	var body map[string]any
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/summary", &body))

	assert.Equal(t, "v-test", body["version"])
	assert.Equal(t, 3.0, body["total_requests"])
	assert.Equal(t, 2.0, body["targets_total"])
	assert.Equal(t, 1.0, body["targets_healthy"])
	assert.Equal(t, 5.0, body["candidates_visited"], "a, b(skip), a, b(skip), a")
}

func TestTargets_ReportCachedState(t *testing.T) {
	s, reg, _ := newServer(t)
	reg.At(0).RecordProbe(1500*time.Microsecond, true)
	reg.At(0).SetMetrics(&registry.Metrics{CPUUsage: 10, RAMUsage: 20, UpTime: "5m"})
	reg.At(1).RecordProbe(0, false)

	var body []map[string]any
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/targets", &body))
	require.Len(t, body, 2)

	assert.Equal(t, "http://a:5001", body[0]["url"])
	assert.Equal(t, 1.5, body[0]["last_latency_ms"])
	metrics, ok := body[0]["last_metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10.0, metrics["cpu_usage"])

	assert.Equal(t, false, body[1]["healthy"])
	assert.Nil(t, body[1]["last_latency_ms"])
	assert.Nil(t, body[1]["last_metrics"])
}

func TestTarget_ByIndex(t *testing.T) {
	s, _, _ := newServer(t)

	var one map[string]any
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/targets/1", &one))
	assert.Equal(t, "http://b:5002", one["url"])

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/targets/7", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/api/targets/x", nil))
}
