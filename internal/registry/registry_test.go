package registry_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rrlb/internal/registry"
)

func TestNew_PreservesOrder(t *testing.T) {
	reg, err := registry.New([]string{"http://a:1", "http://b:2/", "http://c:3"})
	require.NoError(t, err)

	require.Equal(t, 3, reg.Len())
	assert.Equal(t, "http://a:1", reg.At(0).RawURL)
	assert.Equal(t, "http://b:2", reg.At(1).RawURL, "trailing slash is trimmed")
	assert.Equal(t, "http://c:3", reg.At(2).RawURL)
	assert.Equal(t, 3, reg.HealthyCount(), "targets start healthy")
}

func TestNew_Rejects(t *testing.T) {
	_, err := registry.New(nil)
	assert.True(t, errors.Is(err, registry.ErrEmpty))

	_, err = registry.New([]string{"127.0.0.1:5001"})
	assert.Error(t, err, "missing scheme must be rejected")

	_, err = registry.New([]string{"http://a:1", "http://a:1/"})
	assert.Error(t, err, "duplicates must be rejected")
}

func TestTarget_SetHealthyReportsChange(t *testing.T) {
	tg, err := registry.NewTarget("http://a:1")
	require.NoError(t, err)

	assert.False(t, tg.SetHealthy(true), "already healthy")
	assert.True(t, tg.SetHealthy(false))
	assert.False(t, tg.Healthy())
	assert.False(t, tg.CompareAndSwapHealthy(true, false))
	assert.True(t, tg.CompareAndSwapHealthy(false, true))
	assert.True(t, tg.Healthy())
}

func TestTarget_FailedProbeClearsLatencyAndMetrics(t *testing.T) {
	tg, err := registry.NewTarget("http://a:1")
	require.NoError(t, err)

	_, ok := tg.LastLatency()
	assert.False(t, ok, "never measured")

	tg.RecordProbe(12*time.Millisecond, true)
	tg.SetMetrics(&registry.Metrics{CPUUsage: 3.5, RAMUsage: 40, UpTime: "1h"})

	d, ok := tg.LastLatency()
	require.True(t, ok)
	assert.Equal(t, 12*time.Millisecond, d)
	require.NotNil(t, tg.LastMetrics())

	changed := tg.RecordProbe(0, false)
	assert.True(t, changed)
	assert.False(t, tg.Healthy())
	_, ok = tg.LastLatency()
	assert.False(t, ok)
	assert.Nil(t, tg.LastMetrics())
}

func TestTarget_LastMetricsReturnsCopy(t *testing.T) {
	tg, err := registry.NewTarget("http://a:1")
	require.NoError(t, err)

	tg.SetMetrics(&registry.Metrics{CPUUsage: 1})
	m := tg.LastMetrics()
	m.CPUUsage = 99

	assert.Equal(t, 1.0, tg.LastMetrics().CPUUsage)
}

func TestTarget_SetMetricsIgnoredWhileUnhealthy(t *testing.T) {
	tg, err := registry.NewTarget("http://a:1")
	require.NoError(t, err)

	tg.RecordProbe(0, false)
	tg.SetMetrics(&registry.Metrics{CPUUsage: 5})
	assert.Nil(t, tg.LastMetrics(), "a late metrics fetch must not revive a down target's cache")

	tg.RecordProbe(time.Millisecond, true)
	tg.SetMetrics(&registry.Metrics{CPUUsage: 5})
	require.NotNil(t, tg.LastMetrics())
	assert.Equal(t, 5.0, tg.LastMetrics().CPUUsage)
}

func TestTarget_MetricsNeverCachedOnDownTarget(t *testing.T) {
	tg, err := registry.NewTarget("http://a:1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tg.RecordProbe(time.Millisecond, i%2 == 0)
		}()
		go func() {
			defer wg.Done()
			tg.SetMetrics(&registry.Metrics{CPUUsage: 1})
		}()
	}
	wg.Wait()

	tg.RecordProbe(0, false)
	tg.SetMetrics(&registry.Metrics{CPUUsage: 1})
	v := tg.View()
	assert.False(t, v.Healthy)
	assert.Nil(t, v.LastMetrics)
}

func TestTarget_ConcurrentIncrements(t *testing.T) {
	tg, err := registry.NewTarget("http://a:1")
	require.NoError(t, err)

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tg.IncRequests()
			_ = tg.View()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), tg.Requests())
}

func TestRegistry_LookupAndViews(t *testing.T) {
	reg, err := registry.New([]string{"http://a:1", "http://b:2"})
	require.NoError(t, err)

	b, ok := reg.Lookup("http://b:2")
	require.True(t, ok)
	b.IncRequests()
	b.SetHealthy(false)

	_, ok = reg.Lookup("http://zzz:9")
	assert.False(t, ok)

	views := reg.Views()
	require.Len(t, views, 2)
	assert.Equal(t, "http://b:2", views[1].URL)
	assert.False(t, views[1].Healthy)
	assert.Equal(t, int64(1), views[1].Requests)
	assert.Nil(t, views[1].LastLatency)
	assert.Equal(t, 1, reg.HealthyCount())
}
