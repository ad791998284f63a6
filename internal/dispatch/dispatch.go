// Package dispatch selects a healthy target for each inbound request using
// round-robin rotation over the shared registry. A Dispatcher is safe for
// concurrent use and never blocks.
package dispatch

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"rrlb/internal/registry"
)

// ErrNoHealthyBackend is returned when every target examined is unhealthy.
var ErrNoHealthyBackend = errors.New("dispatch: no healthy backend available")

// Dispatcher walks the registry in rotation order. The cursor advances once
// per candidate examined, healthy or not, so a skipped target keeps its slot
// in the sequence and is reconsidered on the next pass.
type Dispatcher struct {
	reg    *registry.Registry
	cursor atomic.Uint64
}

func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Next examines at most Len() candidates starting at the cursor and returns
// the first healthy one, counting the request against it. If none is
// healthy it returns ErrNoHealthyBackend and no counter changes.
func (d *Dispatcher) Next() (*registry.Target, error) {
	n := uint64(d.reg.Len())
	for i := uint64(0); i < n; i++ {
		pos := d.cursor.Add(1) - 1
		t := d.reg.At(int(pos % n))
		if !t.Healthy() {
			continue
		}
		t.IncRequests()
		return t, nil
	}
	return nil, ErrNoHealthyBackend
}

// Cursor returns the index the next examination will start from.
func (d *Dispatcher) Cursor() int {
	return int(d.cursor.Load() % uint64(d.reg.Len()))
}

// Examined returns the total number of candidates examined since start.
func (d *Dispatcher) Examined() uint64 { return d.cursor.Load() }

// MarkFailed flags t unhealthy after a failed forward. The health monitor
// clears the flag once the target answers its probe again.
func (d *Dispatcher) MarkFailed(t *registry.Target, err error) {
	if t.CompareAndSwapHealthy(true, false) {
		slog.Warn("dispatch: target marked unhealthy after forward error",
			"target", t.RawURL,
			"error", err,
		)
	}
}
