// Package registry holds the fixed, ordered set of backend targets and their
// mutable health and usage state. A single *Registry is shared by the health
// monitor, the dispatcher and the stats aggregator; none of them keep a
// private copy of target state.
package registry

import (
	"errors"
	"fmt"
)

// ErrEmpty is returned when a registry would be built with no targets.
var ErrEmpty = errors.New("registry: at least one target required")

// Registry is an ordered, fixed-cardinality sequence of targets.
// The slice itself is never mutated after New, so it is read without a lock.
type Registry struct {
	targets []*Target
}

// New builds a Registry from backend URLs, preserving their order.
func New(rawURLs []string) (*Registry, error) {
	if len(rawURLs) == 0 {
		return nil, ErrEmpty
	}
	seen := make(map[string]struct{}, len(rawURLs))
	targets := make([]*Target, 0, len(rawURLs))
	for _, raw := range rawURLs {
		t, err := NewTarget(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t.RawURL]; dup {
			return nil, fmt.Errorf("registry: duplicate target %q", t.RawURL)
		}
		seen[t.RawURL] = struct{}{}
		targets = append(targets, t)
	}
	return &Registry{targets: targets}, nil
}

// Len returns the number of targets.
func (r *Registry) Len() int { return len(r.targets) }

// At returns the target at position i.
func (r *Registry) At(i int) *Target { return r.targets[i] }

// Targets returns the targets in order. Callers must not modify the slice.
func (r *Registry) Targets() []*Target { return r.targets }

// Lookup finds a target by URL.
func (r *Registry) Lookup(rawURL string) (*Target, bool) {
	for _, t := range r.targets {
		if t.RawURL == rawURL {
			return t, true
		}
	}
	return nil, false
}

// Views returns a copy of every target's state, in registry order.
func (r *Registry) Views() []View {
	out := make([]View, len(r.targets))
	for i, t := range r.targets {
		out[i] = t.View()
	}
	return out
}

// HealthyCount reports how many targets are currently marked healthy.
func (r *Registry) HealthyCount() int {
	n := 0
	for _, t := range r.targets {
		if t.Healthy() {
			n++
		}
	}
	return n
}
