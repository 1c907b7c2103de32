package circuit

import (
	"sort"
	"sync"
	"time"
)

// Listener observes circuit transitions. Listeners run on the goroutine that
// caused the transition, after the circuit lock has been released.
type Listener func(Transition)

// Registry owns one Breaker per destination, created on first use.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	now       func() time.Time

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []Listener
}

type RegistryOption func(*Registry)

// WithOverride sets per-destination parameters; zero fields fall back to the defaults.
func WithOverride(service string, cfg Config) RegistryOption {
	return func(r *Registry) { r.overrides[service] = cfg }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithListener(l Listener) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:  defaults.Merge(DefaultConfig()),
		overrides: map[string]Config{},
		now:       time.Now,
		breakers:  map[string]*Breaker{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds a listener after construction.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) Now() time.Time { return r.now() }

// Get returns the breaker for service, creating it if needed.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[service]; ok {
		cfg = o.Merge(r.defaults)
	}
	b = NewBreaker(service, cfg)
	r.breakers[service] = b
	return b
}

// Allow runs the admission check for service.
func (r *Registry) Allow(service string) (bool, time.Duration) {
	ok, wait, tr := r.Get(service).Allow(r.now())
	r.notify(tr)
	return ok, wait
}

func (r *Registry) RecordSuccess(service string) {
	r.notify(r.Get(service).RecordSuccess(r.now()))
}

func (r *Registry) RecordFailure(service string) {
	r.notify(r.Get(service).RecordFailure(r.now()))
}

// Reset closes the circuit for service. It reports whether the service was
// known to the registry.
func (r *Registry) Reset(service string) bool {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.notify(b.Reset(r.now()))
	return true
}

// ResetAll closes every circuit and returns the transitions it caused.
func (r *Registry) ResetAll() []Transition {
	var out []Transition
	for _, b := range r.all() {
		if tr := b.Reset(r.now()); tr != nil {
			r.notify(tr)
			out = append(out, *tr)
		}
	}
	return out
}

// Snapshots returns every known circuit sorted by service name.
func (r *Registry) Snapshots() []Snapshot {
	breakers := r.all()
	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Summary counts circuits by state.
func (r *Registry) Summary() map[State]int {
	out := map[State]int{Closed: 0, Open: 0, HalfOpen: 0}
	for _, s := range r.Snapshots() {
		out[s.State]++
	}
	return out
}

func (r *Registry) all() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

func (r *Registry) notify(tr *Transition) {
	if tr == nil {
		return
	}
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(*tr)
	}
}
