package metrics

import (
	"sort"
	"sync"
	"time"
)

// Upstream latency bounds in seconds; the last bucket matches the longest
// sensible destination timeout.
var latencyBounds = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// LatencyBucket is a cumulative count of forwards at or under Le seconds.
type LatencyBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// DestinationLatency is the latency distribution of forwards to one
// destination. Failures counts the forwards the breaker saw as failed.
type DestinationLatency struct {
	mu       sync.Mutex
	dest     string
	counts   []int64
	sum      float64
	count    int64
	failures int64
}

func newDestinationLatency(dest string) *DestinationLatency {
	return &DestinationLatency{dest: dest, counts: make([]int64, len(latencyBounds))}
}

func (h *DestinationLatency) observe(d time.Duration, failed bool) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	if failed {
		h.failures++
	}
	for i, le := range latencyBounds {
		if sec <= le {
			h.counts[i]++
		}
	}
}

type LatencySnapshot struct {
	Destination string          `json:"destination"`
	Buckets     []LatencyBucket `json:"buckets"`
	Sum         float64         `json:"sum_seconds"`
	Count       int64           `json:"count"`
	Failures    int64           `json:"failures"`
	P50         float64         `json:"p50_seconds"`
	P95         float64         `json:"p95_seconds"`
	P99         float64         `json:"p99_seconds"`
}

func (h *DestinationLatency) snapshot() LatencySnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := LatencySnapshot{
		Destination: h.dest,
		Buckets:     make([]LatencyBucket, len(latencyBounds)),
		Sum:         h.sum,
		Count:       h.count,
		Failures:    h.failures,
	}
	for i, le := range latencyBounds {
		snap.Buckets[i] = LatencyBucket{Le: le, Count: h.counts[i]}
	}
	snap.P50 = quantile(snap.Buckets, h.count, 0.50)
	snap.P95 = quantile(snap.Buckets, h.count, 0.95)
	snap.P99 = quantile(snap.Buckets, h.count, 0.99)
	return snap
}

// quantile returns the smallest bucket bound holding at least q of the
// observations. Observations above the last bound report that bound.
func quantile(buckets []LatencyBucket, total int64, q float64) float64 {
	if total == 0 || len(buckets) == 0 {
		return 0
	}
	target := int64(q * float64(total))
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

// LatencyRegistry holds one distribution per destination, created on first
// observation.
type LatencyRegistry struct {
	mu    sync.RWMutex
	dests map[string]*DestinationLatency
}

func NewLatencyRegistry() *LatencyRegistry {
	return &LatencyRegistry{dests: map[string]*DestinationLatency{}}
}

func (r *LatencyRegistry) get(dest string) *DestinationLatency {
	r.mu.RLock()
	h, ok := r.dests[dest]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.dests[dest]; !ok {
		h = newDestinationLatency(dest)
		r.dests[dest] = h
	}
	return h
}

// Observe records one forward to dest.
func (r *LatencyRegistry) Observe(dest string, d time.Duration, failed bool) {
	r.get(dest).observe(d, failed)
}

// Snapshots returns every destination's distribution ordered by name.
func (r *LatencyRegistry) Snapshots() []LatencySnapshot {
	r.mu.RLock()
	out := make([]LatencySnapshot, 0, len(r.dests))
	for _, h := range r.dests {
		out = append(out, h.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}
