// Package metrics keeps in-process gateway counters and renders them as JSON
// or Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	denials           map[string]int64
	transitions       map[string]int64
	dispatchOutcomes  map[string]int64
	gauges            map[string]float64
	rateLimitDegraded int64
	Latency           *LatencyRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	AdmissionDenials  map[string]int64        `json:"admission_denials"`
	CircuitTransition map[string]int64        `json:"circuit_transitions"`
	DispatchOutcomes  map[string]int64        `json:"dispatch_outcomes"`
	Gauges            map[string]float64      `json:"gauges"`
	RateLimitDegraded int64                   `json:"ratelimit_degraded_total"`
	DispatchLatency   []LatencySnapshot       `json:"dispatch_latency,omitempty"`
}

// Gauge names set by the gateway.
const (
	GaugeRateLimitDegraded = "ratelimit_degraded"
	GaugeCircuitsOpen      = "circuits_open"
	GaugeCircuitsHalfOpen  = "circuits_half_open"
)

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		denials:          map[string]int64{},
		transitions:      map[string]int64{},
		dispatchOutcomes: map[string]int64{},
		gauges:           map[string]float64{},
		Latency:          NewLatencyRegistry(),
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDenial counts an admission denial; scope is the policy or destination.
func (r *Registry) IncDenial(reason, scope string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.denials[joinKey(reason, scope)]++
	r.mu.Unlock()
}

func (r *Registry) IncTransition(service, to string) {
	if service == "" || to == "" {
		return
	}
	r.mu.Lock()
	r.transitions[joinKey(service, to)]++
	r.mu.Unlock()
}

// ObserveDispatch records one forward to a destination: its outcome
// ("success", "failure", "aborted") and its latency.
func (r *Registry) ObserveDispatch(destination, outcome string, d time.Duration) {
	if destination == "" {
		return
	}
	r.mu.Lock()
	r.dispatchOutcomes[joinKey(destination, outcome)]++
	r.mu.Unlock()
	r.Latency.Observe(destination, d, outcome == "failure")
}

// ObserveRateLimitStore tracks whether the shared counter store answered.
// Degraded checks are counted and hold the degraded gauge at 1 until the
// next healthy check.
func (r *Registry) ObserveRateLimitStore(degraded bool) {
	r.mu.Lock()
	if degraded {
		r.rateLimitDegraded++
		r.gauges[GaugeRateLimitDegraded] = 1
	} else {
		r.gauges[GaugeRateLimitDegraded] = 0
	}
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		AdmissionDenials:  copyCounts(r.denials),
		CircuitTransition: copyCounts(r.transitions),
		DispatchOutcomes:  copyCounts(r.dispatchOutcomes),
		Gauges:            make(map[string]float64, len(r.gauges)),
		RateLimitDegraded: r.rateLimitDegraded,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.DispatchLatency = r.Latency.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP gateway_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE gateway_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "gateway_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP gateway_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE gateway_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "gateway_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP gateway_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE gateway_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "gateway_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP gateway_admission_denied_total admission denials by reason and scope\n")
		b.WriteString("# TYPE gateway_admission_denied_total counter\n")
		for _, key := range SortedKeys(snap.AdmissionDenials) {
			reason, scope := splitKey(key)
			fmt.Fprintf(b, "gateway_admission_denied_total{reason=%q,scope=%q} %d\n", reason, scope, snap.AdmissionDenials[key])
		}
		b.WriteString("# HELP gateway_circuit_transitions_total circuit state changes by destination and target state\n")
		b.WriteString("# TYPE gateway_circuit_transitions_total counter\n")
		for _, key := range SortedKeys(snap.CircuitTransition) {
			service, to := splitKey(key)
			fmt.Fprintf(b, "gateway_circuit_transitions_total{destination=%q,to=%q} %d\n", service, to, snap.CircuitTransition[key])
		}
		b.WriteString("# HELP gateway_dispatch_total forwarded requests by destination and outcome\n")
		b.WriteString("# TYPE gateway_dispatch_total counter\n")
		for _, key := range SortedKeys(snap.DispatchOutcomes) {
			dest, outcome := splitKey(key)
			fmt.Fprintf(b, "gateway_dispatch_total{destination=%q,outcome=%q} %d\n", dest, outcome, snap.DispatchOutcomes[key])
		}
		b.WriteString("# HELP gateway_ratelimit_degraded_total requests admitted while the counter store was unavailable\n")
		b.WriteString("# TYPE gateway_ratelimit_degraded_total counter\n")
		fmt.Fprintf(b, "gateway_ratelimit_degraded_total %d\n", snap.RateLimitDegraded)
		b.WriteString("# HELP gateway_gauge operational gauge metrics\n")
		b.WriteString("# TYPE gateway_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "gateway_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.DispatchLatency) > 0 {
			b.WriteString("# HELP gateway_dispatch_latency_seconds dispatch latency by destination\n")
			b.WriteString("# TYPE gateway_dispatch_latency_seconds histogram\n")
		}
		for _, h := range snap.DispatchLatency {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "gateway_dispatch_latency_seconds_bucket{destination=%q,le=\"%.3f\"} %d\n", h.Destination, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "gateway_dispatch_latency_seconds_bucket{destination=%q,le=\"+Inf\"} %d\n", h.Destination, h.Count)
			fmt.Fprintf(b, "gateway_dispatch_latency_seconds_sum{destination=%q} %.6f\n", h.Destination, h.Sum)
			fmt.Fprintf(b, "gateway_dispatch_latency_seconds_count{destination=%q} %d\n", h.Destination, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinKey(a, b string) string {
	if b == "" {
		b = "none"
	}
	return a + "|" + b
}

func splitKey(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], "none"
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
