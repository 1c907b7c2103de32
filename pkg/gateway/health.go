package gateway

import (
	"net/http"
	"sort"
	"time"

	"psagate/pkg/circuit"
	"psagate/pkg/httpx"
	"psagate/pkg/metrics"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

type DestinationHealth struct {
	circuit.Snapshot
	BaseURL     string `json:"base_url"`
	HealthPath  string `json:"health_path,omitempty"`
	TimeoutMS   int64  `json:"request_timeout_ms"`
	RetryBudget int    `json:"retry_budget"`
}

type HealthSummary struct {
	Total    int `json:"total"`
	Closed   int `json:"closed"`
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`
}

type DetailedHealth struct {
	HealthResponse
	Summary           HealthSummary       `json:"summary"`
	Destinations      []DestinationHealth `json:"destinations"`
	RateLimitDegraded bool                `json:"rate_limit_degraded"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   s.Name,
		Timestamp: s.clock().UTC().Format(time.RFC3339),
	})
}

// healthDetailed reports every configured destination's circuit. The status
// is "degraded" while any circuit is not closed; the endpoint itself always
// answers 200 so it can be polled through an outage.
func (s *Server) healthDetailed(w http.ResponseWriter, r *http.Request) {
	out := DetailedHealth{
		HealthResponse: HealthResponse{
			Status:    "ok",
			Service:   s.Name,
			Timestamp: s.clock().UTC().Format(time.RFC3339),
		},
	}
	names := make([]string, 0, len(s.Destinations))
	for name := range s.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	circuits := s.Admission.Circuits()
	for _, name := range names {
		d := s.Destinations[name]
		h := DestinationHealth{
			Snapshot:    circuits.Get(name).Snapshot(),
			HealthPath:  d.HealthPath,
			TimeoutMS:   d.RequestTimeout.Milliseconds(),
			RetryBudget: d.RetryBudget,
		}
		if d.BaseURL != nil {
			h.BaseURL = d.BaseURL.String()
		}
		out.Destinations = append(out.Destinations, h)
		out.Summary.Total++
		switch h.State {
		case circuit.Open:
			out.Summary.Open++
		case circuit.HalfOpen:
			out.Summary.HalfOpen++
		default:
			out.Summary.Closed++
		}
	}
	if out.Summary.Open+out.Summary.HalfOpen > 0 {
		out.Status = "degraded"
	}
	if s.Metrics != nil {
		out.RateLimitDegraded = s.Metrics.Snapshot().Gauges[metrics.GaugeRateLimitDegraded] > 0
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
