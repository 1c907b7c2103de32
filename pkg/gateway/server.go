// Package gateway wires the request pipeline (identity, authorization,
// admission, dispatch) and the gateway's own endpoints into one handler.
package gateway

import (
	"net/http"
	"time"

	"psagate/pkg/admission"
	"psagate/pkg/audit"
	"psagate/pkg/authz"
	"psagate/pkg/circuit"
	"psagate/pkg/dispatch"
	"psagate/pkg/events"
	"psagate/pkg/httpx"
	"psagate/pkg/identity"
	"psagate/pkg/metrics"
	"psagate/pkg/ratelimit"
	"psagate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DefaultAdminRole is the lowest role allowed on the administrative endpoints.
const DefaultAdminRole = "tenant_admin"

type Server struct {
	Name         string
	Routes       *RouteTable
	Destinations map[string]dispatch.Destination
	Resolver     *identity.Resolver
	Evaluator    *authz.Evaluator
	Admission    *admission.Controller
	Dispatcher   *dispatch.Dispatcher
	Metrics      *metrics.Registry
	Audit        audit.Recorder
	Events       *events.Hub
	Logger       *zap.Logger
	ClientIP     func(*http.Request) string

	// AdminRole and AdminPolicies guard /admin and /metrics.
	AdminRole     string
	AdminPolicies []ratelimit.Policy

	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	MaxRequestBodyBytes int64

	now func() time.Time
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.Recoverer(s.logger()))
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(s.Name))
	r.Use(s.observeMiddleware)
	r.Use(httpx.LimitBody(s.MaxRequestBodyBytes))

	r.Get("/health", s.health)
	r.Get("/health/detailed", s.healthDetailed)

	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		if s.Metrics != nil {
			r.Get("/metrics", s.Metrics.Handler())
			r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		}
		r.Post("/admin/circuits/reset", s.resetAllCircuits)
		r.Post("/admin/circuits/{service}/reset", s.resetCircuit)
		r.Get("/admin/circuits/stream", s.streamCircuits)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusMethodNotAllowed, httpx.CodeMethodNotAllowed, "method not allowed")
	})
	r.Handle("/*", http.HandlerFunc(s.proxy))
	return r
}

// proxy runs the per-request pipeline for routed traffic. Each stage may end
// the request with its own response.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	route, ok := s.Routes.Match(r.URL.Path)
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, "no route for "+r.URL.Path)
		return
	}
	dest := route.Target.Destination.Name

	id, err := s.Resolver.Authenticate(r, route.Auth)
	if err != nil {
		s.countDenial("authentication", dest)
		identity.WriteFailure(w, r, err, s.logger())
		return
	}
	if id != nil {
		r = r.WithContext(identity.WithIdentity(r.Context(), id))
	}

	req := route.Requirement
	if len(req.Roles) > 0 || req.Mode == authz.SelfOrAdmin {
		if req.Mode == authz.SelfOrAdmin {
			req.SubjectID = subjectFromPath(route.Prefix, r.URL.Path)
		}
		if dec := s.Evaluator.Evaluate(id, req); !dec.Allowed {
			s.countDenial(string(dec.Reason), dest)
			authz.WriteDenial(w, r, dec)
			return
		}
	}

	s.Dispatcher.Dispatch(w, r, route.Target)
}

// adminOnly requires a mandatory credential at or above AdminRole and runs
// the admin rate-limit policies.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	role := s.AdminRole
	if role == "" {
		role = DefaultAdminRole
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Resolver.Authenticate(r, identity.Mandatory)
		if err != nil {
			s.countDenial("authentication", "admin")
			identity.WriteFailure(w, r, err, s.logger())
			return
		}
		r = r.WithContext(identity.WithIdentity(r.Context(), id))
		if dec := s.Evaluator.Evaluate(id, authz.Requirement{Roles: []string{role}}); !dec.Allowed {
			s.countDenial(string(dec.Reason), "admin")
			authz.WriteDenial(w, r, dec)
			return
		}
		_, adm := s.Admission.Admit(r.Context(), admission.Request{
			Path:      r.URL.Path,
			ClientIP:  s.clientIP(r),
			SubjectID: id.SubjectID,
			Policies:  s.AdminPolicies,
		})
		admission.SetRateLimitHeaders(w, adm, s.clock())
		if !adm.Allowed {
			admission.WriteDenial(w, r, adm)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ObserveCircuits keeps transition counters and state gauges current. It is
// meant to be subscribed to the circuit registry.
func ObserveCircuits(m *metrics.Registry, reg *circuit.Registry) circuit.Listener {
	return func(tr circuit.Transition) {
		m.IncTransition(tr.Service, string(tr.To))
		summary := reg.Summary()
		m.SetGauge(metrics.GaugeCircuitsOpen, float64(summary[circuit.Open]))
		m.SetGauge(metrics.GaugeCircuitsHalfOpen, float64(summary[circuit.HalfOpen]))
	}
}

func (s *Server) countDenial(reason, scope string) {
	if s.Metrics != nil {
		s.Metrics.IncDenial(reason, scope)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	if s.ClientIP != nil {
		return s.ClientIP(r)
	}
	return httpx.ClientIPResolver{}.ClientIP(r)
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
