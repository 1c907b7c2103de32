package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"psagate/pkg/audit"
	"psagate/pkg/circuit"
	"psagate/pkg/httpx"
	"psagate/pkg/identity"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type ResetResponse struct {
	Service       string           `json:"service"`
	PreviousState circuit.State    `json:"previous_state"`
	Circuit       circuit.Snapshot `json:"circuit"`
}

type ResetAllResponse struct {
	Transitions []circuit.Transition `json:"transitions"`
	Circuits    []circuit.Snapshot   `json:"circuits"`
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	service, err := url.PathUnescape(chi.URLParam(r, "service"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeBadRequest, "invalid destination name")
		return
	}
	if _, ok := s.Destinations[service]; !ok {
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, "unknown destination "+service)
		return
	}
	circuits := s.Admission.Circuits()
	before := circuits.Get(service).Snapshot()
	circuits.Reset(service)
	after := circuits.Get(service).Snapshot()

	s.recordAudit(r, audit.ActionCircuitReset, service, map[string]any{
		"previous_state": before.State,
		"failure_count":  before.FailureCount,
	})
	httpx.WriteJSON(w, http.StatusOK, ResetResponse{Service: service, PreviousState: before.State, Circuit: after})
}

func (s *Server) resetAllCircuits(w http.ResponseWriter, r *http.Request) {
	circuits := s.Admission.Circuits()
	transitions := circuits.ResetAll()
	if transitions == nil {
		transitions = []circuit.Transition{}
	}
	reset := make([]string, 0, len(transitions))
	for _, tr := range transitions {
		reset = append(reset, tr.Service)
	}
	s.recordAudit(r, audit.ActionCircuitResetAll, "*", map[string]any{"reset": reset})
	httpx.WriteJSON(w, http.StatusOK, ResetAllResponse{Transitions: transitions, Circuits: circuits.Snapshots()})
}

// recordAudit never fails the request: the reset has already happened.
func (s *Server) recordAudit(r *http.Request, action, target string, detail map[string]any) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		Action:    action,
		Target:    target,
		RequestID: httpx.RequestIDFromContext(r.Context()),
	}
	if id, ok := identity.FromContext(r.Context()); ok {
		rec.ActorID = id.SubjectID
		rec.ActorRole = id.Role
		rec.Tenant = id.TenantID
	}
	if detail != nil {
		detail["client_ip"] = s.clientIP(r)
		rec.Detail, _ = json.Marshal(detail)
	}
	if err := s.Audit.Append(context.WithoutCancel(r.Context()), rec); err != nil {
		s.logger().Error("audit append failed",
			zap.String("action", action),
			zap.String("target", target),
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
	}
}
