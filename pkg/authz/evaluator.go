package authz

import (
	"fmt"
	"net/http"
	"strings"

	"psagate/pkg/httpx"
	"psagate/pkg/identity"
)

// Mode selects how required roles are compared with the caller's role.
type Mode string

const (
	// Hierarchical admits any role at or above the lowest required priority.
	Hierarchical Mode = "hierarchical"
	// ExactMatch admits only the listed roles, never a higher but different one.
	ExactMatch Mode = "exact"
	// SelfOrAdmin admits the subject named in the path, or an administrator.
	SelfOrAdmin Mode = "self_or_admin"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Hierarchical:
		return Hierarchical, true
	case ExactMatch:
		return ExactMatch, true
	case SelfOrAdmin:
		return SelfOrAdmin, true
	default:
		return "", false
	}
}

type Reason string

const (
	ReasonAllowed                 Reason = "allowed"
	ReasonNotAuthenticated        Reason = "not_authenticated"
	ReasonInsufficientPermissions Reason = "insufficient_permissions"
)

// Requirement is what a route demands of its caller.
type Requirement struct {
	Roles []string
	Mode  Mode
	// SubjectID is the path subject for SelfOrAdmin checks.
	SubjectID string
}

type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

type Evaluator struct {
	hierarchy *Hierarchy
}

func NewEvaluator(h *Hierarchy) *Evaluator {
	if h == nil {
		h = DefaultHierarchy()
	}
	return &Evaluator{hierarchy: h}
}

func (e *Evaluator) Hierarchy() *Hierarchy {
	return e.hierarchy
}

func (e *Evaluator) Evaluate(id *identity.Identity, req Requirement) Decision {
	if id == nil {
		return Decision{Reason: ReasonNotAuthenticated, Detail: "authentication required"}
	}
	switch req.Mode {
	case ExactMatch:
		role := normalize(id.Role)
		for _, r := range req.Roles {
			if normalize(r) == role {
				return allow()
			}
		}
		return deny(fmt.Sprintf("role %q is not one of %s", id.Role, strings.Join(req.Roles, ", ")))
	case SelfOrAdmin:
		if req.SubjectID != "" && req.SubjectID == id.SubjectID {
			return allow()
		}
		if e.hierarchy.IsAdmin(id.Role) {
			return allow()
		}
		return deny("only the subject or an administrator may access this resource")
	default:
		if len(req.Roles) == 0 {
			return allow()
		}
		// Unknown required roles would resolve to priority 0 and admit everyone,
		// so they are skipped; a requirement with no known role admits nobody.
		minRequired := -1
		for _, r := range req.Roles {
			if !e.hierarchy.Known(r) {
				continue
			}
			p := e.hierarchy.Priority(r)
			if minRequired < 0 || p < minRequired {
				minRequired = p
			}
		}
		if minRequired > 0 && e.hierarchy.Priority(id.Role) >= minRequired {
			return allow()
		}
		return deny(fmt.Sprintf("role %q is below the required level", id.Role))
	}
}

// WriteDenial renders a denial with distinct codes for missing and insufficient identity.
func WriteDenial(w http.ResponseWriter, r *http.Request, d Decision) {
	if d.Reason == ReasonNotAuthenticated {
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeNotAuthenticated, d.Detail)
		return
	}
	httpx.WriteError(w, r, http.StatusForbidden, httpx.CodeInsufficientPermissions, d.Detail)
}

func allow() Decision {
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

func deny(detail string) Decision {
	return Decision{Reason: ReasonInsufficientPermissions, Detail: detail}
}
