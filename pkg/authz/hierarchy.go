// Package authz decides whether an authenticated identity may use a route.
package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownRole = errors.New("role not in hierarchy")

// Role names known to the platform.
const (
	RoleSystemAdmin        = "system_admin"
	RoleTenantAdmin        = "tenant_admin"
	RoleSecurityAdmin      = "security_admin"
	RoleServiceManager     = "service_manager"
	RoleSoftwareDeveloper  = "software_developer"
	RoleTechnicianLead     = "technician_lead"
	RoleAccountManager     = "account_manager"
	RoleProjectManager     = "project_manager"
	RoleBillingManager     = "billing_manager"
	RoleTechnician         = "technician"
	RoleCustomerAdmin      = "customer_admin"
	RoleCustomerTechnician = "customer_technician"
	RoleCustomerUser       = "customer_user"
)

// DefaultAdminThreshold is the minimum priority treated as administrative.
const DefaultAdminThreshold = 90

var defaultPriorities = map[string]int{
	RoleSystemAdmin:        100,
	RoleTenantAdmin:        90,
	RoleSecurityAdmin:      80,
	RoleServiceManager:     75,
	RoleSoftwareDeveloper:  72,
	RoleTechnicianLead:     70,
	RoleAccountManager:     65,
	RoleProjectManager:     60,
	RoleBillingManager:     55,
	RoleTechnician:         50,
	RoleCustomerAdmin:      30,
	RoleCustomerTechnician: 25,
	RoleCustomerUser:       20,
}

// Hierarchy maps role names to priorities. It is read-only once built.
//
// Roles absent from the table resolve to priority 0, the lowest privilege.
// Configured requirements are checked with Validate at startup so that a typo
// in a route table fails fast instead of silently locking a route down.
type Hierarchy struct {
	priorities     map[string]int
	adminThreshold int
}

func DefaultHierarchy() *Hierarchy {
	h, _ := NewHierarchy(defaultPriorities, DefaultAdminThreshold)
	return h
}

func NewHierarchy(priorities map[string]int, adminThreshold int) (*Hierarchy, error) {
	if len(priorities) == 0 {
		return nil, errors.New("role hierarchy is empty")
	}
	table := make(map[string]int, len(priorities))
	for role, p := range priorities {
		name := normalize(role)
		if name == "" {
			return nil, errors.New("role hierarchy contains an empty role name")
		}
		if p <= 0 {
			return nil, fmt.Errorf("role %q: priority must be positive, got %d", role, p)
		}
		table[name] = p
	}
	if adminThreshold <= 0 {
		adminThreshold = DefaultAdminThreshold
	}
	return &Hierarchy{priorities: table, adminThreshold: adminThreshold}, nil
}

func (h *Hierarchy) Priority(role string) int {
	return h.priorities[normalize(role)]
}

func (h *Hierarchy) Known(role string) bool {
	_, ok := h.priorities[normalize(role)]
	return ok
}

func (h *Hierarchy) AdminThreshold() int {
	return h.adminThreshold
}

func (h *Hierarchy) IsAdmin(role string) bool {
	return h.Priority(role) >= h.adminThreshold
}

// Validate reports every role that is not present in the table.
func (h *Hierarchy) Validate(roles ...string) error {
	var unknown []string
	for _, r := range roles {
		if !h.Known(r) {
			unknown = append(unknown, r)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRole, strings.Join(unknown, ", "))
	}
	return nil
}

// Priorities returns a copy of the role table.
func (h *Hierarchy) Priorities() map[string]int {
	out := make(map[string]int, len(h.priorities))
	for r, p := range h.priorities {
		out[r] = p
	}
	return out
}

// Roles lists role names ordered from most to least privileged.
func (h *Hierarchy) Roles() []string {
	out := make([]string, 0, len(h.priorities))
	for r := range h.priorities {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := h.priorities[out[i]], h.priorities[out[j]]
		if pi != pj {
			return pi > pj
		}
		return out[i] < out[j]
	})
	return out
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
