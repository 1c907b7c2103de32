package gateway

import (
	"fmt"
	"sort"
	"strings"

	"psagate/pkg/authz"
	"psagate/pkg/config"
	"psagate/pkg/dispatch"
	"psagate/pkg/identity"
	"psagate/pkg/ratelimit"
)

// Route binds a path prefix to a destination and the checks a request must
// pass on the way there.
type Route struct {
	Prefix      string
	Auth        identity.Mode
	Requirement authz.Requirement
	Target      dispatch.Target
}

// RouteTable resolves request paths by longest matching prefix.
type RouteTable struct {
	routes []Route
}

func NewRouteTable(routes []Route) (*RouteTable, error) {
	seen := map[string]struct{}{}
	sorted := make([]Route, 0, len(routes))
	for _, r := range routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with /", r.Prefix)
		}
		if _, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("route %q: duplicate prefix", r.Prefix)
		}
		seen[r.Prefix] = struct{}{}
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &RouteTable{routes: sorted}, nil
}

// Match returns the route with the longest prefix covering path. Prefixes
// match on segment boundaries: /api/v1/users covers /api/v1/users/7 but not
// /api/v1/users-export.
func (t *RouteTable) Match(path string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	for _, r := range t.routes {
		if matchPrefix(r.Prefix, path) {
			return r, true
		}
	}
	return Route{}, false
}

func (t *RouteTable) Routes() []Route {
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

func matchPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// subjectFromPath returns the first path segment after prefix, the subject a
// self-or-admin route is about.
func subjectFromPath(prefix, path string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// BuildRoutes turns a validated configuration into a route table.
func BuildRoutes(cfg *config.Config) (*RouteTable, map[string]dispatch.Destination, error) {
	destinations, err := cfg.DestinationMap()
	if err != nil {
		return nil, nil, err
	}
	policies, err := cfg.Policies()
	if err != nil {
		return nil, nil, err
	}
	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		dest, ok := destinations[rc.Destination]
		if !ok {
			return nil, nil, fmt.Errorf("route %q: unknown destination %q", rc.Prefix, rc.Destination)
		}
		auth, ok := identity.ParseMode(rc.Auth)
		if !ok {
			return nil, nil, fmt.Errorf("route %q: unknown auth mode %q", rc.Prefix, rc.Auth)
		}
		mode, ok := authz.ParseMode(rc.Authz)
		if !ok {
			return nil, nil, fmt.Errorf("route %q: unknown authz mode %q", rc.Prefix, rc.Authz)
		}
		bound := make([]ratelimit.Policy, 0, len(rc.Policies))
		for _, name := range rc.Policies {
			p, ok := policies[name]
			if !ok {
				return nil, nil, fmt.Errorf("route %q: unknown rate limit policy %q", rc.Prefix, name)
			}
			bound = append(bound, p)
		}
		routes = append(routes, Route{
			Prefix:      strings.TrimSpace(rc.Prefix),
			Auth:        auth,
			Requirement: authz.Requirement{Roles: rc.Roles, Mode: mode},
			Target: dispatch.Target{
				Destination: dest,
				Policies:    bound,
				StripPrefix: rc.StripPrefix,
			},
		})
	}
	table, err := NewRouteTable(routes)
	if err != nil {
		return nil, nil, err
	}
	return table, destinations, nil
}
