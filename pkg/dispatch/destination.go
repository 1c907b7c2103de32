package dispatch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"psagate/pkg/circuit"
	"psagate/pkg/ratelimit"
)

var ErrInvalidDestination = errors.New("invalid destination")

// Destination is a downstream service the gateway forwards to. It is
// immutable once loaded.
type Destination struct {
	Name           string
	BaseURL        *url.URL
	HealthPath     string
	RequestTimeout time.Duration
	// RetryBudget is reported to operators only; the gateway never retries.
	RetryBudget int
	Circuit     *circuit.Config
}

// NewDestination parses baseURL and applies the default timeout.
func NewDestination(name, baseURL string, timeout time.Duration) (Destination, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Destination{}, fmt.Errorf("%w: name required", ErrInvalidDestination)
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %s: %v", ErrInvalidDestination, name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Destination{}, fmt.Errorf("%w: %s: base url must be absolute http(s)", ErrInvalidDestination, name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Destination{Name: name, BaseURL: u, RequestTimeout: timeout}, nil
}

const DefaultTimeout = 30 * time.Second

// Target binds a destination to the per-route admission settings.
type Target struct {
	Destination Destination
	Policies    []ratelimit.Policy
	// StripPrefix is removed from the inbound path before forwarding.
	StripPrefix string
}

func (t Target) upstreamURL(path, rawQuery string) *url.URL {
	if t.StripPrefix != "" && strings.HasPrefix(path, t.StripPrefix) {
		path = strings.TrimPrefix(path, t.StripPrefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	base := t.Destination.BaseURL
	u := *base
	u.Path = singleJoin(base.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return &u
}

func singleJoin(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}
