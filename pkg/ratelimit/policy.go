package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Partition selects which request attribute a policy counts against.
type Partition string

const (
	PartitionIP      Partition = "ip"
	PartitionSubject Partition = "subject"
)

const (
	PolicyGlobal        = "global"
	PolicyCredential    = "credential"
	PolicyAuthenticated = "authenticated"
	PolicyAdmin         = "admin"
)

var ErrInvalidPolicy = errors.New("invalid rate limit policy")

type Policy struct {
	Name      string        `yaml:"name" json:"name"`
	Window    time.Duration `yaml:"window" json:"window"`
	Max       int           `yaml:"max" json:"max"`
	Partition Partition     `yaml:"partition" json:"partition"`
	// SkipPaths are exact paths or, with a trailing "*", prefixes.
	SkipPaths []string `yaml:"skip_paths,omitempty" json:"skip_paths,omitempty"`
	// FailedOnly policies give the unit back when the request succeeds.
	FailedOnly bool `yaml:"failed_only,omitempty" json:"failed_only,omitempty"`
}

func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyGlobal: {
			Name:      PolicyGlobal,
			Window:    15 * time.Minute,
			Max:       100,
			Partition: PartitionIP,
			SkipPaths: []string{"/health", "/health/*", "/healthz", "/readyz"},
		},
		PolicyCredential: {
			Name:       PolicyCredential,
			Window:     15 * time.Minute,
			Max:        5,
			Partition:  PartitionIP,
			FailedOnly: true,
		},
		PolicyAuthenticated: {
			Name:      PolicyAuthenticated,
			Window:    15 * time.Minute,
			Max:       1000,
			Partition: PartitionSubject,
		},
		PolicyAdmin: {
			Name:      PolicyAdmin,
			Window:    time.Minute,
			Max:       20,
			Partition: PartitionSubject,
		},
	}
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidPolicy)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidPolicy, p.Name)
	}
	if p.Max <= 0 {
		return fmt.Errorf("%w: %s: max must be positive", ErrInvalidPolicy, p.Name)
	}
	switch p.Partition {
	case PartitionIP, PartitionSubject:
	default:
		return fmt.Errorf("%w: %s: unknown partition %q", ErrInvalidPolicy, p.Name, p.Partition)
	}
	return nil
}

// Skips reports whether path is exempt from this policy.
func (p Policy) Skips(path string) bool {
	for _, skip := range p.SkipPaths {
		if strings.HasSuffix(skip, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(skip, "*")) {
				return true
			}
			continue
		}
		if path == skip {
			return true
		}
	}
	return false
}

// Key builds the counter key. Subject policies fall back to the client IP
// for anonymous requests so they are still bounded.
func (p Policy) Key(ip, subject string) string {
	if p.Partition == PartitionSubject && subject != "" {
		return p.Name + ":sub:" + subject
	}
	if ip == "" {
		ip = "unknown"
	}
	return p.Name + ":ip:" + ip
}
