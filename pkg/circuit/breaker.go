// Package circuit isolates failing destinations with a per-destination
// Closed/Open/HalfOpen state machine.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

var ErrInvalidConfig = errors.New("invalid circuit config")

type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout"`
	// MonitoringPeriod is reported with the circuit. It does not bound the
	// failure streak, which only a success resets.
	MonitoringPeriod time.Duration `yaml:"monitoring_period" json:"monitoring_period"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

// Merge fills the zero fields of c from base.
func (c Config) Merge(base Config) Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = base.SuccessThreshold
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = base.OpenTimeout
	}
	if c.MonitoringPeriod == 0 {
		c.MonitoringPeriod = base.MonitoringPeriod
	}
	return c
}

func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure_threshold must be positive", ErrInvalidConfig)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("%w: success_threshold must be positive", ErrInvalidConfig)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("%w: open_timeout must be positive", ErrInvalidConfig)
	}
	if c.MonitoringPeriod < 0 {
		return fmt.Errorf("%w: monitoring_period must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Transition describes one state change of a destination's circuit.
type Transition struct {
	Service string    `json:"service"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

const (
	ReasonFailureThreshold = "failure_threshold"
	ReasonOpenTimeout      = "open_timeout_elapsed"
	ReasonProbeFailed      = "half_open_failure"
	ReasonRecovered        = "success_threshold"
	ReasonManualReset      = "manual_reset"
)

type Snapshot struct {
	Service       string     `json:"service"`
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	TotalRequests int64      `json:"total_requests"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	ReopenAt      *time.Time `json:"next_retry_at,omitempty"`
	Config        Config     `json:"config"`
}

// Breaker is the circuit for one destination. All methods are safe for
// concurrent use and never block on I/O while holding the lock.
type Breaker struct {
	service string
	cfg     Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	total         int64
	lastFailureAt time.Time
	lastSuccessAt time.Time
	reopenAt      time.Time
}

func NewBreaker(service string, cfg Config) *Breaker {
	return &Breaker{service: service, cfg: cfg.Merge(DefaultConfig()), state: Closed}
}

func (b *Breaker) Service() string { return b.service }

func (b *Breaker) Config() Config { return b.cfg }

// Allow decides whether a request may go to the destination. An Open circuit
// whose timeout has elapsed moves to HalfOpen here and admits the request.
// When denied, wait is the time left until the circuit may be probed.
func (b *Breaker) Allow(now time.Time) (ok bool, wait time.Duration, tr *Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if now.Before(b.reopenAt) {
			return false, b.reopenAt.Sub(now), nil
		}
		tr = b.moveLocked(HalfOpen, now, ReasonOpenTimeout)
		b.successes = 0
		b.reopenAt = time.Time{}
	}
	b.total++
	return true, 0, tr
}

// RecordSuccess feeds a successful outcome back into the circuit.
func (b *Breaker) RecordSuccess(now time.Time) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSuccessAt = now
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			tr := b.moveLocked(Closed, now, ReasonRecovered)
			b.failures, b.successes, b.total = 0, 0, 0
			return tr
		}
	}
	return nil
}

// RecordFailure feeds a failed outcome back into the circuit.
func (b *Breaker) RecordFailure(now time.Time) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureAt = now
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			return b.openLocked(now, ReasonFailureThreshold)
		}
	case HalfOpen:
		b.failures++
		return b.openLocked(now, ReasonProbeFailed)
	}
	return nil
}

// Reset forces the circuit back to Closed with all counters zeroed.
// It returns nil when the circuit was already Closed.
func (b *Breaker) Reset(now time.Time) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	var tr *Transition
	if b.state != Closed {
		tr = b.moveLocked(Closed, now, ReasonManualReset)
	}
	b.failures, b.successes, b.total = 0, 0, 0
	b.lastFailureAt, b.lastSuccessAt, b.reopenAt = time.Time{}, time.Time{}, time.Time{}
	return tr
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Service:       b.service,
		State:         b.state,
		FailureCount:  b.failures,
		SuccessCount:  b.successes,
		TotalRequests: b.total,
		LastFailureAt: timePtr(b.lastFailureAt),
		LastSuccessAt: timePtr(b.lastSuccessAt),
		Config:        b.cfg,
	}
	if b.state == Open {
		s.ReopenAt = timePtr(b.reopenAt)
	}
	return s
}

func (b *Breaker) openLocked(now time.Time, reason string) *Transition {
	tr := b.moveLocked(Open, now, reason)
	b.successes = 0
	b.reopenAt = now.Add(b.cfg.OpenTimeout)
	return tr
}

func (b *Breaker) moveLocked(to State, now time.Time, reason string) *Transition {
	tr := &Transition{Service: b.service, From: b.state, To: to, At: now, Reason: reason}
	b.state = to
	return tr
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
