// Package admission decides whether a request may proceed to its destination
// and collects the outcome of admitted requests.
package admission

import (
	"context"
	"sync/atomic"
	"time"

	"psagate/pkg/circuit"
	"psagate/pkg/ratelimit"

	"go.uber.org/zap"
)

type Reason string

const (
	Admitted    Reason = ""
	RateLimited Reason = "rate_limited"
	CircuitOpen Reason = "circuit_open"
)

type Request struct {
	Destination string
	Path        string
	ClientIP    string
	SubjectID   string
	Policies    []ratelimit.Policy
}

// Decision is the admission verdict. RateLimit holds the counter state of the
// most restrictive policy evaluated and is nil when no policy applied.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Policy     string
	RetryAfter time.Duration
	RateLimit  *ratelimit.Decision
	Window     time.Duration
	Degraded   bool
}

// Observer receives admission events, typically the metrics registry.
type Observer interface {
	IncDenial(reason, scope string)
	ObserveRateLimitStore(degraded bool)
}

type Controller struct {
	limiter  ratelimit.Limiter
	circuits *circuit.Registry
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Controller)

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func NewController(limiter ratelimit.Limiter, circuits *circuit.Registry, opts ...Option) *Controller {
	c := &Controller{
		limiter:  limiter,
		circuits: circuits,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Circuits() *circuit.Registry { return c.circuits }

// Admit runs the request's rate-limit policies in order, then the circuit
// check for its destination. The returned Ticket is nil unless the request
// was admitted toward a destination.
func (c *Controller) Admit(ctx context.Context, req Request) (*Ticket, Decision) {
	dec := Decision{Allowed: true}
	var refunds []string
	for _, p := range req.Policies {
		if p.Skips(req.Path) {
			continue
		}
		key := p.Key(req.ClientIP, req.SubjectID)
		rl := c.limiter.Allow(ctx, key, p.Max, p.Window)
		if rl.Degraded {
			dec.Degraded = true
		}
		if c.observer != nil {
			c.observer.ObserveRateLimitStore(rl.Degraded)
		}
		if dec.RateLimit == nil || rl.Remaining < dec.RateLimit.Remaining {
			snapshot := rl
			dec.RateLimit = &snapshot
			dec.Policy = p.Name
			dec.Window = p.Window
		}
		if !rl.Allowed {
			dec.Allowed = false
			dec.Reason = RateLimited
			dec.Policy = p.Name
			dec.Window = p.Window
			snapshot := rl
			dec.RateLimit = &snapshot
			dec.RetryAfter = rl.RetryAfter(c.now(), p.Window)
			c.refund(ctx, refunds)
			c.deny(dec, p.Name)
			return nil, dec
		}
		if p.FailedOnly {
			refunds = append(refunds, key)
		}
	}
	if req.Destination == "" || c.circuits == nil {
		return &Ticket{controller: c, refunds: refunds}, dec
	}
	ok, wait := c.circuits.Allow(req.Destination)
	if !ok {
		// Not a failed attempt from the caller's side.
		c.refund(ctx, refunds)
		dec.Allowed = false
		dec.Reason = CircuitOpen
		dec.RetryAfter = wait
		c.deny(dec, req.Destination)
		return nil, dec
	}
	return &Ticket{controller: c, destination: req.Destination, refunds: refunds}, dec
}

func (c *Controller) deny(dec Decision, scope string) {
	if c.observer != nil {
		c.observer.IncDenial(string(dec.Reason), scope)
	}
	c.logger.Debug("admission denied",
		zap.String("reason", string(dec.Reason)),
		zap.String("scope", scope),
		zap.Duration("retry_after", dec.RetryAfter),
	)
}

func (c *Controller) refund(ctx context.Context, keys []string) {
	for _, k := range keys {
		c.limiter.Refund(ctx, k)
	}
}

// Outcome is what happened to an admitted request.
type Outcome struct {
	StatusCode int
	// Err is set when no response was received (transport error or timeout).
	Err error
	// Aborted means the caller went away first; it is never a destination failure.
	Aborted bool
}

// Failed classifies the outcome for the circuit: 5xx, transport errors and
// timeouts are failures.
func (o Outcome) Failed() bool {
	if o.Aborted {
		return false
	}
	return o.Err != nil || o.StatusCode >= 500
}

// Succeeded reports a completed request the caller would consider successful.
func (o Outcome) Succeeded() bool {
	return !o.Aborted && o.Err == nil && o.StatusCode > 0 && o.StatusCode < 400
}

// Ticket carries one admitted request's obligations back to the controller.
type Ticket struct {
	controller  *Controller
	destination string
	refunds     []string
	recorded    atomic.Bool
}

func (t *Ticket) Destination() string { return t.destination }

// Record reports the outcome. Only the first call has an effect; it returns
// false for any later call.
func (t *Ticket) Record(ctx context.Context, o Outcome) bool {
	if t == nil || !t.recorded.CompareAndSwap(false, true) {
		return false
	}
	c := t.controller
	if o.Succeeded() {
		c.refund(ctx, t.refunds)
	}
	if t.destination == "" || c.circuits == nil || o.Aborted {
		return true
	}
	if o.Failed() {
		c.circuits.RecordFailure(t.destination)
	} else {
		c.circuits.RecordSuccess(t.destination)
	}
	return true
}
