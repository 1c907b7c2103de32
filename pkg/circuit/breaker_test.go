package circuit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)} }

func TestBreakerLifecycle(t *testing.T) {
	c := newClock()
	b := NewBreaker("billing", Config{})

	for i := 0; i < 4; i++ {
		if ok, _, _ := b.Allow(c.Now()); !ok {
			t.Fatalf("closed circuit denied request %d", i)
		}
		if tr := b.RecordFailure(c.Now()); tr != nil {
			t.Fatalf("opened early after %d failures", i+1)
		}
	}
	tr := b.RecordFailure(c.Now())
	if tr == nil || tr.From != Closed || tr.To != Open || tr.Reason != ReasonFailureThreshold {
		t.Fatalf("expected Closed->Open, got %+v", tr)
	}

	ok, wait, _ := b.Allow(c.Now())
	if ok {
		t.Fatal("open circuit admitted a request")
	}
	if wait != 30*time.Second {
		t.Fatalf("expected 30s wait, got %s", wait)
	}
	c.Advance(29 * time.Second)
	if ok, wait, _ := b.Allow(c.Now()); ok || wait != time.Second {
		t.Fatalf("expected denial with 1s left, got ok=%v wait=%s", ok, wait)
	}

	c.Advance(time.Second)
	ok, _, tr = b.Allow(c.Now())
	if !ok || tr == nil || tr.To != HalfOpen {
		t.Fatalf("expected half-open admission, got ok=%v tr=%+v", ok, tr)
	}

	if tr := b.RecordFailure(c.Now()); tr == nil || tr.To != Open || tr.Reason != ReasonProbeFailed {
		t.Fatalf("half-open failure should reopen, got %+v", tr)
	}
	snap := b.Snapshot()
	if snap.ReopenAt == nil || !snap.ReopenAt.Equal(c.Now().Add(30*time.Second)) {
		t.Fatalf("expected new reopen time, got %+v", snap.ReopenAt)
	}

	c.Advance(30 * time.Second)
	if ok, _, _ := b.Allow(c.Now()); !ok {
		t.Fatal("expected probe after second timeout")
	}
	if tr := b.RecordSuccess(c.Now()); tr != nil {
		t.Fatalf("closed after one success: %+v", tr)
	}
	if ok, _, _ := b.Allow(c.Now()); !ok {
		t.Fatal("half-open should keep admitting")
	}
	tr = b.RecordSuccess(c.Now())
	if tr == nil || tr.To != Closed || tr.Reason != ReasonRecovered {
		t.Fatalf("expected recovery, got %+v", tr)
	}
	snap = b.Snapshot()
	if snap.State != Closed || snap.FailureCount != 0 || snap.SuccessCount != 0 || snap.TotalRequests != 0 {
		t.Fatalf("counters not zeroed: %+v", snap)
	}
	if snap.ReopenAt != nil {
		t.Fatal("closed circuit should not report a retry time")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	c := newClock()
	b := NewBreaker("crm", Config{FailureThreshold: 3})
	b.RecordFailure(c.Now())
	b.RecordFailure(c.Now())
	b.RecordSuccess(c.Now())
	b.RecordFailure(c.Now())
	b.RecordFailure(c.Now())
	if s := b.Snapshot(); s.State != Closed || s.FailureCount != 2 {
		t.Fatalf("unexpected state %+v", s)
	}
	if tr := b.RecordFailure(c.Now()); tr == nil || tr.To != Open {
		t.Fatalf("third consecutive failure should open, got %+v", tr)
	}
}

func TestBreakerSpacedFailuresStillOpen(t *testing.T) {
	c := newClock()
	b := NewBreaker("crm", Config{FailureThreshold: 5, MonitoringPeriod: time.Minute})
	for i := 0; i < 4; i++ {
		if tr := b.RecordFailure(c.Now()); tr != nil {
			t.Fatalf("failure %d should not open: %+v", i+1, tr)
		}
		c.Advance(2 * time.Minute)
	}
	if tr := b.RecordFailure(c.Now()); tr == nil || tr.To != Open {
		t.Fatalf("fifth consecutive failure should open regardless of spacing, got %+v", tr)
	}
	if got := b.Snapshot().Config.MonitoringPeriod; got != time.Minute {
		t.Fatalf("monitoring period not reported: %v", got)
	}
}

func TestBreakerResetAndSnapshot(t *testing.T) {
	c := newClock()
	b := NewBreaker("billing", Config{FailureThreshold: 1})
	if tr := b.Reset(c.Now()); tr != nil {
		t.Fatalf("reset of closed circuit should not transition: %+v", tr)
	}
	b.Allow(c.Now())
	b.RecordFailure(c.Now())
	s := b.Snapshot()
	if s.State != Open || s.LastFailureAt == nil || s.TotalRequests != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	tr := b.Reset(c.Now())
	if tr == nil || tr.To != Closed || tr.Reason != ReasonManualReset {
		t.Fatalf("expected manual reset transition, got %+v", tr)
	}
	if s := b.Snapshot(); s.State != Closed || s.LastFailureAt != nil || s.FailureCount != 0 {
		t.Fatalf("reset did not clear state: %+v", s)
	}
}

func TestConfigMergeAndValidate(t *testing.T) {
	got := Config{OpenTimeout: time.Minute}.Merge(DefaultConfig())
	if got.FailureThreshold != 5 || got.SuccessThreshold != 2 || got.OpenTimeout != time.Minute {
		t.Fatalf("unexpected merge %+v", got)
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []Config{
		{SuccessThreshold: 1, OpenTimeout: time.Second},
		{FailureThreshold: 1, OpenTimeout: time.Second},
		{FailureThreshold: 1, SuccessThreshold: 1},
		{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second, MonitoringPeriod: -1},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestBreakerConcurrentRecords(t *testing.T) {
	b := NewBreaker("tickets", Config{FailureThreshold: 1000})
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Allow(now)
				b.RecordFailure(now)
			}
		}()
	}
	wg.Wait()
	s := b.Snapshot()
	if s.TotalRequests != 500 || s.FailureCount != 500 {
		t.Fatalf("lost updates: %+v", s)
	}
}
