package circuit

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryLazyCreationAndOverrides(t *testing.T) {
	r := NewRegistry(Config{}, WithOverride("billing", Config{FailureThreshold: 2}))
	if got := r.Get("tickets"); got != r.Get("tickets") {
		t.Fatal("registry must return the same breaker per service")
	}
	if got := r.Get("billing").Config().FailureThreshold; got != 2 {
		t.Fatalf("override not applied: %d", got)
	}
	if got := r.Get("billing").Config().OpenTimeout; got != 30*time.Second {
		t.Fatalf("override should inherit defaults, got %s", got)
	}
	if got := r.Get("tickets").Config().FailureThreshold; got != 5 {
		t.Fatalf("default threshold expected, got %d", got)
	}
}

func TestRegistryListenersSeeTransitions(t *testing.T) {
	c := newClock()
	var (
		mu  sync.Mutex
		got []Transition
	)
	var r *Registry
	r = NewRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Second},
		WithClock(c.Now),
		WithListener(func(tr Transition) {
			// The circuit lock is released by now, so reading state is safe.
			_ = r.Get(tr.Service).Snapshot()
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		}),
	)

	r.Allow("billing")
	r.RecordFailure("billing")
	if ok, wait := r.Allow("billing"); ok || wait != time.Second {
		t.Fatalf("expected open denial, got ok=%v wait=%s", ok, wait)
	}
	c.Advance(time.Second)
	if ok, _ := r.Allow("billing"); !ok {
		t.Fatal("expected half-open probe")
	}
	r.RecordSuccess("billing")
	r.RecordSuccess("billing")

	want := []State{Open, HalfOpen, Closed}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), got)
	}
	for i, s := range want {
		if got[i].To != s || got[i].Service != "billing" {
			t.Fatalf("transition %d: got %+v", i, got[i])
		}
	}
}

func TestRegistryResetAndSummary(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1})
	var resets int
	r.Subscribe(func(tr Transition) {
		if tr.Reason == ReasonManualReset {
			resets++
		}
	})
	if r.Reset("unknown") {
		t.Fatal("reset of unknown service should report false")
	}
	r.RecordFailure("billing")
	r.RecordFailure("crm")
	r.Get("tickets")

	sum := r.Summary()
	if sum[Open] != 2 || sum[Closed] != 1 || sum[HalfOpen] != 0 {
		t.Fatalf("unexpected summary %v", sum)
	}
	if !r.Reset("billing") {
		t.Fatal("reset of known service should report true")
	}
	if trs := r.ResetAll(); len(trs) != 1 || trs[0].Service != "crm" {
		t.Fatalf("expected only crm to transition, got %+v", trs)
	}
	if resets != 2 {
		t.Fatalf("expected 2 reset notifications, got %d", resets)
	}
	snaps := r.Snapshots()
	if len(snaps) != 3 || snaps[0].Service != "billing" || snaps[2].Service != "tickets" {
		t.Fatalf("snapshots not sorted: %+v", snaps)
	}
}
