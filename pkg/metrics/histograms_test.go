package metrics

import (
	"testing"
	"time"
)

func TestLatencyRegistryCountsAndFailures(t *testing.T) {
	reg := NewLatencyRegistry()
	reg.Observe("tickets", 10*time.Millisecond, false)
	reg.Observe("tickets", 200*time.Millisecond, false)
	reg.Observe("billing", 50*time.Millisecond, true)
	reg.Observe("billing", 45*time.Second, true)

	snaps := reg.Snapshots()
	if len(snaps) != 2 || snaps[0].Destination != "billing" || snaps[1].Destination != "tickets" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	billing := snaps[0]
	if billing.Count != 2 || billing.Failures != 2 || billing.Sum < 45 {
		t.Fatalf("unexpected billing snapshot %+v", billing)
	}
	// The 45s forward falls above every bound.
	if last := billing.Buckets[len(billing.Buckets)-1]; last.Le != 30 || last.Count != 1 {
		t.Fatalf("unexpected last bucket %+v", last)
	}
	if snaps[1].Failures != 0 {
		t.Fatalf("tickets should have no failures, got %d", snaps[1].Failures)
	}
}

func TestLatencyBucketsAreCumulative(t *testing.T) {
	reg := NewLatencyRegistry()
	reg.Observe("users", 3*time.Millisecond, false)
	reg.Observe("users", 300*time.Millisecond, false)
	snap := reg.Snapshots()[0]
	for i := 1; i < len(snap.Buckets); i++ {
		if snap.Buckets[i].Count < snap.Buckets[i-1].Count {
			t.Fatalf("bucket %v below previous %v", snap.Buckets[i], snap.Buckets[i-1])
		}
	}
	if snap.Buckets[0].Count != 1 || snap.Buckets[len(snap.Buckets)-1].Count != 2 {
		t.Fatalf("unexpected buckets %+v", snap.Buckets)
	}
}

func TestLatencyQuantiles(t *testing.T) {
	tests := []struct {
		name    string
		fast    int
		slow    int
		wantP50 float64
		wantP99 float64
	}{
		{name: "all fast", fast: 100, wantP50: 0.005, wantP99: 0.005},
		{name: "slow tail", fast: 90, slow: 10, wantP50: 0.005, wantP99: 2.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewLatencyRegistry()
			for i := 0; i < tc.fast; i++ {
				reg.Observe("crm", 5*time.Millisecond, false)
			}
			for i := 0; i < tc.slow; i++ {
				reg.Observe("crm", 2*time.Second, false)
			}
			snap := reg.Snapshots()[0]
			if snap.P50 != tc.wantP50 || snap.P99 != tc.wantP99 {
				t.Fatalf("p50=%v p99=%v, want %v %v", snap.P50, snap.P99, tc.wantP50, tc.wantP99)
			}
		})
	}
}

func TestQuantileEmpty(t *testing.T) {
	if q := quantile(nil, 0, 0.5); q != 0 {
		t.Fatalf("empty quantile = %v", q)
	}
}
