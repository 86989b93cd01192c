package leader

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/reactivetask/internal/store/boltstore"
)

func TestElectorAcquiresWhenLeaseFree(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	e := New(bs, "meta", "leader_lease", "instance-a", 300*time.Millisecond, nil)

	var transitions []bool
	e.OnChange(func(isLeader bool) { transitions = append(transitions, isLeader) })

	e.Start(context.Background())
	defer e.Stop()

	waitFor(t, func() bool { return e.IsLeader() })
	if len(transitions) != 1 || !transitions[0] {
		t.Fatalf("expected a single true transition, got %v", transitions)
	}
}

func TestElectorSecondInstanceWaitsForLeaseExpiry(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	ttl := 150 * time.Millisecond
	a := New(bs, "meta", "leader_lease", "instance-a", ttl, nil)
	b := New(bs, "meta", "leader_lease", "instance-b", ttl, nil)

	a.Start(context.Background())
	waitFor(t, func() bool { return a.IsLeader() })

	b.Start(context.Background())
	defer b.Stop()
	time.Sleep(50 * time.Millisecond)
	if b.IsLeader() {
		t.Fatal("second instance should not acquire while the first's lease is live")
	}

	a.Stop() // releases the lease immediately
	waitFor(t, func() bool { return b.IsLeader() })
}

func TestForceLoseLeaderDemotesImmediately(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	e := New(bs, "meta", "leader_lease", "instance-a", time.Second, nil)
	e.Start(context.Background())
	defer e.Stop()
	waitFor(t, func() bool { return e.IsLeader() })

	e.ForceLoseLeader(context.Background())
	if e.IsLeader() {
		t.Fatal("expected ForceLoseLeader to demote immediately")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
