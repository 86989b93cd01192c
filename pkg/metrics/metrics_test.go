package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/swarmguard/reactivetask/internal/otelinit"
	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/internal/store/boltstore"
)

func newTestCollector(t *testing.T, enabled bool, isLeader func() bool) (*Collector, *boltstore.Store) {
	t.Helper()
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	return New(bs, "meta", "instance-a", enabled, isLeader, otelinit.Instruments{}, nil), bs
}

func TestDisabledCollectorRecordsNothing(t *testing.T) {
	c, _ := newTestCollector(t, false, nil)
	c.RecordExecution(context.Background(), "ship", true, 10)
	if got, _ := c.Scrape(context.Background(), ScrapeLocal); got != nil {
		t.Fatalf("expected nil scrape when disabled, got %v", got)
	}
}

func TestRecordExecutionAccumulatesCounters(t *testing.T) {
	c, _ := newTestCollector(t, true, nil)
	c.RecordExecution(context.Background(), "ship", true, 100)
	c.RecordExecution(context.Background(), "ship", false, 300)
	c.RecordRetry(context.Background(), "ship")

	snap, err := c.Scrape(context.Background(), ScrapeLocal)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	tc := snap["ship"]
	if tc.SuccessCount != 1 || tc.FailedCount != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %+v", tc)
	}
	if tc.RetryCount != 1 {
		t.Fatalf("expected 1 retry, got %d", tc.RetryCount)
	}
	if avg := tc.avgDurationMs(); avg != 200 {
		t.Fatalf("expected avg duration 200, got %f", avg)
	}
}

func TestSetGlobalStatsOnlyAppliesWhenLeader(t *testing.T) {
	isLeader := false
	c, _ := newTestCollector(t, true, func() bool { return isLeader })

	c.SetGlobalStats("ship", 7, 1500)
	snap, _ := c.Scrape(context.Background(), ScrapeLocal)
	if snap["ship"].QueueDepth != 0 {
		t.Fatalf("expected queue depth to stay 0 while not leader, got %d", snap["ship"].QueueDepth)
	}

	isLeader = true
	c.SetGlobalStats("ship", 7, 1500)
	snap, _ = c.Scrape(context.Background(), ScrapeLocal)
	if snap["ship"].QueueDepth != 7 {
		t.Fatalf("expected queue depth 7 once leader, got %d", snap["ship"].QueueDepth)
	}
}

func TestFlushAndClusterScrapeAggregatesAcrossInstances(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	a := New(bs, "meta", "instance-a", true, nil, otelinit.Instruments{}, nil)
	b := New(bs, "meta", "instance-b", true, nil, otelinit.Instruments{}, nil)

	a.RecordExecution(context.Background(), "ship", true, 100)
	b.RecordExecution(context.Background(), "ship", true, 300)

	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush a: %v", err)
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush b: %v", err)
	}

	merged, err := a.Scrape(context.Background(), ScrapeCluster)
	if err != nil {
		t.Fatalf("cluster scrape: %v", err)
	}
	if merged["ship"].SuccessCount != 2 {
		t.Fatalf("expected success counts summed across instances, got %d", merged["ship"].SuccessCount)
	}
}

func TestPruneStaleDeletesOldEntriesWhenLeader(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	c := New(bs, "meta", "instance-a", true, func() bool { return true }, otelinit.Instruments{}, nil)

	stale := time.Now().Add(-time.Hour)
	if _, err := bs.Collection("meta").FindOneAndUpdate(context.Background(),
		store.Doc{"_id": "metrics::instance-dead"},
		store.Doc{"$set": store.Doc{"instanceId": "instance-dead", "lastSeen": stale, "tasks": store.Doc{}}},
		store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		t.Fatalf("seed stale entry: %v", err)
	}

	if err := c.PruneStale(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	doc, err := bs.Collection("meta").FindOne(context.Background(), store.Doc{"_id": "metrics::instance-dead"})
	if err != nil && err != store.ErrNoDocuments {
		t.Fatalf("find: %v", err)
	}
	if doc != nil {
		t.Fatal("expected the stale registry entry to be pruned")
	}
}

func TestRenderPrometheusIncludesExpectedMetricFamilies(t *testing.T) {
	text := RenderPrometheus(map[string]TaskCounters{
		"ship": {SuccessCount: 3, FailedCount: 1, DurationSumMs: 400, DurationCount: 4, RetryCount: 2, QueueDepth: 5, GlobalLagMs: 12.5},
	})
	for _, want := range []string{
		"reactivetask_executions_total{task=\"ship\",status=\"success\"} 3",
		"reactivetask_executions_total{task=\"ship\",status=\"failed\"} 1",
		"reactivetask_retries_total{task=\"ship\"} 2",
		"reactivetask_queue_depth{task=\"ship\"} 5",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected rendered output to contain %q, got:\n%s", want, text)
		}
	}
}
