package reactivetask

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/internal/store/boltstore"
	"github.com/swarmguard/reactivetask/pkg/task"
)

// These scenario tests exercise the Scheduler end to end against the bolt
// backend's reconciliation-only ingestion path (spec.md §4.4's fallback for
// stores without change streams), each one pinned to a single numbered
// scenario from spec.md §8.

// S1: a trigger-signature change (a widened predicate) with
// ReconcileOnTriggerChange set must make the next reconciliation pass pick
// up documents the old predicate never matched, even across a fresh
// Scheduler instance sharing the same store.
func TestScenarioS1FilterWidenPicksUpPreviouslyUnmatchedDocs(t *testing.T) {
	dbPath := t.TempDir() + "/test.db"
	bs, err := boltstore.Open(dbPath)
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}

	if _, err := bs.Collection("widgets").FindOneAndUpdate(context.Background(),
		store.Doc{"_id": "doc-1"}, store.Doc{"$set": store.Doc{"status": "pending_review"}},
		store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	narrow := New(Config{Store: bs, VisibilityTimeout: 200 * time.Millisecond, Concurrency: 2, InstanceID: "instance-a"})
	def := task.Definition{
		Name: "ship", SourceCollection: "widgets", Predicate: map[string]any{"status": "ready"},
		ReconcileOnTriggerChange: true,
		Handler:                  func(tc *task.Context) error { return nil },
	}
	if err := narrow.Register(context.Background(), def); err != nil {
		t.Fatalf("register narrow: %v", err)
	}
	if err := narrow.Start(context.Background()); err != nil {
		t.Fatalf("start narrow: %v", err)
	}
	// Let one reconciliation pass run and persist its trigger signature
	// before tearing this instance down.
	time.Sleep(2500 * time.Millisecond)
	narrow.Stop()

	count, err := bs.Collection("widgets_tasks").CountDocuments(context.Background(), store.Doc{"task": "ship"})
	if err != nil {
		t.Fatalf("count after narrow pass: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the narrow predicate to plan nothing for doc-1, got %d records", count)
	}

	processed := make(chan string, 1)
	widened := New(Config{Store: bs, VisibilityTimeout: 200 * time.Millisecond, Concurrency: 2, InstanceID: "instance-b"})
	widenedDef := def
	widenedDef.Predicate = map[string]any{"status": store.Doc{"$in": []any{"ready", "pending_review"}}}
	widenedDef.Handler = func(tc *task.Context) error {
		processed <- tc.SourceDocID
		return nil
	}
	if err := widened.Register(context.Background(), widenedDef); err != nil {
		t.Fatalf("register widened: %v", err)
	}
	if err := widened.Start(context.Background()); err != nil {
		t.Fatalf("start widened: %v", err)
	}
	defer widened.Stop()

	select {
	case id := <-processed:
		if id != "doc-1" {
			t.Fatalf("expected doc-1 to be processed, got %q", id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("expected the widened predicate's reconciliation pass to pick up doc-1")
	}
}

// S2: a record mutated mid-flight (planner observes a data change while the
// handler is still running) is marked processing_dirty without disturbing
// the in-flight run, then runs exactly once more after that run finalizes.
func TestScenarioS2ProcessingDirtyRunsExactlyOnceMore(t *testing.T) {
	s, bs := newTestScheduler(t)

	started := make(chan string, 4)
	proceed := make(chan struct{})
	var runs int32

	def := noopDef("ship")
	def.Handler = func(tc *task.Context) error {
		n := atomic.AddInt32(&runs, 1)
		started <- tc.SourceDocID
		if n == 1 {
			<-proceed
		}
		return nil
	}
	if err := s.Register(context.Background(), def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if _, err := bs.Collection("widgets").FindOneAndUpdate(context.Background(),
		store.Doc{"_id": "doc-1"}, store.Doc{"$set": store.Doc{"status": "ready"}},
		store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	select {
	case id := <-started:
		if id != "doc-1" {
			t.Fatalf("expected doc-1, got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the first run to start")
	}

	recordID := task.RecordID("ship", "doc-1")
	if _, err := bs.UpsertPlannedRecords(context.Background(), "widgets_tasks", []store.PlannedRecord{
		{ID: recordID, Task: "ship", SourceDocID: "doc-1", DueAt: time.Now(), StillMatches: true,
			WatchedValues: store.Doc{"_id": "doc-1", "status": "ready", "marker": "changed-mid-flight"}},
	}); err != nil {
		t.Fatalf("simulate mid-flight plan: %v", err)
	}

	doc, err := bs.Collection("widgets_tasks").FindOne(context.Background(), store.Doc{"_id": recordID})
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if doc["status"] != "processing_dirty" {
		t.Fatalf("expected status processing_dirty while the handler is still running, got %v", doc["status"])
	}

	close(proceed)

	select {
	case id := <-started:
		if id != "doc-1" {
			t.Fatalf("expected the forced follow-up run for doc-1, got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected exactly one more run after the dirty transition")
	}

	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Fatalf("expected exactly 2 runs, got %d", got)
	}
}

// S4: a record that fell due again because its visibility timeout lapsed
// (a crashed worker's lock renewer stopped ticking) must be reclaimable by
// another findAndLockNextTask call, incrementing attempts, and that
// reclaimed state must be visible through the Scheduler's own query
// surface, not just the Repository directly.
func TestScenarioS4VisibilityTimeoutRecoveryReclaimsAndIncrementsAttempts(t *testing.T) {
	s, bs := newTestScheduler(t)
	def := noopDef("ship")
	if err := s.Register(context.Background(), def); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Deliberately do not Start s: this scenario drives findAndLockNextTask
	// directly so the real lock renewer can't mask the lapse we're forcing.
	repo := s.regs["ship"].repo

	recordID := task.RecordID("ship", "doc-1")
	past := time.Now().Add(-time.Minute)
	if _, err := bs.UpsertPlannedRecords(context.Background(), "widgets_tasks", []store.PlannedRecord{
		{ID: recordID, Task: "ship", SourceDocID: "doc-1", DueAt: past, StillMatches: true},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, err := repo.FindAndLockNextTask(context.Background(), []string{"ship"}, 5*time.Minute)
	if err != nil || rec == nil {
		t.Fatalf("initial lock: rec=%v err=%v", rec, err)
	}

	// The planner observes a data change mid-flight, forcing a follow-up
	// run via processing_dirty...
	if _, err := bs.UpsertPlannedRecords(context.Background(), "widgets_tasks", []store.PlannedRecord{
		{ID: recordID, Task: "ship", SourceDocID: "doc-1", DueAt: time.Now().Add(time.Hour), StillMatches: true,
			WatchedValues: store.Doc{"v": 2}},
	}); err != nil {
		t.Fatalf("simulate dirty transition: %v", err)
	}
	// ...and then the worker holding it crashes: its lock renewer stops, so
	// nextRunAt lapses into the past instead of being pushed forward.
	if _, err := bs.Collection("widgets_tasks").UpdateOne(context.Background(), store.Doc{"_id": recordID},
		store.Doc{"$set": store.Doc{"nextRunAt": time.Now().Add(-time.Minute)}}); err != nil {
		t.Fatalf("force nextRunAt into the past: %v", err)
	}

	reclaimed, err := repo.FindAndLockNextTask(context.Background(), []string{"ship"}, 5*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected the lapsed record to be reclaimable")
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("expected attempts to increment to 2 on reclaim, got %d", reclaimed.Attempts)
	}

	recs, err := s.GetReactiveTasks(context.Background(), QueryFilter{Task: "ship"}, Paging{Limit: 10})
	if err != nil {
		t.Fatalf("get reactive tasks: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != task.StatusProcessing {
		t.Fatalf("expected one processing record visible via GetReactiveTasks, got %+v", recs)
	}
}

// S5: a handler calling DeferCurrent reschedules the run without
// incrementing attempts or being treated as a failure, and the deferred
// record is picked up again later.
func TestScenarioS5DeferCurrentReschedulesWithoutPenalty(t *testing.T) {
	s, bs := newTestScheduler(t)

	type run struct {
		docID   string
		attempt int
	}
	runs := make(chan run, 4)
	var calls int32

	def := noopDef("ship")
	def.Handler = func(tc *task.Context) error {
		n := atomic.AddInt32(&calls, 1)
		runs <- run{tc.SourceDocID, tc.Attempt}
		if n == 1 {
			return tc.DeferCurrent(50)
		}
		return nil
	}
	if err := s.Register(context.Background(), def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if _, err := bs.Collection("widgets").FindOneAndUpdate(context.Background(),
		store.Doc{"_id": "doc-1"}, store.Doc{"$set": store.Doc{"status": "ready"}},
		store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	var first run
	select {
	case first = <-runs:
		if first.docID != "doc-1" || first.attempt != 1 {
			t.Fatalf("expected the first run at attempt 1 for doc-1, got %+v", first)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the first run to start")
	}

	var second run
	select {
	case second = <-runs:
		if second.docID != "doc-1" {
			t.Fatalf("expected the deferred run to also be for doc-1, got %+v", second)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the deferred run to happen after its delay")
	}
	if second.attempt != 1 {
		t.Fatalf("expected deferCurrent to leave attempts unpenalized (still 1), got %d", second.attempt)
	}
}

// S6: a handler calling ThrottleAll slows the worker pool's polling of that
// task's collection end to end, observable as a delay before the next due
// record is picked up.
func TestScenarioS6ThrottleAllDelaysSubsequentPolling(t *testing.T) {
	s, bs := newTestScheduler(t)

	processed := make(chan string, 4)
	var calls int32

	def := noopDef("ship")
	def.Handler = func(tc *task.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			// Engage the throttle before signaling completion, so the test
			// can never observe the "processed" signal ahead of the
			// throttle taking effect.
			tc.ThrottleAll(1500)
		}
		processed <- tc.SourceDocID
		return nil
	}
	if err := s.Register(context.Background(), def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if _, err := bs.UpsertPlannedRecords(context.Background(), "widgets_tasks", []store.PlannedRecord{
		{ID: task.RecordID("ship", "doc-1"), Task: "ship", SourceDocID: "doc-1", DueAt: time.Now().Add(-time.Minute), StillMatches: true},
	}); err != nil {
		t.Fatalf("seed first record: %v", err)
	}

	select {
	case id := <-processed:
		if id != "doc-1" {
			t.Fatalf("expected doc-1, got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the first run to start and engage throttleAll")
	}

	if _, err := bs.UpsertPlannedRecords(context.Background(), "widgets_tasks", []store.PlannedRecord{
		{ID: task.RecordID("ship", "doc-2"), Task: "ship", SourceDocID: "doc-2", DueAt: time.Now().Add(-time.Minute), StillMatches: true},
	}); err != nil {
		t.Fatalf("seed second record: %v", err)
	}

	select {
	case id := <-processed:
		t.Fatalf("expected polling to be throttled, but got an early run for %q", id)
	case <-time.After(700 * time.Millisecond):
		// Expected: still throttled this soon after ThrottleAll(1500ms).
	}

	select {
	case id := <-processed:
		if id != "doc-2" {
			t.Fatalf("expected doc-2 once the throttle window elapses, got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected doc-2 to eventually run once the throttle window elapses")
	}
}

// S7: once a completed record's source document is gone and
// cleanup.KeepForMs has elapsed, reconciliation deletes the orphaned
// record.
func TestScenarioS7OrphanDeletionAfterSourceDocRemoved(t *testing.T) {
	s, bs := newTestScheduler(t)

	processed := make(chan string, 1)
	def := noopDef("ship")
	def.Cleanup = task.CleanupPolicy{DeleteWhen: task.DeleteSourceDocumentDeleted, KeepForMs: 0}
	def.Handler = func(tc *task.Context) error {
		processed <- tc.SourceDocID
		return nil
	}
	if err := s.Register(context.Background(), def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if _, err := bs.Collection("widgets").FindOneAndUpdate(context.Background(),
		store.Doc{"_id": "doc-1"}, store.Doc{"$set": store.Doc{"status": "ready"}},
		store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	select {
	case id := <-processed:
		if id != "doc-1" {
			t.Fatalf("expected doc-1, got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the record to complete")
	}

	if _, err := bs.Collection("widgets").DeleteMany(context.Background(), store.Doc{"_id": "doc-1"}); err != nil {
		t.Fatalf("delete source doc: %v", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for {
		count, err := s.CountReactiveTasks(context.Background(), QueryFilter{Task: "ship"})
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the orphaned record to be deleted by reconciliation, still have %d", count)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
