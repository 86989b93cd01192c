package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/internal/store/boltstore"
	"github.com/swarmguard/reactivetask/pkg/retry"
	"github.com/swarmguard/reactivetask/pkg/task"
)

func newTestRepo(t *testing.T) (*Repository, *boltstore.Store) {
	t.Helper()
	dbPath := t.TempDir() + "/test.db"
	bs, err := boltstore.Open(dbPath)
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	repo, err := New(context.Background(), bs, "widgets", "widgets_tasks", task.CleanupPolicy{})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo, bs
}

func TestFindAndLockNextTaskClaimsEarliestDue(t *testing.T) {
	repo, bs := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := bs.UpsertPlannedRecords(ctx, "widgets_tasks", []plannedRecordFor("sync", "doc-1", past))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, err := repo.FindAndLockNextTask(ctx, []string{"sync"}, 5*time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record to be claimed")
	}
	if rec.Status != task.StatusProcessing {
		t.Fatalf("expected processing, got %s", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", rec.Attempts)
	}

	again, err := repo.FindAndLockNextTask(ctx, []string{"sync"}, 5*time.Minute)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if again != nil {
		t.Fatal("expected no further claimable record while locked")
	}
}

func TestFinalizeTaskSuccessClearsNextRunAt(t *testing.T) {
	repo, bs := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, _ = bs.UpsertPlannedRecords(ctx, "widgets_tasks", []plannedRecordFor("sync", "doc-2", past))
	rec, _ := repo.FindAndLockNextTask(ctx, []string{"sync"}, 5*time.Minute)

	strategy, err := retry.New(task.RetryPolicy{Kind: task.RetryFixed, Interval: time.Second, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("retry strategy: %v", err)
	}
	if err := repo.FinalizeTask(ctx, *rec, strategy, nil, 0, 5, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	doc, err := bs.Collection("widgets_tasks").FindOne(ctx, store.Doc{"_id": rec.ID})
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if doc["nextRunAt"] != nil {
		t.Fatalf("expected nextRunAt cleared after a successful run, got %v", doc["nextRunAt"])
	}
}

func TestFinalizeTaskFailureReschedulesUntilBudgetExhausted(t *testing.T) {
	repo, bs := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, _ = bs.UpsertPlannedRecords(ctx, "widgets_tasks", []plannedRecordFor("sync", "doc-3", past))
	rec, _ := repo.FindAndLockNextTask(ctx, []string{"sync"}, 5*time.Minute)

	strategy, _ := retry.New(task.RetryPolicy{Kind: task.RetryFixed, Interval: time.Millisecond, MaxAttempts: 2})
	if err := repo.FinalizeTask(ctx, *rec, strategy, errors.New("boom"), 0, 5, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	doc, err := bs.Collection("widgets_tasks").FindOne(ctx, store.Doc{"_id": rec.ID})
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if doc["status"] != "pending" {
		t.Fatalf("expected a retry to be scheduled after the first failure, got %v", doc["status"])
	}

	time.Sleep(10 * time.Millisecond)
	rec, _ = repo.FindAndLockNextTask(ctx, []string{"sync"}, 5*time.Minute)
	if rec == nil {
		t.Fatal("expected the rescheduled record to be claimable again")
	}
	if err := repo.FinalizeTask(ctx, *rec, strategy, errors.New("boom"), 0, 5, nil); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	doc, err = bs.Collection("widgets_tasks").FindOne(ctx, store.Doc{"_id": rec.ID})
	if err != nil {
		t.Fatalf("second reread: %v", err)
	}
	if doc["status"] != "failed" {
		t.Fatalf("expected failed once the retry budget is exhausted, got %v", doc["status"])
	}
}

// TestFindAndLockNextTaskReclaimsProcessingDirty guards against the record
// getting stuck forever when a worker crashes between the planner marking it
// processing_dirty mid-flight and that worker calling finalizeTask: another
// instance's findAndLockNextTask must still be able to claim it.
func TestFindAndLockNextTaskReclaimsProcessingDirty(t *testing.T) {
	repo, bs := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, _ = bs.UpsertPlannedRecords(ctx, "widgets_tasks", []plannedRecordFor("sync", "doc-dirty", past))
	rec, err := repo.FindAndLockNextTask(ctx, []string{"sync"}, 5*time.Minute)
	if err != nil || rec == nil {
		t.Fatalf("initial lock: rec=%v err=%v", rec, err)
	}

	// Simulate the planner observing a mid-flight change: the record goes
	// processing -> processing_dirty without its nextRunAt advancing, and
	// the worker holding it never finalizes (a crash).
	_, err = bs.UpsertPlannedRecords(ctx, "widgets_tasks", []store.PlannedRecord{
		{ID: rec.ID, Task: "sync", SourceDocID: "doc-dirty", DueAt: time.Now().Add(time.Hour), StillMatches: true,
			WatchedValues: store.Doc{"v": 2}},
	})
	if err != nil {
		t.Fatalf("plan dirty transition: %v", err)
	}

	stuck, err := bs.Collection("widgets_tasks").FindOne(ctx, store.Doc{"_id": rec.ID})
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if stuck["status"] != "processing_dirty" {
		t.Fatalf("expected status processing_dirty after the mid-flight change, got %v", stuck["status"])
	}

	// Force nextRunAt into the past, as if the crashed worker's lock
	// renewer had stopped ticking long enough ago.
	if _, err := bs.Collection("widgets_tasks").UpdateOne(ctx, store.Doc{"_id": rec.ID},
		store.Doc{"$set": store.Doc{"nextRunAt": time.Now().Add(-time.Minute)}}); err != nil {
		t.Fatalf("force nextRunAt into the past: %v", err)
	}

	reclaimed, err := repo.FindAndLockNextTask(ctx, []string{"sync"}, 5*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected the processing_dirty record to be reclaimable by another instance")
	}
	if reclaimed.Status != task.StatusProcessing {
		t.Fatalf("expected reclaimed record to be processing, got %s", reclaimed.Status)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("expected attempts to increment on reclaim, got %d", reclaimed.Attempts)
	}
}

func plannedRecordFor(taskName, sourceDocID string, due time.Time) store.PlannedRecord {
	return store.PlannedRecord{
		ID: taskName + "::" + sourceDocID, Task: taskName, SourceDocID: sourceDocID,
		DueAt: due, StillMatches: true,
	}
}
