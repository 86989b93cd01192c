package worker

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/internal/store/boltstore"
	"github.com/swarmguard/reactivetask/pkg/filter"
	"github.com/swarmguard/reactivetask/pkg/repository"
	"github.com/swarmguard/reactivetask/pkg/retry"
	"github.com/swarmguard/reactivetask/pkg/task"
)

func newTestRepo(t *testing.T) (*repository.Repository, *boltstore.Store) {
	t.Helper()
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	repo, err := repository.New(context.Background(), bs, "widgets", "widgets_tasks", task.CleanupPolicy{})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo, bs
}

func lockedRecord(t *testing.T, repo *repository.Repository, bs *boltstore.Store, sourceDocID string) task.Record {
	t.Helper()
	ctx := context.Background()
	_, err := bs.UpsertPlannedRecords(ctx, "widgets_tasks", []store.PlannedRecord{
		{ID: "sync::" + sourceDocID, Task: "sync", SourceDocID: sourceDocID, DueAt: time.Now().Add(-time.Second), StillMatches: true},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, err := repo.FindAndLockNextTask(ctx, []string{"sync"}, time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a claimable record")
	}
	return *rec
}

func TestWorkerRunCompletesOnSuccess(t *testing.T) {
	repo, bs := newTestRepo(t)
	strategy, err := retry.New(task.RetryPolicy{Kind: task.RetryFixed, Interval: time.Millisecond, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("retry strategy: %v", err)
	}
	def := task.Definition{Name: "sync", SourceCollection: "widgets", TasksCollection: "widgets_tasks", ExecutionHistoryLimit: 5,
		Handler: func(tc *task.Context) error { return nil }}
	fetch := func(ctx context.Context, sourceCollection, sourceDocID string, predicate *filter.Compiled, projection *filter.Projection, watched task.Document) (task.Document, error) {
		return task.Document{"_id": sourceDocID}, nil
	}
	var gotSuccess bool
	var gotDuration int64
	w := New(repo, strategy, def, "widgets", fetch, nil, time.Minute, func(int64) {}, task.Sinks{}, nil,
		func(success bool, durationMs int64) { gotSuccess = success; gotDuration = durationMs })

	rec := lockedRecord(t, repo, bs, "doc-1")
	w.Run(context.Background(), rec)

	if !gotSuccess {
		t.Fatal("expected onComplete to report success")
	}
	if gotDuration < 0 {
		t.Fatalf("expected non-negative duration, got %d", gotDuration)
	}

	again, err := repo.FindAndLockNextTask(context.Background(), []string{"sync"}, time.Minute)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	if again != nil {
		t.Fatal("expected no further claimable record immediately after a successful run with no debounce")
	}
}

func TestWorkerRunTreatsConditionFailedAsSkip(t *testing.T) {
	repo, bs := newTestRepo(t)
	strategy, err := retry.New(task.RetryPolicy{Kind: task.RetryFixed, Interval: time.Millisecond, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("retry strategy: %v", err)
	}
	def := task.Definition{Name: "sync", SourceCollection: "widgets", TasksCollection: "widgets_tasks", ExecutionHistoryLimit: 5,
		Handler: func(tc *task.Context) error {
			_, err := tc.GetDocument()
			return err
		}}
	fetch := func(ctx context.Context, sourceCollection, sourceDocID string, predicate *filter.Compiled, projection *filter.Projection, watched task.Document) (task.Document, error) {
		return nil, task.ErrTaskConditionFailed
	}
	var observedErr error
	var gotSuccess bool
	w := New(repo, strategy, def, "widgets", fetch, nil, time.Minute, func(int64) {},
		task.Sinks{OnError: func(err error) { observedErr = err }}, nil,
		func(success bool, durationMs int64) { gotSuccess = success })

	rec := lockedRecord(t, repo, bs, "doc-2")
	w.Run(context.Background(), rec)

	if observedErr != nil {
		t.Fatalf("condition-failed should not reach the error sink, got %v", observedErr)
	}
	if !gotSuccess {
		t.Fatal("a condition-failed skip should be reported as a non-failure to metrics")
	}
}

func TestWorkerRunRetriesOnHandlerError(t *testing.T) {
	repo, bs := newTestRepo(t)
	strategy, err := retry.New(task.RetryPolicy{Kind: task.RetryFixed, Interval: time.Millisecond, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("retry strategy: %v", err)
	}
	def := task.Definition{Name: "sync", SourceCollection: "widgets", TasksCollection: "widgets_tasks", ExecutionHistoryLimit: 5,
		Handler: func(tc *task.Context) error { return errSentinel }}
	fetch := func(ctx context.Context, sourceCollection, sourceDocID string, predicate *filter.Compiled, projection *filter.Projection, watched task.Document) (task.Document, error) {
		return task.Document{"_id": sourceDocID}, nil
	}
	var gotSuccess = true
	w := New(repo, strategy, def, "widgets", fetch, nil, time.Minute, func(int64) {}, task.Sinks{}, nil,
		func(success bool, durationMs int64) { gotSuccess = success })

	rec := lockedRecord(t, repo, bs, "doc-3")
	w.Run(context.Background(), rec)

	if gotSuccess {
		t.Fatal("expected onComplete to report failure after a handler error")
	}
	doc, err := bs.Collection("widgets_tasks").FindOne(context.Background(), store.Doc{"_id": rec.ID})
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if doc["status"] != string(task.StatusPending) {
		t.Fatalf("expected the failed run to be rescheduled as pending, got %v", doc["status"])
	}
}

type sentinelErr struct{}

func (sentinelErr) Error() string { return "boom" }

var errSentinel = sentinelErr{}
