package planner

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

func newTestBinding(t *testing.T, s store.Store, name string, predicate any) Binding {
	t.Helper()
	compiled, err := filter.NewCompiler().CompilePredicate(predicate)
	if err != nil {
		t.Fatalf("compile predicate: %v", err)
	}
	def := task.Definition{Name: name, SourceCollection: "widgets", TasksCollection: "widgets_tasks",
		Predicate: predicate, DebounceMs: 0, ExecutionHistoryLimit: 5}
	repo, err := repository.New(context.Background(), s, "widgets", "widgets_tasks", task.CleanupPolicy{})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return Binding{Definition: def, Predicate: compiled, Repo: repo}
}

func TestPlanBatchOnlyEmitsMatchingDocuments(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	b := newTestBinding(t, bs, "ship", map[string]any{"status": "ready"})
	p := New(bs, "widgets", "meta", []Binding{b}, nil, nil, task.Sinks{}, nil)

	if _, err := bs.Collection("widgets").FindOneAndUpdate(context.Background(),
		store.Doc{"_id": "doc-ready"}, store.Doc{"$set": store.Doc{"status": "ready"}},
		store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		t.Fatalf("seed ready doc: %v", err)
	}
	if _, err := bs.Collection("widgets").FindOneAndUpdate(context.Background(),
		store.Doc{"_id": "doc-other"}, store.Doc{"$set": store.Doc{"status": "draft"}},
		store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		t.Fatalf("seed draft doc: %v", err)
	}

	if err := p.planBatch(context.Background(), []string{"doc-ready", "doc-other", "doc-missing"}); err != nil {
		t.Fatalf("planBatch: %v", err)
	}

	count, err := bs.Collection("widgets_tasks").CountDocuments(context.Background(), store.Doc{"task": "ship"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one planned record for the matching doc, got %d", count)
	}

	doc, err := bs.Collection("widgets_tasks").FindOne(context.Background(), store.Doc{"sourceDocId": "doc-ready"})
	if err != nil {
		t.Fatalf("find planned: %v", err)
	}
	if doc == nil {
		t.Fatal("expected a planned record for doc-ready")
	}
}

func TestNeedsReconcileIsTrueOnFirstRegistration(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	p := New(bs, "widgets", "meta", nil, nil, nil, task.Sinks{}, nil)
	def := task.Definition{Name: "ship"}
	if !p.needsReconcile(context.Background(), def) {
		t.Fatal("expected needsReconcile to be true before any signature is stored")
	}
}

func TestNeedsReconcileRespectsStoredSignature(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	p := New(bs, "widgets", "meta", nil, nil, nil, task.Sinks{}, nil)
	def := task.Definition{Name: "ship", Predicate: map[string]any{"status": "ready"}, ReconcileOnTriggerChange: true}

	p.saveSignature(context.Background(), def)
	p.setReconcileFlag(context.Background(), def.Name, false)
	if p.needsReconcile(context.Background(), def) {
		t.Fatal("expected needsReconcile to be false once signature matches and flag is clear")
	}

	widened := def
	widened.Predicate = map[string]any{"status": store.Doc{"$in": []any{"ready", "urgent"}}}
	if !p.needsReconcile(context.Background(), widened) {
		t.Fatal("expected needsReconcile to be true after the predicate (trigger signature) changes")
	}
}

func TestReconcileBindingScansAndClearsCheckpoint(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	b := newTestBinding(t, bs, "ship", map[string]any{"status": "ready"})
	p := New(bs, "widgets", "meta", []Binding{b}, nil, nil, task.Sinks{}, nil)
	p.batchSize = 1 // force multi-page scanning over a couple of docs

	for _, id := range []string{"a", "b", "c"} {
		if _, err := bs.Collection("widgets").FindOneAndUpdate(context.Background(),
			store.Doc{"_id": id}, store.Doc{"$set": store.Doc{"status": "ready"}},
			store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	if err := p.reconcileBinding(context.Background(), b); err != nil {
		t.Fatalf("reconcileBinding: %v", err)
	}

	if cp := p.loadCheckpoint(context.Background(), "ship"); cp != "" {
		t.Fatalf("expected checkpoint cleared after a full scan, got %q", cp)
	}
	count, err := bs.Collection("widgets_tasks").CountDocuments(context.Background(), store.Doc{"task": "ship"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 planned records, got %d", count)
	}
}

func TestApplyEvolutionPolicyReprocessFailed(t *testing.T) {
	bs, err := boltstore.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open boltstore: %v", err)
	}
	b := newTestBinding(t, bs, "ship", map[string]any{"status": "ready"})
	b.Definition.OnHandlerVersionChange = task.OnVersionChangeReprocessFailed

	past := time.Now().Add(-time.Minute)
	if _, err := bs.UpsertPlannedRecords(context.Background(), "widgets_tasks", []store.PlannedRecord{
		{ID: "ship::doc-1", Task: "ship", SourceDocID: "doc-1", DueAt: past, StillMatches: true},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, err := b.Repo.FindAndLockNextTask(context.Background(), []string{"ship"}, time.Minute)
	if err != nil || rec == nil {
		t.Fatalf("lock: %v", err)
	}
	strategy, err := retry.New(task.RetryPolicy{Kind: task.RetryFixed, Interval: time.Millisecond, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("retry strategy: %v", err)
	}
	if err := b.Repo.FinalizeTask(context.Background(), *rec, strategy, errDummy{}, 0, 5, nil); err != nil {
		t.Fatalf("finalize failure: %v", err)
	}

	p := New(bs, "widgets", "meta", []Binding{b}, nil, nil, task.Sinks{}, nil)
	if err := p.ApplyEvolutionPolicy(context.Background(), b); err != nil {
		t.Fatalf("ApplyEvolutionPolicy: %v", err)
	}

	doc, err := bs.Collection("widgets_tasks").FindOne(context.Background(), store.Doc{"_id": "ship::doc-1"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if doc["status"] != string(task.StatusPending) {
		t.Fatalf("expected status reset to pending, got %v", doc["status"])
	}
}

type errDummy struct{}

func (errDummy) Error() string { return "boom" }
