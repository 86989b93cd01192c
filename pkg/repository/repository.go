// Package repository implements the Repository component (spec.md §4.3):
// every store interaction a task record's lifecycle needs — locking,
// finalizing, deferring, resetting stuck records, pruning orphans, and
// summary statistics — behind one type so the Worker and WorkerPool never
// touch internal/store directly.
package repository

import (
	"context"
	"time"

	"github.com/swarmguard/reactivetask/internal/collab"
	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/retry"
	"github.com/swarmguard/reactivetask/pkg/task"
)

// Repository is the task-record store facade for one {source, tasks}
// collection pair.
type Repository struct {
	store           store.Store
	tasksCollection string
	sourceCollection string
}

// New builds a Repository over tasksCollection/sourceCollection and ensures
// the indexes spec.md §4.3 calls for (polling, uniqueness, TTL).
func New(ctx context.Context, s store.Store, sourceCollection, tasksCollection string, cleanup task.CleanupPolicy) (*Repository, error) {
	r := &Repository{store: s, tasksCollection: tasksCollection, sourceCollection: sourceCollection}
	if err := r.ensureIndexes(ctx, cleanup); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) ensureIndexes(ctx context.Context, cleanup task.CleanupPolicy) error {
	indexes := []store.IndexSpec{
		{
			Name: "poll_next_run_at",
			Keys: []store.IndexField{{Field: "task", Direction: store.Ascending}, {Field: "nextRunAt", Direction: store.Ascending}},
			PartialFilter: store.Doc{"nextRunAt": store.Doc{"$type": "date"}},
		},
		{
			Name:   "task_source_unique",
			Keys:   []store.IndexField{{Field: "task", Direction: store.Ascending}, {Field: "sourceDocId", Direction: store.Ascending}},
			Unique: true,
		},
	}
	if cleanup.DeleteWhen != task.DeleteNever && cleanup.KeepForMs > 0 {
		indexes = append(indexes, store.IndexSpec{
			Name:       "completed_ttl",
			Keys:       []store.IndexField{{Field: "lastFinalizedAt", Direction: store.Ascending}},
			TTLSeconds: cleanup.KeepForMs / 1000,
		})
	}
	return r.store.Collection(r.tasksCollection).EnsureIndexes(ctx, indexes)
}

func (r *Repository) tasks() store.Collection { return r.store.Collection(r.tasksCollection) }

// FindAndLockNextTask atomically claims the earliest-due record among
// taskNames (spec.md §4.3 findAndLockNextTask). The CAS source states are
// pending and processing_dirty (spec.md §3 invariant 7): a record the
// planner marked processing_dirty while its previous worker was still
// running is claimed exactly like a pending one — claiming it for
// execution is the "run it again" that the dirty flag exists to trigger,
// so the dirty flag is dropped and attempts increments as usual. This is
// also what lets a worker that crashed after the dirty flag was set (and
// never called finalizeTask) be recovered by another instance instead of
// the record being stuck forever.
func (r *Repository) FindAndLockNextTask(ctx context.Context, taskNames []string, visibilityTimeout time.Duration) (*task.Record, error) {
	now := time.Now()
	filter := store.Doc{
		"task":      store.Doc{"$in": toAnySlice(taskNames)},
		"nextRunAt": store.Doc{"$lte": now},
		"status":    store.Doc{"$in": []any{"pending", "processing_dirty"}},
	}
	update := store.Doc{
		"$set": store.Doc{
			"status":    "processing",
			"nextRunAt": now.Add(visibilityTimeout),
			"startedAt": now,
		},
		"$inc": store.Doc{"attempts": 1},
	}
	doc, err := r.tasks().FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{
		Sort:         store.Doc{"nextRunAt": 1},
		ReturnNewDoc: true,
	})
	if err == store.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &task.StoreTransientError{Op: "findAndLockNextTask", Err: err}
	}
	rec := decodeRecord(doc)
	return &rec, nil
}

// RenewLock advances nextRunAt for a record still being processed (spec.md
// §4.7's lock renewer), failing silently (returning the error for the
// caller to log, never to abort the handler) if the record moved out from
// under it — e.g. a concurrent resetTasks reclaimed it.
func (r *Repository) RenewLock(ctx context.Context, recordID string, visibilityTimeout time.Duration) error {
	filter := store.Doc{"_id": recordID, "status": store.Doc{"$in": []any{"processing", "processing_dirty"}}}
	update := store.Doc{"$set": store.Doc{"nextRunAt": time.Now().Add(visibilityTimeout)}}
	_, err := r.tasks().UpdateOne(ctx, filter, update)
	return err
}

// WithTransaction runs fn inside a store transaction (collab.WithTransaction
// over r.store), so a handler's own writes and a subsequent MarkCompleted
// call commit together (spec.md §4.7 "markCompleted(opts?)").
func (r *Repository) WithTransaction(ctx context.Context, fn func(sc store.SessionContext) (any, error)) (any, error) {
	return collab.WithTransaction(ctx, r.store, fn)
}

// FinalizeTask applies spec.md §4.3's branch-on-current-status finalize
// pipeline. runErr is the handler's returned error, nil on success. sc, if
// non-nil, is a session obtained from WithTransaction: every store call
// below then runs inside that same transaction instead of opening its own.
func (r *Repository) FinalizeTask(ctx context.Context, rec task.Record, strategy *retry.Strategy, runErr error, debounceMs int64, historyLimit int, sc store.SessionContext) error {
	opCtx := ctx
	if sc != nil {
		opCtx = sc
	}
	now := time.Now()
	current, err := r.tasks().FindOne(opCtx, store.Doc{"_id": rec.ID})
	if err != nil {
		return &task.StoreTransientError{Op: "finalizeTask.reread", Err: err}
	}
	currentStatus, _ := current["status"].(string)

	entry := task.ExecutionHistoryEntry{At: now, Status: task.Status(currentStatus)}
	if rec.StartedAt != nil {
		entry.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	update := store.Doc{}
	switch {
	case currentStatus == string(task.StatusProcessingDirty):
		entry.Status = task.StatusProcessingDirty
		update = store.Doc{"$set": store.Doc{
			"status":    "pending",
			"nextRunAt": now.Add(time.Duration(debounceMs) * time.Millisecond),
			"updatedAt": now,
		}}
	case runErr == nil:
		entry.Status = task.StatusCompleted
		update = store.Doc{"$set": store.Doc{
			"status":          "completed",
			"nextRunAt":       nil,
			"completedAt":     now,
			"lastFinalizedAt": now,
			"lastSuccess":     task.LastSuccess{At: now, DurationMs: entry.DurationMs},
			"firstErrorAt":    nil,
			"lastError":       "",
			"updatedAt":       now,
		}}
	default:
		if task.IsTaskConditionFailed(runErr) {
			entry.Status = task.StatusCompleted
			entry.Error = ""
			update = store.Doc{"$set": store.Doc{
				"status":          "completed",
				"nextRunAt":       nil,
				"completedAt":     now,
				"lastFinalizedAt": now,
				"updatedAt":       now,
			}}
			break
		}
		firstErrorAt := rec.FirstErrorAt
		if firstErrorAt == nil {
			firstErrorAt = &now
		}
		if strategy.ShouldFail(rec.Attempts, firstErrorAt, now) {
			entry.Status = task.StatusFailed
			update = store.Doc{"$set": store.Doc{
				"status":          "failed",
				"nextRunAt":       nil,
				"lastFinalizedAt": now,
				"firstErrorAt":    firstErrorAt,
				"lastError":       runErr.Error(),
				"updatedAt":       now,
			}}
		} else {
			entry.Status = task.StatusPending
			update = store.Doc{"$set": store.Doc{
				"status":       "pending",
				"nextRunAt":    strategy.NextRunAt(now, rec.Attempts, firstErrorAt),
				"firstErrorAt": firstErrorAt,
				"lastError":    runErr.Error(),
				"updatedAt":    now,
			}}
		}
	}

	history := append(append([]task.ExecutionHistoryEntry{}, rec.ExecutionHistory...), entry)
	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	update["$set"].(store.Doc)["executionHistory"] = history

	_, err = r.tasks().UpdateOne(opCtx, store.Doc{"_id": rec.ID}, update)
	if err != nil {
		return &task.StoreTransientError{Op: "finalizeTask", Err: err}
	}
	return nil
}

// DeferTask reschedules rec without counting the run as a failed attempt
// (spec.md §4.3 deferTask).
func (r *Repository) DeferTask(ctx context.Context, recordID string, delay time.Duration) error {
	update := store.Doc{"$set": store.Doc{
		"status":    "pending",
		"nextRunAt": time.Now().Add(delay),
		"attempts":  0,
	}}
	_, err := r.tasks().UpdateOne(ctx, store.Doc{"_id": recordID}, update)
	if err != nil {
		return &task.StoreTransientError{Op: "deferTask", Err: err}
	}
	return nil
}

// ResetTasks reclaims records matched by filter (spec.md §4.3 resetTasks):
// in-flight records only move to processing_dirty (so an already-running
// handler still gets one forced re-run rather than two concurrent workers
// racing the same record); everything else becomes immediately due.
func (r *Repository) ResetTasks(ctx context.Context, filter store.Doc) error {
	if filter == nil {
		filter = store.Doc{}
	}
	processing := store.Doc{"$and": []any{filter, store.Doc{"status": "processing"}}}
	if _, err := r.tasks().UpdateMany(ctx, processing, store.Doc{"$set": store.Doc{"status": "processing_dirty"}}); err != nil {
		return &task.StoreTransientError{Op: "resetTasks.dirty", Err: err}
	}

	other := store.Doc{"$and": []any{filter, store.Doc{"status": store.Doc{"$nin": []any{"processing", "processing_dirty"}}}}}
	_, err := r.tasks().UpdateMany(ctx, other, store.Doc{"$set": store.Doc{"status": "pending", "nextRunAt": time.Now()}})
	if err != nil {
		return &task.StoreTransientError{Op: "resetTasks.pending", Err: err}
	}
	return nil
}

// DeleteOrphanedTasks implements spec.md §4.3 deleteOrphanedTasks: records
// whose source document is gone are deleted in batches of 1,000 via
// processInBatches. Under the stricter cleanup policy the check also reads
// OrphanCandidate.SourceStillMatches, but both store backends set that field
// from existence alone without evaluating the task predicate, so a record
// whose source document still exists but no longer matches is not deleted.
func (r *Repository) DeleteOrphanedTasks(ctx context.Context, taskName string, cleanup task.CleanupPolicy, shouldStop func() bool) (int, error) {
	if cleanup.DeleteWhen == task.DeleteNever {
		return 0, nil
	}
	olderThan := time.Now().Add(-time.Duration(cleanup.KeepForMs) * time.Millisecond)
	candidates, err := r.store.FindOrphanCandidates(ctx, r.tasksCollection, r.sourceCollection, olderThan, 0)
	if err != nil {
		return 0, &task.StoreTransientError{Op: "deleteOrphanedTasks.lookup", Err: err}
	}

	var ids []string
	for _, c := range candidates {
		if c.Task != taskName {
			continue
		}
		orphaned := !c.SourceExists
		if cleanup.DeleteWhen == task.DeleteSourceDocumentDeletedOrNoLongerMatch {
			orphaned = orphaned || !c.SourceStillMatches
		}
		if orphaned {
			ids = append(ids, c.RecordID)
		}
	}

	deleted := 0
	err = collab.ProcessInBatches(ids, 1000, shouldStop, func(batch []string) error {
		n, dErr := r.tasks().DeleteMany(ctx, store.Doc{"_id": store.Doc{"$in": toAnySlice(batch)}})
		deleted += int(n)
		return dErr
	})
	if err != nil {
		return deleted, &task.StoreTransientError{Op: "deleteOrphanedTasks.delete", Err: err}
	}
	return deleted, nil
}

// GetStatistics returns the $facet-style summary for taskNames (spec.md §6
// getStatistics / getReactiveTaskInfo).
func (r *Repository) GetStatistics(ctx context.Context, taskNames []string) (store.Statistics, error) {
	stats, err := r.store.AggregateStatistics(ctx, r.tasksCollection, taskNames)
	if err != nil {
		return store.Statistics{}, &task.StoreTransientError{Op: "getStatistics", Err: err}
	}
	return stats, nil
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func decodeRecord(doc store.Doc) task.Record {
	rec := task.Record{}
	if v, ok := doc["_id"].(string); ok {
		rec.ID = v
	}
	if v, ok := doc["task"].(string); ok {
		rec.Task = v
	}
	if v, ok := doc["sourceDocId"].(string); ok {
		rec.SourceDocID = v
	}
	if v, ok := doc["status"].(string); ok {
		rec.Status = task.Status(v)
	}
	rec.NextRunAt = asTimePtr(doc["nextRunAt"])
	rec.DueAt = asTimePtr(doc["dueAt"])
	rec.StartedAt = asTimePtr(doc["startedAt"])
	rec.CompletedAt = asTimePtr(doc["completedAt"])
	rec.LastFinalizedAt = asTimePtr(doc["lastFinalizedAt"])
	rec.FirstErrorAt = asTimePtr(doc["firstErrorAt"])
	if v, ok := doc["attempts"].(int); ok {
		rec.Attempts = v
	} else if f, ok := doc["attempts"].(float64); ok {
		rec.Attempts = int(f)
	}
	if v, ok := doc["lastError"].(string); ok {
		rec.LastError = v
	}
	if v, ok := doc["lastObservedValues"].(task.Document); ok {
		rec.LastObservedValues = v
	} else if v, ok := doc["lastObservedValues"].(map[string]any); ok {
		rec.LastObservedValues = v
	}
	if v, ok := doc["handlerVersion"].(string); ok {
		rec.HandlerVersion = v
	}
	return rec
}

func asTimePtr(v any) *time.Time {
	if t, ok := v.(time.Time); ok {
		return &t
	}
	return nil
}
