package planner

import (
	"context"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/task"
)

// Reconcile runs the reconciliation pass (spec.md §4.4) for every binding in
// only, or every registered binding if only is empty. The full scan-and-plan
// half only runs when a binding needs reconciling: first registration, an
// explicit flag (set after a history-lost change-stream error), or a
// trigger-signature change with ReconcileOnTriggerChange enabled. The orphan
// sweep is cheaper and runs every pass regardless, since a record can become
// orphaned at any time, not just around a full rescan.
func (p *Planner) Reconcile(ctx context.Context, only []string) error {
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[n] = true
	}
	for _, b := range p.bindings {
		if len(want) > 0 && !want[b.Definition.Name] {
			continue
		}
		if p.needsReconcile(ctx, b.Definition) {
			if err := p.reconcileBinding(ctx, b); err != nil {
				return err
			}
			continue
		}
		p.sweepOrphans(ctx, b)
	}
	return nil
}

func (p *Planner) sweepOrphans(ctx context.Context, b Binding) {
	if b.Repo == nil {
		return
	}
	if _, err := b.Repo.DeleteOrphanedTasks(ctx, b.Definition.Name, b.Definition.Cleanup, func() bool { return false }); err != nil {
		p.sinks.Error(err)
	}
}

func (p *Planner) needsReconcile(ctx context.Context, def task.Definition) bool {
	sigDoc, err := p.store.Collection(p.metaCollection).FindOne(ctx, store.Doc{"_id": "signature::" + def.Name})
	firstTime := err == store.ErrNoDocuments
	storedSig, _ := sigDocVal(sigDoc)

	flagDoc, _ := p.store.Collection(p.metaCollection).FindOne(ctx, store.Doc{"_id": p.reconcileDocID(def.Name)})
	explicitlyNeeded, _ := flagDoc["needed"].(bool)

	if firstTime || explicitlyNeeded {
		return true
	}
	if !def.ReconcileOnTriggerChange {
		return false
	}
	return storedSig != triggerSignature(def)
}

// signatureChanged reports whether def's trigger signature (predicate,
// projection, handler version) differs from the one stored at the end of
// the last reconciliation pass. Distinguished from needsReconcile's broader
// "first time or explicit flag or signature changed" check because only a
// genuine signature change invalidates a stale checkpoint (spec.md §8:
// "restarting mid-scan resumes from lastId provided the task signature is
// unchanged; otherwise scan restarts at 0") — first-time reconciliation has
// no prior signature to compare against, and an explicit flag alone (e.g.
// set after a history-lost change-stream error) does not imply the filter
// or projection changed underneath the in-progress checkpoint.
func (p *Planner) signatureChanged(ctx context.Context, def task.Definition) bool {
	sigDoc, err := p.store.Collection(p.metaCollection).FindOne(ctx, store.Doc{"_id": "signature::" + def.Name})
	if err == store.ErrNoDocuments {
		return false
	}
	storedSig, _ := sigDocVal(sigDoc)
	return def.ReconcileOnTriggerChange && storedSig != triggerSignature(def)
}

func sigDocVal(doc store.Doc) (string, bool) {
	if doc == nil {
		return "", false
	}
	v, ok := doc["signature"].(string)
	return v, ok
}

func (p *Planner) checkpointDocID(taskName string) string {
	return "checkpoint::" + taskName
}

func (p *Planner) loadCheckpoint(ctx context.Context, taskName string) string {
	doc, err := p.store.Collection(p.metaCollection).FindOne(ctx, store.Doc{"_id": p.checkpointDocID(taskName)})
	if err != nil {
		return ""
	}
	id, _ := doc["lastId"].(string)
	return id
}

func (p *Planner) saveCheckpoint(ctx context.Context, taskName, lastID string) {
	filter := store.Doc{"_id": p.checkpointDocID(taskName)}
	update := store.Doc{"$set": store.Doc{"lastId": lastID}}
	p.store.Collection(p.metaCollection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{Upsert: true})
}

func (p *Planner) clearCheckpoint(ctx context.Context, taskName string) {
	p.store.Collection(p.metaCollection).DeleteMany(ctx, store.Doc{"_id": p.checkpointDocID(taskName)})
}

// reconcileBinding scans the source collection ordered by _id from the
// persisted checkpoint, re-running planning aggregation per batch and
// advancing the checkpoint, then prunes orphans and records completion
// (spec.md §4.4).
func (p *Planner) reconcileBinding(ctx context.Context, b Binding) error {
	p.sinks.Info(task.NewInfo(task.CodeReactiveTaskReconciliationStart, "reconciliation started", map[string]any{
		"task": b.Definition.Name,
	}))

	if p.signatureChanged(ctx, b.Definition) {
		p.clearCheckpoint(ctx, b.Definition.Name)
	}
	checkpoint := p.loadCheckpoint(ctx, b.Definition.Name)
	for {
		ids, lastID, err := p.scanPage(ctx, checkpoint, p.batchSize)
		if err != nil {
			return &task.StoreTransientError{Op: "reconcile.scan", Err: err}
		}
		if len(ids) == 0 {
			break
		}
		if err := p.planBatch(ctx, ids); err != nil {
			return err
		}
		checkpoint = lastID
		p.saveCheckpoint(ctx, b.Definition.Name, checkpoint)
	}

	p.clearCheckpoint(ctx, b.Definition.Name)
	p.setReconcileFlag(ctx, b.Definition.Name, false)
	p.saveSignature(ctx, b.Definition)

	p.sweepOrphans(ctx, b)

	p.sinks.Info(task.NewInfo(task.CodeReactiveTaskReconciliationDone, "reconciliation finished", map[string]any{
		"task": b.Definition.Name,
	}))
	return nil
}

func (p *Planner) saveSignature(ctx context.Context, def task.Definition) {
	filter := store.Doc{"_id": "signature::" + def.Name}
	update := store.Doc{"$set": store.Doc{"signature": triggerSignature(def)}}
	p.store.Collection(p.metaCollection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{Upsert: true})
}

// scanPage returns up to limit source-document ids with _id > checkpoint,
// ordered ascending, plus the last id seen (the next checkpoint).
func (p *Planner) scanPage(ctx context.Context, checkpoint string, limit int) ([]string, string, error) {
	filter := store.Doc{}
	if checkpoint != "" {
		filter["_id"] = store.Doc{"$gt": checkpoint}
	}
	cur, err := p.store.Collection(p.sourceCollection).FindMany(ctx, filter, store.FindOptions{
		Sort:  store.Doc{"_id": 1},
		Limit: int64(limit),
	})
	if err != nil {
		return nil, checkpoint, err
	}
	defer cur.Close(ctx)

	var ids []string
	last := checkpoint
	for cur.Next(ctx) {
		var doc store.Doc
		if err := cur.Decode(&doc); err != nil {
			return nil, last, err
		}
		if id, ok := doc["_id"].(string); ok {
			ids = append(ids, id)
			last = id
		}
	}
	return ids, last, cur.Err()
}

// ApplyEvolutionPolicy implements spec.md §4.4's evolution policies: a
// handler-version change resets failed (or failed+completed) records back
// to pending so they rerun under the new handler. It is the Scheduler's
// responsibility to call this once per registration when the stored
// handlerVersion differs from the new Definition's.
func (p *Planner) ApplyEvolutionPolicy(ctx context.Context, b Binding) error {
	switch b.Definition.OnHandlerVersionChange {
	case task.OnVersionChangeReprocessFailed:
		return b.Repo.ResetTasks(ctx, store.Doc{"task": b.Definition.Name, "status": "failed"})
	case task.OnVersionChangeReprocessAll:
		return b.Repo.ResetTasks(ctx, store.Doc{"task": b.Definition.Name, "status": store.Doc{"$in": []any{"failed", "completed"}}})
	default:
		return nil
	}
}
