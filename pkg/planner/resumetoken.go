package planner

import (
	"context"

	"github.com/swarmguard/reactivetask/internal/store"
)

func (p *Planner) resumeTokenDocID() string {
	return "resume_token::" + p.sourceCollection
}

// loadResumeToken reads the last persisted resume token from the meta
// collection, or nil to start the stream from "now" (spec.md §4.4).
func (p *Planner) loadResumeToken(ctx context.Context) store.Doc {
	doc, err := p.store.Collection(p.metaCollection).FindOne(ctx, store.Doc{"_id": p.resumeTokenDocID()})
	if err != nil {
		return nil
	}
	token, _ := doc["token"].(store.Doc)
	return token
}

// saveResumeToken persists the resume token at batch boundaries, per
// spec.md §4.4's "bounded interval (batch-size or batch-interval, whichever
// first)".
func (p *Planner) saveResumeToken(ctx context.Context, token store.Doc) {
	if token == nil {
		return
	}
	filter := store.Doc{"_id": p.resumeTokenDocID()}
	update := store.Doc{"$set": store.Doc{"token": token}}
	if _, err := p.store.Collection(p.metaCollection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		p.logger.Warn("planner: failed to persist resume token", "source", p.sourceCollection, "error", err)
	}
}

// markAllForReconciliation sets every binding's reconcile flag document
// (reconcile::<task>) so it gets a fresh reconciliation pass after a history-lost (error 280)
// change-stream error, then runs it immediately while this instance still
// holds leadership (spec.md §4.4).
func (p *Planner) markAllForReconciliation(ctx context.Context) {
	for _, b := range p.bindings {
		p.setReconcileFlag(ctx, b.Definition.Name, true)
	}
	if err := p.Reconcile(ctx, nil); err != nil {
		p.sinks.Error(err)
	}
}

func (p *Planner) reconcileDocID(taskName string) string {
	return "reconcile::" + taskName
}

func (p *Planner) setReconcileFlag(ctx context.Context, taskName string, needed bool) {
	filter := store.Doc{"_id": p.reconcileDocID(taskName)}
	update := store.Doc{"$set": store.Doc{"needed": needed}}
	if _, err := p.store.Collection(p.metaCollection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{Upsert: true}); err != nil {
		p.logger.Warn("planner: failed to set reconcile flag", "task", taskName, "error", err)
	}
}
