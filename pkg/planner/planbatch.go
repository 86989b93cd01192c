package planner

import (
	"context"
	"time"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/task"
)

// planBatch implements spec.md §4.4's planning aggregation: for every
// affected sourceDocId, re-fetch the source document once and evaluate it
// against every Binding watching this collection, then upsert one
// PlannedRecord per (binding, doc) pair whose predicate currently matches.
func (p *Planner) planBatch(ctx context.Context, sourceDocIDs []string) error {
	if len(p.bindings) == 0 || len(sourceDocIDs) == 0 {
		return nil
	}

	docs := make(map[string]store.Doc, len(sourceDocIDs))
	for _, id := range sourceDocIDs {
		doc, err := p.store.Collection(p.sourceCollection).FindOne(ctx, store.Doc{"_id": id})
		if err == store.ErrNoDocuments {
			docs[id] = nil
			continue
		}
		if err != nil {
			return &task.StoreTransientError{Op: "planBatch.fetch", Err: err}
		}
		docs[id] = doc
	}

	byTasksCollection := make(map[string][]store.PlannedRecord)
	for _, b := range p.bindings {
		for id, doc := range docs {
			plan, ok := p.evaluateBinding(b, id, doc)
			if !ok {
				continue
			}
			byTasksCollection[b.Definition.TasksCollection] = append(byTasksCollection[b.Definition.TasksCollection], plan)
		}
	}

	for tasksCollection, plans := range byTasksCollection {
		if _, err := p.store.UpsertPlannedRecords(ctx, tasksCollection, plans); err != nil {
			return &task.StoreTransientError{Op: "planBatch.upsert", Err: err}
		}
	}
	return nil
}

// evaluateBinding decides whether a changed source document should plan a
// task record for one binding. Step 2 of the planning aggregation projects
// only the set of tasks whose predicate currently applies in-document; a
// deleted or non-matching document is simply not emitted for this binding,
// same as the aggregation's own $filter. An already-locked record for a
// document that later stops matching is instead caught at run time by the
// worker's optimistic-lock guard (spec.md §4.7 getDocument), and by
// reconciliation's orphan sweep — not by planning.
func (p *Planner) evaluateBinding(b Binding, sourceDocID string, doc store.Doc) (store.PlannedRecord, bool) {
	if doc == nil {
		return store.PlannedRecord{}, false
	}
	def := b.Definition
	if b.Predicate != nil && !b.Predicate.Match(doc) {
		return store.PlannedRecord{}, false
	}

	watched := doc
	if b.Projection != nil {
		watched = b.Projection.Project(doc)
	}

	recordID := task.RecordID(def.Name, sourceDocID)
	return store.PlannedRecord{
		ID:              recordID,
		Task:            def.Name,
		SourceDocID:     sourceDocID,
		DueAt:           time.Now().Add(time.Duration(def.DebounceMs) * time.Millisecond),
		DebounceMs:      def.DebounceMs,
		WatchedValues:   watched,
		StillMatches:    true,
		HandlerVersion:  def.HandlerVersion,
		OnVersionChange: string(def.OnHandlerVersionChange),
		ResetRetriesOnDataChange: def.ResetRetriesOnDataChange,
	}, true
}
