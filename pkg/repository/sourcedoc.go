package repository

import (
	"context"
	"reflect"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/filter"
	"github.com/swarmguard/reactivetask/pkg/task"
)

// FetchSourceDocument implements worker.SourceDocFetcher's optimistic-lock
// guard (spec.md §4.7 getDocument): the source document must still exist,
// still satisfy the predicate, and its watched projection must still equal
// the signature captured at planning time. Any mismatch is reported as
// task.ErrTaskConditionFailed, which the Worker treats as a silent skip.
func (r *Repository) FetchSourceDocument(ctx context.Context, sourceCollection, sourceDocID string, predicate *filter.Compiled, projection *filter.Projection, watched task.Document) (task.Document, error) {
	doc, err := r.store.Collection(sourceCollection).FindOne(ctx, store.Doc{"_id": sourceDocID})
	if err == store.ErrNoDocuments {
		return nil, task.ErrTaskConditionFailed
	}
	if err != nil {
		return nil, &task.StoreTransientError{Op: "getDocument", Err: err}
	}
	if predicate != nil && !predicate.Match(doc) {
		return nil, task.ErrTaskConditionFailed
	}
	if projection != nil {
		current := projection.Project(doc)
		if !reflect.DeepEqual(map[string]any(current), map[string]any(watched)) {
			return nil, task.ErrTaskConditionFailed
		}
	}
	return task.Document(doc), nil
}
