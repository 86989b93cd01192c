package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/swarmguard/reactivetask/internal/store"
)

// UpsertPlannedRecords folds a planning batch into tasksCollection with a
// single $documents/$merge aggregation (spec.md §4.4): the batch becomes an
// in-pipeline document source, and $merge's whenMatched pipeline encodes the
// "processing stays processing (or goes dirty), otherwise requeue only on a
// real signature change" rule server-side, in one round trip regardless of
// batch size.
func (s *Store) UpsertPlannedRecords(ctx context.Context, tasksCollection string, plans []store.PlannedRecord) (store.UpsertSummary, error) {
	if len(plans) == 0 {
		return store.UpsertSummary{}, nil
	}

	docs := make(bson.A, 0, len(plans))
	for _, p := range plans {
		docs = append(docs, bson.M{
			"_id":                      p.ID,
			"task":                     p.Task,
			"sourceDocId":              p.SourceDocID,
			"dueAt":                    p.DueAt,
			"watchedValues":            toBsonM(p.WatchedValues),
			"stillMatches":             p.StillMatches,
			"handlerVersion":           p.HandlerVersion,
			"onVersionChange":          p.OnVersionChange,
			"resetRetriesOnDataChange": p.ResetRetriesOnDataChange,
		})
	}

	whenMatched := mongoPipelineArray(
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "_changed", Value: bson.D{{Key: "$ne", Value: bson.A{"$lastObservedValues", "$$new.watchedValues"}}}},
			{Key: "_versionChanged", Value: bson.D{
				{Key: "$and", Value: bson.A{
					bson.D{{Key: "$ne", Value: bson.A{"$$new.handlerVersion", ""}}},
					bson.D{{Key: "$ne", Value: bson.A{"$handlerVersion", "$$new.handlerVersion"}}},
				}},
			}},
		}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "_requeue", Value: bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "$and", Value: bson.A{"$$new.stillMatches", "$_changed"}}},
				bson.D{{Key: "$and", Value: bson.A{"$_versionChanged",
					bson.D{{Key: "$in", Value: bson.A{"$$new.onVersionChange", bson.A{"reprocess_all"}}}}}},
				bson.D{{Key: "$and", Value: bson.A{"$_versionChanged", bson.D{{Key: "$eq", Value: bson.A{"$status", "failed"}}},
					bson.D{{Key: "$in", Value: bson.A{"$$new.onVersionChange", bson.A{"reprocess_failed"}}}}}},
			}}}},
		}}},
		// _dirtyTransition is spec.md §4.4's "hasChanged and currently
		// processing|processing_dirty" branch: the in-flight lock window
		// (nextRunAt) is preserved and only a forced follow-up run is
		// recorded (status=processing_dirty). Every other requeue comes
		// from a currently pending/failed/completed record and instead
		// moves straight to pending with nextRunAt set to the new due time.
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "_dirtyTransition", Value: bson.D{{Key: "$and", Value: bson.A{
				"$_requeue",
				bson.D{{Key: "$in", Value: bson.A{"$status", bson.A{"processing", "processing_dirty"}}}},
			}}}},
		}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: bson.D{{Key: "$switch", Value: bson.D{
				{Key: "branches", Value: bson.A{
					bson.D{
						{Key: "case", Value: "$_dirtyTransition"},
						{Key: "then", Value: "processing_dirty"},
					},
					bson.D{
						{Key: "case", Value: bson.D{{Key: "$in", Value: bson.A{"$status", bson.A{"processing", "processing_dirty"}}}}},
						{Key: "then", Value: "$status"},
					},
				}},
				{Key: "default", Value: bson.D{{Key: "$cond", Value: bson.A{"$_requeue", "pending", "$status"}}}},
			}}}},
			{Key: "nextRunAt", Value: bson.D{{Key: "$cond", Value: bson.A{
				"$_dirtyTransition", "$nextRunAt",
				bson.D{{Key: "$cond", Value: bson.A{"$_requeue", "$$new.dueAt", "$nextRunAt"}}},
			}}}},
			{Key: "dueAt", Value: bson.D{{Key: "$cond", Value: bson.A{"$_requeue", "$$new.dueAt", "$dueAt"}}}},
			{Key: "lastObservedValues", Value: bson.D{{Key: "$cond", Value: bson.A{"$_requeue", "$$new.watchedValues", "$lastObservedValues"}}}},
			{Key: "attempts", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$and", Value: bson.A{"$_dirtyTransition", "$$new.resetRetriesOnDataChange"}}}, 0, "$attempts",
			}}}},
			{Key: "firstErrorAt", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$and", Value: bson.A{"$_dirtyTransition", "$$new.resetRetriesOnDataChange"}}}, nil, "$firstErrorAt",
			}}}},
			{Key: "lastError", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$and", Value: bson.A{"$_dirtyTransition", "$$new.resetRetriesOnDataChange"}}}, "", "$lastError",
			}}}},
			{Key: "handlerVersion", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$$new.handlerVersion", ""}}}, "$$new.handlerVersion", "$handlerVersion",
			}}}},
			{Key: "updatedAt", Value: "$$NOW"},
		}}},
		bson.D{{Key: "$unset", Value: bson.A{"_changed", "_versionChanged", "_requeue", "_dirtyTransition"}}},
	)

	pipeline := bson.A{
		bson.D{{Key: "$documents", Value: docs}},
		bson.D{{Key: "$merge", Value: bson.D{
			{Key: "into", Value: tasksCollection},
			{Key: "on", Value: "_id"},
			{Key: "let", Value: bson.D{{Key: "new", Value: "$$ROOT"}}},
			{Key: "whenMatched", Value: whenMatched},
			{Key: "whenNotMatched", Value: "insert"},
		}}},
	}

	cur, err := s.db.Aggregate(ctx, pipeline)
	if err != nil {
		return store.UpsertSummary{}, err
	}
	defer cur.Close(ctx)

	// $merge reports no per-document counts back to the driver; a
	// best-effort summary based on batch size is all callers (metrics,
	// logging) need here.
	return store.UpsertSummary{Matched: int64(len(plans))}, nil
}

func mongoPipelineArray(stages ...bson.D) bson.A {
	a := make(bson.A, 0, len(stages))
	for _, s := range stages {
		a = append(a, s)
	}
	return a
}
