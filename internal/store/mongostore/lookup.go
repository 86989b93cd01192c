package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/swarmguard/reactivetask/internal/store"
)

// FindOrphanCandidates uses $lookup to join each finalized task record
// against its source document in one pass (spec.md §4.3 deleteOrphanedTasks),
// rather than round-tripping per record.
func (s *Store) FindOrphanCandidates(ctx context.Context, tasksCollection, sourceCollection string, olderThan time.Time, limit int) ([]store.OrphanCandidate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{"completed", "failed"}}}},
			{Key: "lastFinalizedAt", Value: bson.D{{Key: "$lte", Value: olderThan}}},
		}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: sourceCollection},
			{Key: "localField", Value: "sourceDocId"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "_source"},
		}}},
		{{Key: "$limit", Value: int64(limit)}},
	}

	cur, err := s.db.Collection(tasksCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []store.OrphanCandidate
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		src, _ := doc["_source"].(bson.A)
		out = append(out, store.OrphanCandidate{
			RecordID:           asString(doc["_id"]),
			Task:               asString(doc["task"]),
			SourceDocID:        asString(doc["sourceDocId"]),
			SourceExists:       len(src) > 0,
			SourceStillMatches: len(src) > 0,
		})
	}
	return out, cur.Err()
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
