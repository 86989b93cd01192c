package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/swarmguard/reactivetask/internal/store"
)

// AggregateStatistics computes per-task/status counts plus oldest-pending
// dueAt and error counts in a single $facet-based pipeline (spec.md §6
// getStatistics), rather than one query per task definition.
func (s *Store) AggregateStatistics(ctx context.Context, tasksCollection string, taskNames []string) (store.Statistics, error) {
	match := bson.D{}
	if len(taskNames) > 0 {
		match = bson.D{{Key: "task", Value: bson.D{{Key: "$in", Value: taskNames}}}}
	}

	pipeline := bson.A{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$facet", Value: bson.D{
			{Key: "byTaskStatus", Value: bson.A{
				bson.D{{Key: "$group", Value: bson.D{
					{Key: "_id", Value: bson.D{{Key: "task", Value: "$task"}, {Key: "status", Value: "$status"}}},
					{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
				}}},
			}},
			{Key: "oldestPending", Value: bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: "status", Value: "pending"}}}},
				bson.D{{Key: "$group", Value: bson.D{
					{Key: "_id", Value: "$task"},
					{Key: "oldest", Value: bson.D{{Key: "$min", Value: "$dueAt"}}},
				}}},
			}},
			{Key: "errors", Value: bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: "lastError", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: ""}}}}}},
				bson.D{{Key: "$group", Value: bson.D{
					{Key: "_id", Value: "$task"},
					{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
				}}},
			}},
		}}},
	}

	cur, err := s.db.Collection(tasksCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return store.Statistics{}, err
	}
	defer cur.Close(ctx)

	stats := store.Statistics{
		ByTaskAndStatus: map[string]map[string]int64{},
		OldestPending:   map[string]*time.Time{},
		TotalErrors:     map[string]int64{},
	}
	if !cur.Next(ctx) {
		return stats, cur.Err()
	}
	var facet struct {
		ByTaskStatus []struct {
			ID    struct{ Task, Status string } `bson:"_id"`
			Count int64                          `bson:"count"`
		} `bson:"byTaskStatus"`
		OldestPending []struct {
			ID     string    `bson:"_id"`
			Oldest time.Time `bson:"oldest"`
		} `bson:"oldestPending"`
		Errors []struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		} `bson:"errors"`
	}
	if err := cur.Decode(&facet); err != nil {
		return stats, err
	}
	for _, row := range facet.ByTaskStatus {
		if stats.ByTaskAndStatus[row.ID.Task] == nil {
			stats.ByTaskAndStatus[row.ID.Task] = map[string]int64{}
		}
		stats.ByTaskAndStatus[row.ID.Task][row.ID.Status] = row.Count
	}
	for _, row := range facet.OldestPending {
		t := row.Oldest
		stats.OldestPending[row.ID] = &t
	}
	for _, row := range facet.Errors {
		stats.TotalErrors[row.ID] = row.Count
	}
	return stats, nil
}
