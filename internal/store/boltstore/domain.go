package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/reactivetask/internal/store"
)

// UpsertPlannedRecords applies one planning batch (spec.md §4.4) inside the
// store's single write mutex, one record at a time, honoring the same
// "don't touch processing, mark processing_dirty instead" and
// "only advance nextRunAt when the signature changed" rules the mongostore
// backend's $merge whenMatched pipeline encodes declaratively.
func (s *Store) UpsertPlannedRecords(ctx context.Context, tasksCollection string, plans []store.PlannedRecord) (store.UpsertSummary, error) {
	if err := s.ensureBucket(tasksCollection); err != nil {
		return store.UpsertSummary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var summary store.UpsertSummary
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(tasksCollection))
		now := time.Now()

		for _, plan := range plans {
			raw := b.Get([]byte(plan.ID))
			if raw == nil {
				rec := store.Doc{
					"_id":                plan.ID,
					"task":               plan.Task,
					"sourceDocId":        plan.SourceDocID,
					"status":             "pending",
					"nextRunAt":          plan.DueAt,
					"dueAt":              plan.DueAt,
					"createdAt":          now,
					"updatedAt":          now,
					"attempts":           0,
					"lastObservedValues": plan.WatchedValues,
					"handlerVersion":     plan.HandlerVersion,
				}
				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(plan.ID), data); err != nil {
					return err
				}
				summary.Inserted++
				continue
			}

			summary.Matched++
			var existing store.Doc
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}

			status, _ := existing["status"].(string)
			changed := !reflect.DeepEqual(existing["lastObservedValues"], store.Doc(plan.WatchedValues))
			versionChanged := plan.HandlerVersion != "" && existing["handlerVersion"] != plan.HandlerVersion

			requeue := plan.StillMatches && changed
			if versionChanged {
				switch plan.OnVersionChange {
				case "reprocess_all":
					requeue = true
				case "reprocess_failed":
					requeue = requeue || status == "failed"
				}
			}

			switch status {
			case "processing", "processing_dirty":
				// spec.md §4.4: currently processing|processing_dirty and
				// hasChanged keeps nextRunAt (the in-flight lock window)
				// and forces exactly one follow-up run via
				// processing_dirty, optionally resetting the retry budget.
				if requeue {
					existing["status"] = "processing_dirty"
					existing["dueAt"] = plan.DueAt
					existing["lastObservedValues"] = store.Doc(plan.WatchedValues)
					existing["updatedAt"] = now
					if plan.ResetRetriesOnDataChange {
						existing["attempts"] = 0
						delete(existing, "firstErrorAt")
						existing["lastError"] = ""
					}
					summary.Touched++
				}
			default:
				if requeue {
					existing["status"] = "pending"
					existing["nextRunAt"] = plan.DueAt
					existing["dueAt"] = plan.DueAt
					existing["lastObservedValues"] = store.Doc(plan.WatchedValues)
					existing["updatedAt"] = now
					if plan.HandlerVersion != "" {
						existing["handlerVersion"] = plan.HandlerVersion
					}
					summary.Touched++
				}
			}

			data, err := json.Marshal(existing)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(plan.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	return summary, err
}

// FindOrphanCandidates scans tasksCollection for records whose source
// document appears to be gone, reporting SourceExists so the caller
// (pkg/repository.deleteOrphanedTasks) applies the cleanup policy's
// DeleteWhen/KeepForMs rule itself.
func (s *Store) FindOrphanCandidates(ctx context.Context, tasksCollection, sourceCollection string, olderThan time.Time, limit int) ([]store.OrphanCandidate, error) {
	if err := s.ensureBucket(tasksCollection); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(sourceCollection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.OrphanCandidate
	err := s.db.View(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketName(tasksCollection))
		source := tx.Bucket(bucketName(sourceCollection))

		return tasks.ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var doc store.Doc
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil
			}
			status, _ := doc["status"].(string)
			if status != "completed" && status != "failed" {
				return nil
			}
			lastFinalizedAt, ok := parseTimeField(doc["lastFinalizedAt"])
			if ok && lastFinalizedAt.After(olderThan) {
				return nil
			}
			sourceDocID, _ := doc["sourceDocId"].(string)
			exists := source.Get([]byte(sourceDocID)) != nil

			var lfa *time.Time
			if ok {
				t := lastFinalizedAt
				lfa = &t
			}
			out = append(out, store.OrphanCandidate{
				RecordID:           fmt.Sprintf("%v", doc["_id"]),
				Task:               fmt.Sprintf("%v", doc["task"]),
				SourceDocID:        sourceDocID,
				SourceExists:       exists,
				SourceStillMatches: exists,
				LastFinalizedAt:    lfa,
			})
			return nil
		})
	})
	return out, err
}

// AggregateStatistics computes per-task/status counts, mirroring the
// mongostore backend's $facet-based getStatistics() pipeline one bucket
// scan at a time.
func (s *Store) AggregateStatistics(ctx context.Context, tasksCollection string, taskNames []string) (store.Statistics, error) {
	if err := s.ensureBucket(tasksCollection); err != nil {
		return store.Statistics{}, err
	}
	want := make(map[string]bool, len(taskNames))
	for _, n := range taskNames {
		want[n] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := store.Statistics{
		ByTaskAndStatus: map[string]map[string]int64{},
		OldestPending:   map[string]*time.Time{},
		TotalErrors:     map[string]int64{},
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(tasksCollection))
		return b.ForEach(func(k, v []byte) error {
			var doc store.Doc
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil
			}
			task, _ := doc["task"].(string)
			if len(want) > 0 && !want[task] {
				return nil
			}
			status, _ := doc["status"].(string)

			if stats.ByTaskAndStatus[task] == nil {
				stats.ByTaskAndStatus[task] = map[string]int64{}
			}
			stats.ByTaskAndStatus[task][status]++

			if status == "pending" {
				if due, ok := parseTimeField(doc["dueAt"]); ok {
					if cur, exists := stats.OldestPending[task]; !exists || due.Before(*cur) {
						t := due
						stats.OldestPending[task] = &t
					}
				}
			}
			if lastErr, _ := doc["lastError"].(string); lastErr != "" {
				stats.TotalErrors[task]++
			}
			return nil
		})
	})
	return stats, err
}

func parseTimeField(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
