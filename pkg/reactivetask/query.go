package reactivetask

import (
	"context"
	"fmt"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/metrics"
	"github.com/swarmguard/reactivetask/pkg/task"
)

// QueryFilter mirrors spec.md §6's getReactiveTasks/countReactiveTasks
// filter shape: {task, status (single or comma-list), sourceDocFilter
// (simple equality by id), errorMessage, hasError, collection}.
type QueryFilter struct {
	Task           string
	Status         []string
	SourceDocID    string
	ErrorMessage   string
	HasError       *bool
	TasksCollection string
}

// Paging bounds a getReactiveTasks page.
type Paging struct {
	Skip  int64
	Limit int64
}

func (f QueryFilter) toStoreDoc() store.Doc {
	d := store.Doc{}
	if f.Task != "" {
		d["task"] = f.Task
	}
	if len(f.Status) == 1 {
		d["status"] = f.Status[0]
	} else if len(f.Status) > 1 {
		vals := make([]any, len(f.Status))
		for i, s := range f.Status {
			vals[i] = s
		}
		d["status"] = store.Doc{"$in": vals}
	}
	if f.SourceDocID != "" {
		d["sourceDocId"] = f.SourceDocID
	}
	if f.ErrorMessage != "" {
		d["lastError"] = store.Doc{"$regex": f.ErrorMessage}
	}
	if f.HasError != nil {
		if *f.HasError {
			d["lastError"] = store.Doc{"$exists": true, "$ne": ""}
		} else {
			d["lastError"] = ""
		}
	}
	return d
}

// tasksCollectionFor resolves which tasks collection a query targets: the
// filter's explicit TasksCollection, or the one registration's collection
// matching Task, or an error if neither pins it down (a query must name one
// collection at a time, mirroring spec.md's per-{source}_tasks layout).
func (s *Scheduler) tasksCollectionFor(f QueryFilter) (string, error) {
	if f.TasksCollection != "" {
		return f.TasksCollection, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Task != "" {
		if r, ok := s.regs[f.Task]; ok {
			return r.def.TasksCollection, nil
		}
		return "", fmt.Errorf("reactivetask: unknown task %q", f.Task)
	}
	if len(s.regs) == 1 {
		for _, r := range s.regs {
			return r.def.TasksCollection, nil
		}
	}
	return "", fmt.Errorf("reactivetask: query filter must name a task or collection when multiple are registered")
}

// GetReactiveTasks implements getReactiveTasks(filter, paging?).
func (s *Scheduler) GetReactiveTasks(ctx context.Context, f QueryFilter, paging Paging) ([]task.Record, error) {
	collection, err := s.tasksCollectionFor(f)
	if err != nil {
		return nil, err
	}
	opts := store.FindOptions{Sort: store.Doc{"nextRunAt": 1}, Limit: paging.Limit}
	cur, err := s.cfg.Store.Collection(collection).FindMany(ctx, f.toStoreDoc(), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []task.Record
	var skipped int64
	for cur.Next(ctx) {
		if skipped < paging.Skip {
			skipped++
			continue
		}
		var doc store.Doc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, decodeQueryRecord(doc))
	}
	return out, cur.Err()
}

// CountReactiveTasks implements countReactiveTasks(filter).
func (s *Scheduler) CountReactiveTasks(ctx context.Context, f QueryFilter) (int64, error) {
	collection, err := s.tasksCollectionFor(f)
	if err != nil {
		return 0, err
	}
	return s.cfg.Store.Collection(collection).CountDocuments(ctx, f.toStoreDoc())
}

// RetryReactiveTasks implements retryReactiveTasks(filter): requeues
// matching records immediately, preserving the underspecified-but-verbatim
// behavior for in-flight records (spec.md §9 Open Questions #3) — a
// `processing` record moves to `processing_dirty` rather than being yanked
// out from under its current handler.
func (s *Scheduler) RetryReactiveTasks(ctx context.Context, f QueryFilter) error {
	s.mu.Lock()
	var r *registration
	if f.Task != "" {
		r = s.regs[f.Task]
	}
	s.mu.Unlock()
	if r == nil {
		return fmt.Errorf("reactivetask: retryReactiveTasks requires a known task")
	}

	filterDoc := f.toStoreDoc()
	s.cfg.Sinks.Info(task.NewInfo(task.CodeManualTrigger, "manual retry triggered", map[string]any{"task": f.Task}))
	return r.repo.ResetTasks(ctx, filterDoc)
}

// Info is the getReactiveTaskInfo() summary: per-task statistics plus
// metrics, or nil metrics when monitoring is disabled.
type Info struct {
	Backend    string
	Statistics map[string]store.Statistics // keyed by tasks collection
	Metrics    map[string]metrics.TaskCounters
}

// GetReactiveTaskInfo implements getReactiveTaskInfo().
func (s *Scheduler) GetReactiveTaskInfo(ctx context.Context) (Info, error) {
	s.mu.Lock()
	byCollection := make(map[string][]string)
	for _, r := range s.regs {
		byCollection[r.def.TasksCollection] = append(byCollection[r.def.TasksCollection], r.def.Name)
	}
	s.mu.Unlock()

	info := Info{Backend: s.cfg.Store.Backend(), Statistics: make(map[string]store.Statistics)}
	for collection, names := range byCollection {
		stats, err := s.cfg.Store.AggregateStatistics(ctx, collection, names)
		if err != nil {
			return Info{}, err
		}
		info.Statistics[collection] = stats
	}

	m, err := s.metrics.Scrape(ctx, metrics.ScrapeCluster)
	if err != nil {
		return Info{}, err
	}
	info.Metrics = m
	return info, nil
}

// GetPrometheusMetrics implements getPrometheusMetrics(), returning "" when
// monitoring is disabled (spec.md §4.8 "returns null when disabled").
func (s *Scheduler) GetPrometheusMetrics(ctx context.Context) (string, error) {
	if !s.metrics.Enabled() {
		return "", nil
	}
	m, err := s.metrics.Scrape(ctx, metrics.ScrapeCluster)
	if err != nil {
		return "", err
	}
	return metrics.RenderPrometheus(m), nil
}

func decodeQueryRecord(doc store.Doc) task.Record {
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
	if v, ok := doc["lastError"].(string); ok {
		rec.LastError = v
	}
	return rec
}
