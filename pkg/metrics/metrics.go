// Package metrics implements the MetricsCollector component (spec.md §4.8):
// per-instance counters/histograms keyed by task name, flushed into a
// shared registry document under this instance's id, with leader-only
// staleness pruning and global (queue-depth/lag) computation. Scrape modes
// mirror spec.md §4.8: "local" returns this instance's numbers plus
// leader-computed globals; "cluster" aggregates every live instance.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/reactivetask/internal/otelinit"
	"github.com/swarmguard/reactivetask/internal/store"
)

// ScrapeMode selects how Scrape aggregates across instances.
type ScrapeMode string

const (
	ScrapeLocal   ScrapeMode = "local"
	ScrapeCluster ScrapeMode = "cluster"
)

// staleAfter matches spec.md §4.8: "the leader prunes stale entries
// (lastSeen < now - 10s)".
const staleAfter = 10 * time.Second

// TaskCounters is one task's local counters, mirrored into the shared
// registry document on every Flush.
type TaskCounters struct {
	SuccessCount    int64   `json:"successCount"`
	FailedCount     int64   `json:"failedCount"`
	DurationSumMs   float64 `json:"durationSumMs"`
	DurationCount   int64   `json:"durationCount"`
	RetryCount      int64   `json:"retryCount"`
	QueueDepth      int64   `json:"queueDepth,omitempty"`      // leader-only
	GlobalLagMs     float64 `json:"globalLagMs,omitempty"`     // leader-only
	StreamLagMs     float64 `json:"streamLagMs,omitempty"`
	LastReconciled  *time.Time `json:"lastReconciled,omitempty"`
}

func (c TaskCounters) avgDurationMs() float64 {
	if c.DurationCount == 0 {
		return 0
	}
	return c.DurationSumMs / float64(c.DurationCount)
}

// Snapshot is one instance's registry-document payload.
type Snapshot struct {
	InstanceID string                  `json:"instanceId"`
	LastSeen   time.Time               `json:"lastSeen"`
	Tasks      map[string]TaskCounters `json:"tasks"`
}

// Collector aggregates this instance's metrics and flushes them to the
// shared registry document. A nil-receiver-safe Enabled() check lets the
// Scheduler honor spec.md §4.8's "returns null when monitoring is disabled".
type Collector struct {
	store          store.Store
	metaCollection string
	instanceID     string
	enabled        bool
	isLeader       func() bool
	instruments    otelinit.Instruments
	logger         *slog.Logger

	mu    sync.Mutex
	tasks map[string]*TaskCounters

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Collector. isLeader reports whether this instance currently
// holds the LeaderElector lease (for queue-depth/global-lag computation and
// stale-entry pruning, both leader-only per spec.md §4.8).
func New(s store.Store, metaCollection, instanceID string, enabled bool, isLeader func() bool, instruments otelinit.Instruments, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if isLeader == nil {
		isLeader = func() bool { return false }
	}
	return &Collector{
		store: s, metaCollection: metaCollection, instanceID: instanceID,
		enabled: enabled, isLeader: isLeader, instruments: instruments, logger: logger,
		tasks: make(map[string]*TaskCounters),
	}
}

// Enabled reports whether monitoring is active.
func (c *Collector) Enabled() bool { return c != nil && c.enabled }

func (c *Collector) counters(task string) *TaskCounters {
	tc, ok := c.tasks[task]
	if !ok {
		tc = &TaskCounters{}
		c.tasks[task] = tc
	}
	return tc
}

// RecordExecution records one handler run's outcome and duration, mirroring
// into the OTel histogram/counters alongside the local snapshot.
func (c *Collector) RecordExecution(ctx context.Context, taskName string, success bool, durationMs int64) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	tc := c.counters(taskName)
	if success {
		tc.SuccessCount++
	} else {
		tc.FailedCount++
	}
	tc.DurationSumMs += float64(durationMs)
	tc.DurationCount++
	c.mu.Unlock()

	if c.instruments.TaskDuration != nil {
		c.instruments.TaskDuration.Record(ctx, float64(durationMs))
	}
	if !success && c.instruments.TaskFailures != nil {
		c.instruments.TaskFailures.Add(ctx, 1)
	}
}

// RecordRetry increments taskName's retry counter.
func (c *Collector) RecordRetry(ctx context.Context, taskName string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	c.counters(taskName).RetryCount++
	c.mu.Unlock()
	if c.instruments.TaskRetries != nil {
		c.instruments.TaskRetries.Add(ctx, 1)
	}
}

// RecordReconciliation timestamps taskName's most recent reconciliation pass.
func (c *Collector) RecordReconciliation(taskName string, at time.Time) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	c.counters(taskName).LastReconciled = &at
	c.mu.Unlock()
}

// RecordStreamLag records the change-stream's current observed lag for the
// source collection feeding taskName.
func (c *Collector) RecordStreamLag(taskName string, lagMs float64) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	c.counters(taskName).StreamLagMs = lagMs
	c.mu.Unlock()
}

// SetGlobalStats installs this tick's leader-only queue-depth/global-lag
// numbers (spec.md §4.8), computed by the Scheduler from Repository.GetStatistics.
func (c *Collector) SetGlobalStats(taskName string, queueDepth int64, globalLagMs float64) {
	if !c.Enabled() || !c.isLeader() {
		return
	}
	c.mu.Lock()
	tc := c.counters(taskName)
	tc.QueueDepth = queueDepth
	tc.GlobalLagMs = globalLagMs
	c.mu.Unlock()
	if c.instruments.QueueDepth != nil {
		c.instruments.QueueDepth.Record(context.Background(), queueDepth)
	}
}

// snapshotLocked builds a deep copy of the local counters under lock.
func (c *Collector) snapshotLocked() map[string]TaskCounters {
	out := make(map[string]TaskCounters, len(c.tasks))
	for k, v := range c.tasks {
		out[k] = *v
	}
	return out
}

// Flush writes this instance's local snapshot into the shared registry
// document under its own instance id with lastSeen (spec.md §4.8).
func (c *Collector) Flush(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	c.mu.Lock()
	snap := Snapshot{InstanceID: c.instanceID, LastSeen: time.Now(), Tasks: c.snapshotLocked()}
	c.mu.Unlock()

	doc := store.Doc{"_id": "metrics::" + c.instanceID, "instanceId": snap.InstanceID, "lastSeen": snap.LastSeen, "tasks": tasksToDoc(snap.Tasks)}
	filter := store.Doc{"_id": doc["_id"]}
	update := store.Doc{"$set": doc}
	_, err := c.store.Collection(c.metaCollection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{Upsert: true})
	return err
}

func tasksToDoc(tasks map[string]TaskCounters) store.Doc {
	out := store.Doc{}
	for name, tc := range tasks {
		out[name] = store.Doc{
			"successCount": tc.SuccessCount, "failedCount": tc.FailedCount,
			"durationSumMs": tc.DurationSumMs, "durationCount": tc.DurationCount,
			"retryCount": tc.RetryCount, "queueDepth": tc.QueueDepth,
			"globalLagMs": tc.GlobalLagMs, "streamLagMs": tc.StreamLagMs,
			"lastReconciled": tc.LastReconciled,
		}
	}
	return out
}

// PruneStale deletes registry entries whose lastSeen predates staleAfter;
// a no-op unless this instance is leader (spec.md §4.8).
func (c *Collector) PruneStale(ctx context.Context) error {
	if !c.Enabled() || !c.isLeader() {
		return nil
	}
	cutoff := time.Now().Add(-staleAfter)
	_, err := c.store.Collection(c.metaCollection).DeleteMany(ctx, store.Doc{
		"_id":      store.Doc{"$regex": "^metrics::"},
		"lastSeen": store.Doc{"$lt": cutoff},
	})
	return err
}

// Start launches the periodic flush+prune loop at the given interval.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := c.Flush(ctx); err != nil {
					c.logger.Warn("metrics flush failed", "error", err)
				}
				if err := c.PruneStale(ctx); err != nil {
					c.logger.Warn("metrics prune failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the periodic loop. Idempotent.
func (c *Collector) Stop() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	stopCh := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	c.wg.Wait()
}

// Scrape implements getReactiveTaskInfo()'s metrics half (spec.md §4.8):
// "local" merges this instance's own numbers with leader-computed globals;
// "cluster" sums counters and merges histograms across every live instance
// found in the registry.
func (c *Collector) Scrape(ctx context.Context, mode ScrapeMode) (map[string]TaskCounters, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if mode == ScrapeLocal {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.snapshotLocked(), nil
	}

	cur, err := c.store.Collection(c.metaCollection).FindMany(ctx, store.Doc{"_id": store.Doc{"$regex": "^metrics::"}}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	merged := make(map[string]TaskCounters)
	for cur.Next(ctx) {
		var doc store.Doc
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		tasksRaw, _ := doc["tasks"].(store.Doc)
		for name, raw := range tasksRaw {
			td, ok := raw.(store.Doc)
			if !ok {
				continue
			}
			acc := merged[name]
			acc.SuccessCount += toInt64(td["successCount"])
			acc.FailedCount += toInt64(td["failedCount"])
			acc.DurationSumMs += toFloat64(td["durationSumMs"])
			acc.DurationCount += toInt64(td["durationCount"])
			acc.RetryCount += toInt64(td["retryCount"])
			if q := toInt64(td["queueDepth"]); q > acc.QueueDepth {
				acc.QueueDepth = q
			}
			if l := toFloat64(td["globalLagMs"]); l > acc.GlobalLagMs {
				acc.GlobalLagMs = l
			}
			merged[name] = acc
		}
	}
	return merged, cur.Err()
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// RenderPrometheus formats a scraped snapshot as Prometheus text exposition
// format for getPrometheusMetrics().
func RenderPrometheus(tasks map[string]TaskCounters) string {
	names := make([]string, 0, len(tasks))
	for n := range tasks {
		names = append(names, n)
	}
	sort.Strings(names)

	out := ""
	out += "# HELP reactivetask_executions_total Total task executions by status\n"
	out += "# TYPE reactivetask_executions_total counter\n"
	for _, n := range names {
		tc := tasks[n]
		out += fmt.Sprintf("reactivetask_executions_total{task=%q,status=\"success\"} %d\n", n, tc.SuccessCount)
		out += fmt.Sprintf("reactivetask_executions_total{task=%q,status=\"failed\"} %d\n", n, tc.FailedCount)
	}
	out += "# HELP reactivetask_execution_duration_ms_avg Average execution duration\n"
	out += "# TYPE reactivetask_execution_duration_ms_avg gauge\n"
	for _, n := range names {
		out += fmt.Sprintf("reactivetask_execution_duration_ms_avg{task=%q} %f\n", n, tasks[n].avgDurationMs())
	}
	out += "# HELP reactivetask_retries_total Total retry attempts\n"
	out += "# TYPE reactivetask_retries_total counter\n"
	for _, n := range names {
		out += fmt.Sprintf("reactivetask_retries_total{task=%q} %d\n", n, tasks[n].RetryCount)
	}
	out += "# HELP reactivetask_queue_depth Pending task count (leader-observed)\n"
	out += "# TYPE reactivetask_queue_depth gauge\n"
	for _, n := range names {
		out += fmt.Sprintf("reactivetask_queue_depth{task=%q} %d\n", n, tasks[n].QueueDepth)
	}
	out += "# HELP reactivetask_global_lag_ms now minus oldest pending dueAt (leader-observed)\n"
	out += "# TYPE reactivetask_global_lag_ms gauge\n"
	for _, n := range names {
		out += fmt.Sprintf("reactivetask_global_lag_ms{task=%q} %f\n", n, tasks[n].GlobalLagMs)
	}
	return out
}
