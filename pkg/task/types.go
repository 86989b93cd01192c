// Package task defines the reactive task subsystem's shared domain model:
// task definitions, task records, and the status/evolution/cleanup enums
// spec.md §3 describes. It is intentionally dependency-light (no OTel, and
// only store.SessionContext from internal/store) so every other package — filter, retry, repository, planner,
// leader, workerpool, worker, metrics, and the reactivetask facade — can
// import it without a cycle.
package task

import "time"

// Status is a task record's lifecycle state (spec.md §3 invariant 2-4).
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusProcessingDirty Status = "processing_dirty"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// IsTerminal reports whether nextRunAt must be nil for this status
// (invariant 4).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HandlerVersionChangePolicy controls what happens to existing records when
// a task definition's HandlerVersion changes (spec.md §4.4 "Evolution policies").
type HandlerVersionChangePolicy string

const (
	OnVersionChangeNone            HandlerVersionChangePolicy = "none"
	OnVersionChangeReprocessFailed HandlerVersionChangePolicy = "reprocess_failed"
	OnVersionChangeReprocessAll    HandlerVersionChangePolicy = "reprocess_all"
)

// DeleteWhen controls orphan cleanup eligibility (spec.md §4.3 deleteOrphanedTasks).
type DeleteWhen string

const (
	DeleteNever                               DeleteWhen = "never"
	DeleteSourceDocumentDeleted                DeleteWhen = "sourceDocumentDeleted"
	DeleteSourceDocumentDeletedOrNoLongerMatch DeleteWhen = "sourceDocumentDeletedOrNoLongerMatching"
)

// CleanupPolicy bundles the orphan-deletion knobs for one task definition.
type CleanupPolicy struct {
	DeleteWhen DeleteWhen
	KeepForMs  int64
}

// Document is a loosely typed store document — the lowest common
// denominator between the Mongo and bolt store backends, and the shape the
// filter compiler and projection compiler both operate on.
type Document = map[string]any

// Handler is the user-supplied function invoked for one locked task record.
// Returning TaskConditionFailed (via errors.Is) is treated as a skip, not a
// failure (spec.md §7).
type Handler func(ctx *Context) error

// Definition is a registered task definition (spec.md §3 "Task definition").
type Definition struct {
	Name                 string
	SourceCollection     string
	TasksCollection      string // defaults to "{source}_tasks" if empty
	Predicate            any    // query-form or expression-form filter, pre-compile
	WatchProjection       any    // projection mapping, pre-compile
	DebounceMs           int64
	Retry                RetryPolicy
	Handler              Handler
	HandlerVersion       string
	OnHandlerVersionChange HandlerVersionChangePolicy
	ReconcileOnTriggerChange bool
	Cleanup              CleanupPolicy
	ExecutionHistoryLimit int // default 5

	// ResetRetriesOnDataChange controls the processing -> processing_dirty
	// transition (spec.md §4.4): when true, a data change observed while a
	// record is in flight also resets attempts to 0 and clears
	// firstErrorAt/lastError, so the forced follow-up run starts with a
	// clean retry budget instead of inheriting the in-flight run's attempt
	// count.
	ResetRetriesOnDataChange bool
}

// RetryPolicy is the pure configuration consumed by the retry strategy
// (spec.md §4.2). Exactly one of the kind-specific fields is meaningful,
// selected by Kind.
type RetryPolicy struct {
	Kind RetryKind

	// fixed / linear / exponential
	Interval    time.Duration
	MaxAttempts int
	MaxDuration time.Duration

	// exponential
	Min    time.Duration
	Max    time.Duration
	Factor float64

	// series
	Intervals []time.Duration

	// cron
	CronExpression string
}

// RetryKind selects which retry arithmetic applies (spec.md §4.2).
type RetryKind string

const (
	RetryFixed       RetryKind = "fixed"
	RetryLinear      RetryKind = "linear"
	RetryExponential RetryKind = "exponential"
	RetrySeries      RetryKind = "series"
	RetryCron        RetryKind = "cron"
)

// ExecutionHistoryEntry is one bounded entry in Record.ExecutionHistory.
type ExecutionHistoryEntry struct {
	At         time.Time `json:"at" bson:"at"`
	Status     Status    `json:"status" bson:"status"`
	DurationMs int64     `json:"durationMs" bson:"durationMs"`
	Error      string    `json:"error,omitempty" bson:"error,omitempty"`
}

// LastSuccess records the most recent successful run (spec.md §3).
type LastSuccess struct {
	At         time.Time `json:"at" bson:"at"`
	DurationMs int64     `json:"durationMs" bson:"durationMs"`
}

// Record is one persisted task record, spec.md §3's "Task record".
type Record struct {
	ID           string `json:"_id" bson:"_id"`
	Task         string `json:"task" bson:"task"`
	SourceDocID  string `json:"sourceDocId" bson:"sourceDocId"`

	Status    Status     `json:"status" bson:"status"`
	NextRunAt *time.Time `json:"nextRunAt" bson:"nextRunAt"`
	DueAt     *time.Time `json:"dueAt" bson:"dueAt"`

	CreatedAt       time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt" bson:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	LastFinalizedAt *time.Time `json:"lastFinalizedAt,omitempty" bson:"lastFinalizedAt,omitempty"`

	Attempts     int        `json:"attempts" bson:"attempts"`
	FirstErrorAt *time.Time `json:"firstErrorAt,omitempty" bson:"firstErrorAt,omitempty"`
	LastError    string     `json:"lastError,omitempty" bson:"lastError,omitempty"`
	LastSuccess  *LastSuccess `json:"lastSuccess,omitempty" bson:"lastSuccess,omitempty"`

	ExecutionHistory []ExecutionHistoryEntry `json:"executionHistory,omitempty" bson:"executionHistory,omitempty"`

	LastObservedValues Document `json:"lastObservedValues,omitempty" bson:"lastObservedValues,omitempty"`

	HandlerVersion string `json:"handlerVersion,omitempty" bson:"handlerVersion,omitempty"`
}

// RecordID deterministically derives the task record's _id from the
// (task, sourceDocId) pair so upserts are naturally idempotent.
func RecordID(taskName, sourceDocID string) string {
	return taskName + "::" + sourceDocID
}
