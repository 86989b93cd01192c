// Package store is the document-store abstraction the reactive task core is
// built against (spec.md §6's "document store" external collaborator). Two
// backends implement it: internal/store/mongostore (production, backed by
// go.mongodb.org/mongo-driver) and internal/store/boltstore (embedded,
// single-instance, for tests and small deployments).
//
// The interface stays close to what Mongo itself exposes — collections,
// atomic find-and-modify, raw aggregation pipelines, change streams, and
// sessions — because spec.md's Repository and Planner are specified in
// terms of those primitives directly (partial/TTL indexes, $merge,
// $lookup, resumable change streams). A backend that cannot honor a given
// primitive (the bolt backend has no oplog, so Watch is unsupported) says so
// through a typed error rather than silently degrading.
package store

import (
	"context"
	"errors"
	"time"
)

// Doc is a loosely typed document — a stand-in for bson.M that keeps this
// package backend-agnostic.
type Doc = map[string]any

// ErrNoDocuments is returned by FindOneAndUpdate when no document matched
// the filter (mirrors mongo.ErrNoDocuments).
var ErrNoDocuments = errors.New("store: no documents matched")

// ErrUnsupported is returned by backends for operations they cannot honor
// (e.g. Watch on the bolt backend, which has no change-notification source).
var ErrUnsupported = errors.New("store: operation unsupported by this backend")

// SortDirection orders a single field in an index or a find/find-and-modify sort.
type SortDirection int

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// IndexField names one field of a compound index and its sort direction.
type IndexField struct {
	Field     string
	Direction SortDirection
}

// IndexSpec describes one index to create if missing (spec.md §4.3).
type IndexSpec struct {
	Name string
	Keys []IndexField
	// Unique enforces uniqueness across Keys.
	Unique bool
	// PartialFilter restricts the index to documents matching this filter
	// (e.g. {nextRunAt: {$type: "date"}}) — keeps the polling index's
	// working set small per spec.md §4.3.
	PartialFilter Doc
	// TTLSeconds, if > 0, makes this a TTL index on the single field in Keys.
	TTLSeconds int64
}

// FindOneAndUpdateOptions controls FindOneAndUpdate's selection and return value.
type FindOneAndUpdateOptions struct {
	Sort           Doc
	Upsert         bool
	ReturnNewDoc   bool
}

// UpdateResult reports how many documents an update touched.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
}

// FindOptions controls FindMany's selection.
type FindOptions struct {
	Sort  Doc
	Limit int64
}

// Cursor iterates over a query or aggregation result set.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(out *Doc) error
	Err() error
	Close(ctx context.Context) error
}

// ChangeEvent is the trimmed shape the Planner's change-stream pre-filter
// and projection keep (spec.md §4.4): just enough to look up the affected
// document, never the full delta.
type ChangeEvent struct {
	ID            Doc
	OperationType string
	Namespace     string
	DocumentKey   Doc
	ClusterTime   time.Time
}

// ChangeStream is a resumable stream of ChangeEvents over one collection.
type ChangeStream interface {
	Next(ctx context.Context) bool
	Decode() (ChangeEvent, error)
	ResumeToken() Doc
	Err() error
	Close(ctx context.Context) error
}

// ChangeStreamError wraps a change-stream failure that carries a server
// error code, so callers can recognize code 280 ("history lost") without
// importing a backend-specific driver type (spec.md §4.4).
type ChangeStreamError struct {
	Code int
	Err  error
}

func (e *ChangeStreamError) Error() string { return e.Err.Error() }
func (e *ChangeStreamError) Unwrap() error { return e.Err }

// SessionContext is passed into a WithTransaction callback so collaborator
// code (collab.WithTransaction, Worker.markCompleted) can issue operations
// inside the same transaction.
type SessionContext interface {
	context.Context
}

// Collection is the per-collection surface a backend exposes.
type Collection interface {
	FindOneAndUpdate(ctx context.Context, filter, update Doc, opts FindOneAndUpdateOptions) (Doc, error)
	FindOne(ctx context.Context, filter Doc) (Doc, error)
	FindMany(ctx context.Context, filter Doc, opts FindOptions) (Cursor, error)
	UpdateOne(ctx context.Context, filter, update Doc) (UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update Doc) (UpdateResult, error)
	DeleteMany(ctx context.Context, filter Doc) (int64, error)
	CountDocuments(ctx context.Context, filter Doc) (int64, error)
	EnsureIndexes(ctx context.Context, indexes []IndexSpec) error
	Watch(ctx context.Context, resumeToken Doc) (ChangeStream, error)
}

// PlannedRecord is one task-record upsert the Planner computed for a
// changed source document (spec.md §4.4). The mongostore backend folds a
// batch of these into a single $merge aggregation pipeline with a
// whenMatched update-if-changed condition; the boltstore backend applies
// them as ordinary read-modify-write upserts inside its single mutex
// critical section. Both must honor the same semantics: requeue a record
// only when its watched signature changed (or the handler-version policy
// asks for a rerun), and leave an in-flight record's nextRunAt alone,
// moving it to processing_dirty instead.
type PlannedRecord struct {
	ID                 string
	Task               string
	SourceDocID        string
	DueAt              time.Time
	DebounceMs         int64
	WatchedValues      Doc
	StillMatches       bool
	HandlerVersion     string
	OnVersionChange    string // "none" | "reprocess_failed" | "reprocess_all", mirrors task.HandlerVersionChangePolicy

	// ResetRetriesOnDataChange mirrors task.Definition's field of the same
	// name: when a data change arrives while the record is processing or
	// processing_dirty, both backends reset attempts to 0 and clear
	// firstErrorAt/lastError if this is true, otherwise they leave the
	// retry bookkeeping untouched across the forced follow-up run.
	ResetRetriesOnDataChange bool
}

// UpsertSummary reports how a batch of PlannedRecords landed.
type UpsertSummary struct {
	Matched  int64
	Inserted int64
	Touched  int64 // existing records requeued: made pending with a new nextRunAt, or moved to processing_dirty
}

// OrphanCandidate is a task record whose source document appears gone or
// no longer matching, pending cleanup.DeleteWhen / KeepForMs confirmation
// by the caller (spec.md §4.3 deleteOrphanedTasks).
type OrphanCandidate struct {
	RecordID        string
	Task            string
	SourceDocID     string
	SourceExists    bool
	SourceStillMatches bool
	LastFinalizedAt *time.Time
}

// Statistics is the getStatistics()/getReactiveTaskInfo() summary (spec.md §6).
type Statistics struct {
	ByTaskAndStatus map[string]map[string]int64 // task -> status -> count
	OldestPending   map[string]*time.Time       // task -> oldest pending dueAt
	TotalErrors     map[string]int64            // task -> count with lastError set
}

// Store is the top-level document-store handle.
type Store interface {
	Collection(name string) Collection
	// WithTransaction runs fn inside a multi-document transaction (Mongo)
	// or a single coarse-grained mutex critical section (bolt), retrying
	// on transient transaction errors per the backend's own policy.
	WithTransaction(ctx context.Context, fn func(sc SessionContext) (any, error)) (any, error)

	// UpsertPlannedRecords applies a batch of planning decisions atomically
	// per record (spec.md §4.4's $merge semantics).
	UpsertPlannedRecords(ctx context.Context, tasksCollection string, plans []PlannedRecord) (UpsertSummary, error)
	// FindOrphanCandidates lists finalized task records with whether their
	// source document still exists, for deleteOrphanedTasks. Both backends
	// set SourceStillMatches equal to SourceExists; the task predicate is
	// not evaluated.
	FindOrphanCandidates(ctx context.Context, tasksCollection, sourceCollection string, olderThan time.Time, limit int) ([]OrphanCandidate, error)
	// AggregateStatistics computes per-task/status counts for getStatistics.
	AggregateStatistics(ctx context.Context, tasksCollection string, taskNames []string) (Statistics, error)

	// Backend names the active implementation ("mongo" or "bolt"), surfaced
	// through getReactiveTaskInfo() (SPEC_FULL.md §12).
	Backend() string
	Close(ctx context.Context) error
}
