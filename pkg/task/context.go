package task

import "github.com/swarmguard/reactivetask/internal/store"

// Context is the handler-facing view of one locked task record (spec.md
// §4.7 "Worker: context construction"). It is built by pkg/worker, which is
// the only package with everything needed to wire its closures: the
// repository (for GetDocument's optimistic-lock re-check and the
// defer/throttle/markCompleted persistence calls) and the workerpool (for
// ThrottleAll's poll-interval hint). pkg/task itself stays free of those
// dependencies except for store.SessionContext (spec.md §4.7's
// markCompleted(opts?) session parameter), so Context is defined here as
// plain data plus function fields rather than an interface implemented
// elsewhere — it is a value Worker constructs fresh for every run, not a
// service with its own lifecycle.
type Context struct {
	// TaskName is the definition this run belongs to.
	TaskName string
	// SourceDocID is the _id of the document that triggered this run.
	SourceDocID string
	// Record is the task record as locked (status already "processing").
	Record Record
	// Attempt is Record.Attempts after this run's increment (1-based).
	Attempt int

	// getDocument re-fetches the source document and re-validates the
	// predicate and watched-values signature against LastObservedValues.
	// Returns ErrTaskConditionFailed if the document is gone or no longer
	// matches or changed underneath the handler.
	getDocument func() (Document, error)

	// deferCurrent reschedules this run without counting it as a failure
	// (spec.md §4.7 deferCurrent): nextRunAt is pushed out by the given
	// delay and the record returns to pending without incrementing Attempts.
	deferCurrent func(delayMs int64) error

	// throttleAll asks the owning worker pool to slow its polling of this
	// task's collection for the given duration (spec.md §4.6 throttleAll) —
	// used by handlers that detect they are hitting a downstream rate limit.
	throttleAll func(forMs int64)

	// markCompleted lets a handler finalize the run as a success before it
	// returns. The Worker's implementation ignores lastObserved: the record
	// keeps the watched-values snapshot from planning time. sc is nil
	// unless the handler calls MarkCompleted from inside a WithTransaction
	// callback, in which case finalization is folded into that same
	// transaction (spec.md §4.7 "markCompleted(opts?)").
	markCompleted func(lastObserved Document, sc store.SessionContext) error

	// withTransaction runs fn inside a store transaction (or the bolt
	// backend's single critical section) and returns its result, giving
	// the handler a store.SessionContext to pass to MarkCompleted so its
	// own writes and the success-finalization commit together.
	withTransaction func(fn func(sc store.SessionContext) (any, error)) (any, error)
}

// NewContext constructs a Context. Worker is the only intended caller;
// exported so pkg/worker (which cannot be imported back into pkg/task) can
// build one.
func NewContext(
	taskName, sourceDocID string,
	record Record,
	attempt int,
	getDocument func() (Document, error),
	deferCurrent func(delayMs int64) error,
	throttleAll func(forMs int64),
	withTransaction func(fn func(sc store.SessionContext) (any, error)) (any, error),
	markCompleted func(lastObserved Document, sc store.SessionContext) error,
) *Context {
	return &Context{
		TaskName:        taskName,
		SourceDocID:     sourceDocID,
		Record:          record,
		Attempt:         attempt,
		getDocument:     getDocument,
		deferCurrent:    deferCurrent,
		throttleAll:     throttleAll,
		withTransaction: withTransaction,
		markCompleted:   markCompleted,
	}
}

// GetDocument re-fetches and re-validates the source document, returning
// ErrTaskConditionFailed if it no longer qualifies (spec.md §4.7).
func (c *Context) GetDocument() (Document, error) {
	if c.getDocument == nil {
		return nil, ErrTaskConditionFailed
	}
	return c.getDocument()
}

// DeferCurrent reschedules the current run without penalizing it as a
// failed attempt.
func (c *Context) DeferCurrent(delayMs int64) error {
	if c.deferCurrent == nil {
		return nil
	}
	return c.deferCurrent(delayMs)
}

// ThrottleAll asks the worker pool to back off polling this task's source
// collection for forMs.
func (c *Context) ThrottleAll(forMs int64) {
	if c.throttleAll != nil {
		c.throttleAll(forMs)
	}
}

// MarkCompleted finalizes the run early as a success. lastObserved is passed
// to the Worker, which does not persist it: the record's watched-values
// snapshot stays the one computed at planning time. An optional session, obtained from
// WithTransaction, folds the finalize write into the handler's own
// transaction (spec.md §4.7 "markCompleted(opts?)"); passing none finalizes
// outside any transaction, as before.
func (c *Context) MarkCompleted(lastObserved Document, session ...store.SessionContext) error {
	if c.markCompleted == nil {
		return nil
	}
	var sc store.SessionContext
	if len(session) > 0 {
		sc = session[0]
	}
	return c.markCompleted(lastObserved, sc)
}

// WithTransaction runs fn inside a store transaction (a multi-document
// Mongo transaction, or the bolt backend's coarse mutex section), and
// returns its result. Handlers that need their own writes to commit
// atomically with the task record's finalize call WithTransaction, issue
// their writes, then call MarkCompleted(lastObserved, sc) with the sc fn
// received.
func (c *Context) WithTransaction(fn func(sc store.SessionContext) (any, error)) (any, error) {
	if c.withTransaction == nil {
		return fn(nil)
	}
	return c.withTransaction(fn)
}
