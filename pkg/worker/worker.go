// Package worker implements the Worker component (spec.md §4.7): drives one
// locked task record to completion, running its lock renewer, constructing
// the handler's *task.Context, invoking the handler through an optional
// task-caller middleware, and finalizing through the Repository.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/reactivetask/internal/collab"
	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/filter"
	"github.com/swarmguard/reactivetask/pkg/repository"
	"github.com/swarmguard/reactivetask/pkg/retry"
	"github.com/swarmguard/reactivetask/pkg/task"
)

// TaskCaller is middleware wrapping every handler invocation (spec.md §4.7
// "task-caller"); the default is identity.
type TaskCaller func(next task.Handler) task.Handler

func identityCaller(next task.Handler) task.Handler { return next }

// SourceDocFetcher re-fetches and re-validates a source document against
// the predicate, watch projection, and the signature captured at planning
// time, returning task.ErrTaskConditionFailed if it no longer qualifies.
type SourceDocFetcher func(ctx context.Context, sourceCollection, sourceDocID string, predicate *filter.Compiled, projection *filter.Projection, watched task.Document) (task.Document, error)

// Worker runs one definition's handler over locked records.
type Worker struct {
	repo              *repository.Repository
	strategy          *retry.Strategy
	definition        task.Definition
	sourceCollection  string
	fetch             SourceDocFetcher
	caller            TaskCaller
	visibilityTimeout time.Duration
	throttleAll       func(forMs int64)
	sinks             task.Sinks
	logger            *slog.Logger
	predicate         *filter.Compiled
	projection        *filter.Projection
	onComplete        func(success bool, durationMs int64)
}

// New builds a Worker for one task definition. onComplete, if non-nil, is
// called once per Run with the outcome for metrics (pkg/metrics
// RecordExecution); a nil onComplete disables this.
func New(
	repo *repository.Repository,
	strategy *retry.Strategy,
	def task.Definition,
	sourceCollection string,
	fetch SourceDocFetcher,
	caller TaskCaller,
	visibilityTimeout time.Duration,
	throttleAll func(forMs int64),
	sinks task.Sinks,
	logger *slog.Logger,
	onComplete func(success bool, durationMs int64),
) *Worker {
	if caller == nil {
		caller = identityCaller
	}
	if logger == nil {
		logger = slog.Default()
	}
	predicate, _ := filter.NewCompiler().CompilePredicate(def.Predicate)
	projection, _ := filter.NewProjectionCompiler().CompileWatchProjection(def.WatchProjection)
	return &Worker{
		repo: repo, strategy: strategy, definition: def, sourceCollection: sourceCollection,
		fetch: fetch, caller: caller, visibilityTimeout: visibilityTimeout,
		throttleAll: throttleAll, sinks: sinks, logger: logger, predicate: predicate, projection: projection,
		onComplete: onComplete,
	}
}

type runOutcome struct {
	deferred   bool
	deferDelay time.Duration
	completed  bool
	lastErr    error
}

// Run processes one already-locked record to completion (spec.md §4.7
// steps 1-7): starts the lock renewer, builds the handler context, invokes
// the handler through the configured TaskCaller, and finalizes or defers
// through the Repository, always stopping the renewer first.
func (w *Worker) Run(ctx context.Context, rec task.Record) {
	startedAt := time.Now()
	renewCtx, cancelRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go w.renewLock(renewCtx, rec.ID, renewDone)

	outcome := &runOutcome{}
	tc := task.NewContext(
		w.definition.Name, rec.SourceDocID, rec, rec.Attempts,
		func() (task.Document, error) {
			return w.fetch(ctx, w.sourceCollection, rec.SourceDocID, w.predicate, w.projection, rec.LastObservedValues)
		},
		func(delayMs int64) error {
			outcome.deferred = true
			outcome.deferDelay = time.Duration(delayMs) * time.Millisecond
			return nil
		},
		func(forMs int64) {
			if w.throttleAll != nil {
				w.throttleAll(forMs)
			}
		},
		func(fn func(sc store.SessionContext) (any, error)) (any, error) {
			return w.repo.WithTransaction(ctx, fn)
		},
		func(lastObserved task.Document, sc store.SessionContext) error {
			outcome.completed = true
			err := w.repo.FinalizeTask(ctx, rec, w.strategy, nil, w.definition.DebounceMs, w.definition.ExecutionHistoryLimit, sc)
			if err != nil {
				return err
			}
			logFinished := func() {
				w.sinks.Info(task.NewInfo(task.CodeReactiveTaskFinished, "task finished", map[string]any{
					"task": w.definition.Name, "sourceDocId": rec.SourceDocID,
				}))
			}
			if sc != nil {
				// Defer the log until the enclosing transaction actually
				// commits — a handler mid-transaction can still abort after
				// calling MarkCompleted.
				collab.RegisterPostCommitHook(sc, logFinished)
			} else {
				logFinished()
			}
			return nil
		},
	)

	w.sinks.Info(task.NewInfo(task.CodeReactiveTaskStarted, "task started", map[string]any{
		"task": w.definition.Name, "sourceDocId": rec.SourceDocID, "attempt": rec.Attempts,
	}))

	handler := w.caller(w.definition.Handler)
	runErr := handler(tc)

	cancelRenew()
	<-renewDone

	outcome.lastErr = runErr
	w.finish(ctx, rec, outcome)

	if w.onComplete != nil {
		success := runErr == nil || task.IsTaskConditionFailed(runErr)
		w.onComplete(success, time.Since(startedAt).Milliseconds())
	}
}

func (w *Worker) finish(ctx context.Context, rec task.Record, outcome *runOutcome) {
	switch {
	case outcome.completed:
		// markCompleted already finalized inline; deferCurrent after that is
		// a no-op per spec.md §4.7 step 4.
		return
	case outcome.deferred:
		if err := w.repo.DeferTask(ctx, rec.ID, outcome.deferDelay); err != nil {
			w.sinks.Error(err)
		}
		return
	case task.IsTaskConditionFailed(outcome.lastErr):
		w.sinks.Info(task.NewInfo(task.CodeReactiveTaskFinished, "task skipped: condition no longer holds", map[string]any{
			"task": w.definition.Name, "sourceDocId": rec.SourceDocID,
		}))
		if err := w.repo.FinalizeTask(ctx, rec, w.strategy, nil, w.definition.DebounceMs, w.definition.ExecutionHistoryLimit, nil); err != nil {
			w.sinks.Error(err)
		}
		return
	case outcome.lastErr != nil:
		w.sinks.Info(task.NewInfo(task.CodeReactiveTaskFailed, "task failed", map[string]any{
			"task": w.definition.Name, "sourceDocId": rec.SourceDocID, "error": outcome.lastErr.Error(),
		}))
		wrapped := &task.HandlerError{Task: w.definition.Name, SourceDocID: rec.SourceDocID, Err: outcome.lastErr}
		if err := w.repo.FinalizeTask(ctx, rec, w.strategy, wrapped, w.definition.DebounceMs, w.definition.ExecutionHistoryLimit, nil); err != nil {
			w.sinks.Error(err)
		}
		return
	default:
		w.sinks.Info(task.NewInfo(task.CodeReactiveTaskFinished, "task finished", map[string]any{
			"task": w.definition.Name, "sourceDocId": rec.SourceDocID,
		}))
		if err := w.repo.FinalizeTask(ctx, rec, w.strategy, nil, w.definition.DebounceMs, w.definition.ExecutionHistoryLimit, nil); err != nil {
			w.sinks.Error(err)
		}
	}
}

// renewLock advances the record's visibility timeout every
// visibilityTimeout/5 while the handler runs (spec.md §4.7 step 1).
// Failures are reported, never abort the handler.
func (w *Worker) renewLock(ctx context.Context, recordID string, done chan struct{}) {
	defer close(done)
	interval := w.visibilityTimeout / 5
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.RenewLock(context.Background(), recordID, w.visibilityTimeout); err != nil {
				w.sinks.Error(&task.StoreTransientError{Op: "renewLock", Err: err})
			}
		}
	}
}
