// Package planner implements the Planner component (spec.md §4.4): the
// change-stream ingestor, planning aggregation, and reconciliation loop
// that turn source-document mutations into task records. It runs only on
// the LeaderElector's current leader; workers keep running under any
// instance regardless of leadership.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/reactivetask/internal/natswake"
	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/filter"
	"github.com/swarmguard/reactivetask/pkg/repository"
	"github.com/swarmguard/reactivetask/pkg/task"

	nats "github.com/nats-io/nats.go"
)

// Binding is one registered task definition plus its compiled filter forms
// and its own Repository, grouped by source collection so a single change
// stream fans out to every task watching that collection.
type Binding struct {
	Definition task.Definition
	Predicate  *filter.Compiled
	Projection *filter.Projection
	Repo       *repository.Repository
}

// SpeedUpFunc resets a source collection's worker-pool backoff whenever the
// Planner observes or produces a change for it (spec.md §4.6 speedUp).
type SpeedUpFunc func(collection string)

// Planner ingests one source collection's changes and maintains task
// records for every Binding registered against it.
type Planner struct {
	store            store.Store
	sourceCollection string
	metaCollection   string
	bindings         []Binding
	speedUp          SpeedUpFunc
	natsConn         *nats.Conn
	sinks            task.Sinks
	logger           *slog.Logger

	batchSize     int
	batchInterval time.Duration

	mu       sync.Mutex
	isLeader bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Planner for one source collection.
func New(
	s store.Store,
	sourceCollection, metaCollection string,
	bindings []Binding,
	speedUp SpeedUpFunc,
	natsConn *nats.Conn,
	sinks task.Sinks,
	logger *slog.Logger,
) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store: s, sourceCollection: sourceCollection, metaCollection: metaCollection,
		bindings: bindings, speedUp: speedUp, natsConn: natsConn, sinks: sinks, logger: logger,
		batchSize: 200, batchInterval: 250 * time.Millisecond,
	}
}

// SetLeader is called by the owning Scheduler on every LeaderElector
// transition; the Planner only runs its ingest/reconcile loop while leader.
func (p *Planner) SetLeader(ctx context.Context, isLeader bool) {
	p.mu.Lock()
	wasLeader := p.isLeader
	p.isLeader = isLeader
	p.mu.Unlock()

	if isLeader && !wasLeader {
		p.start(ctx)
	} else if !isLeader && wasLeader {
		p.stop()
	}
}

func (p *Planner) start(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runIngest(ctx, stopCh)
}

func (p *Planner) stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	p.stopCh = nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	p.wg.Wait()
}

// runIngest opens the change stream and feeds affected ids into bounded
// batches, flushing on batchSize or batchInterval, whichever first
// (spec.md §4.4).
func (p *Planner) runIngest(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	resumeToken := p.loadResumeToken(ctx)
	cs, err := p.store.Collection(p.sourceCollection).Watch(ctx, resumeToken)
	if err == store.ErrUnsupported {
		// No change-notification source (e.g. the bolt backend): fall back
		// to reconciliation-only ingestion, per SPEC_FULL.md §4.3.
		p.runReconciliationOnlyLoop(ctx, stopCh)
		return
	}
	if err != nil {
		p.sinks.Error(&task.StreamFatalError{Collection: p.sourceCollection, Err: err})
		return
	}
	defer cs.Close(context.Background())

	p.sinks.Info(task.NewInfo(task.CodeReactiveTaskPlannerStarted, "planner started", map[string]any{
		"source": p.sourceCollection,
	}))

	batch := make(map[string]struct{})
	flushTimer := time.NewTimer(p.batchInterval)
	defer flushTimer.Stop()

	events := make(chan store.ChangeEvent, p.batchSize)
	errs := make(chan error, 1)
	go func() {
		for cs.Next(ctx) {
			ev, decErr := cs.Decode()
			if decErr != nil {
				errs <- decErr
				return
			}
			events <- ev
		}
		if err := cs.Err(); err != nil {
			errs <- err
		}
		close(events)
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case err := <-errs:
			p.handleStreamError(ctx, err)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if id, ok := ev.DocumentKey["_id"].(string); ok {
				batch[id] = struct{}{}
			}
			if len(batch) >= p.batchSize {
				p.flush(ctx, batch, cs.ResumeToken())
				batch = make(map[string]struct{})
				flushTimer.Reset(p.batchInterval)
			}
		case <-flushTimer.C:
			if len(batch) > 0 {
				p.flush(ctx, batch, cs.ResumeToken())
				batch = make(map[string]struct{})
			}
			flushTimer.Reset(p.batchInterval)
		}
	}
}

func (p *Planner) flush(ctx context.Context, batch map[string]struct{}, resumeToken store.Doc) {
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	if err := p.planBatch(ctx, ids); err != nil {
		p.sinks.Error(err)
		return
	}
	p.saveResumeToken(ctx, resumeToken)
	for _, b := range p.bindings {
		if p.speedUp != nil {
			p.speedUp(b.Definition.TasksCollection)
		}
		if err := natswake.Publish(ctx, p.natsConn, b.Definition.Name); err != nil {
			p.logger.Debug("planner: speedup publish failed", "task", b.Definition.Name, "error", err)
		}
	}
}

// handleStreamError implements spec.md §4.4's error branches: code 280
// (history lost) schedules reconciliation and surrenders leadership; any
// other stream error surfaces and also surrenders leadership so the next
// leader reopens the stream.
func (p *Planner) handleStreamError(ctx context.Context, err error) {
	if isHistoryLost(err) {
		p.sinks.Error(&task.StreamLostError{Collection: p.sourceCollection, Err: err})
		p.markAllForReconciliation(ctx)
	} else {
		p.sinks.Error(&task.StreamFatalError{Collection: p.sourceCollection, Err: err})
	}
	p.sinks.Info(task.NewInfo(task.CodeReactiveTaskStreamError, "change stream error, surrendering leadership", map[string]any{
		"source": p.sourceCollection, "error": err.Error(),
	}))
	// ErrLeadershipLost propagates up so the Scheduler's LeaderElector
	// forces a release; the next leader reopens the stream from the
	// persisted resume token (or from scratch, for history-lost).
	p.sinks.Error(task.ErrLeadershipLost)
}

func isHistoryLost(err error) bool {
	var csErr *store.ChangeStreamError
	if errors.As(err, &csErr) {
		return csErr.Code == 280
	}
	return false
}

// runReconciliationOnlyLoop is the bolt-backend fallback: poll the source
// collection on a fixed interval and reconcile everything, since there is
// no change-notification source to watch.
func (p *Planner) runReconciliationOnlyLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Reconcile(ctx, nil); err != nil {
				p.sinks.Error(err)
			}
		}
	}
}

// triggerSignature hashes a binding's predicate/projection/handlerVersion
// so the Scheduler can detect when a redeploy widened a filter and needs a
// fresh reconciliation pass (spec.md §4.4 "trigger signature").
func triggerSignature(def task.Definition) string {
	payload, _ := json.Marshal(struct {
		Predicate  any
		Projection any
		Version    string
	}{def.Predicate, def.WatchProjection, def.HandlerVersion})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
