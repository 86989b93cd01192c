// Package leader implements the LeaderElector component (spec.md §4.5):
// TTL-lease election over a single {instanceId, expiresAt} document in the
// meta collection, so exactly one instance runs the change-stream ingestor
// and periodic maintenance at a time.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/reactivetask/internal/store"
)

// StatusFunc is notified synchronously on every leadership transition.
type StatusFunc func(isLeader bool)

// Elector runs the acquire/heartbeat/release loop for one instance.
type Elector struct {
	store      store.Store
	collection string
	docID      string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	isLeader  bool
	onChange  []StatusFunc
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New builds an Elector. docID names the lease document within the meta
// collection (spec.md's single shared globals document uses one fixed id
// per cluster, conventionally "leader_lease").
func New(s store.Store, metaCollection, docID, instanceID string, ttl time.Duration, logger *slog.Logger) *Elector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		store: s, collection: metaCollection, docID: docID,
		instanceID: instanceID, ttl: ttl, logger: logger,
	}
}

// OnChange registers a synchronous observer of leadership transitions.
func (e *Elector) OnChange(fn StatusFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

// IsLeader reports the last known leadership state.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Start begins the acquire-then-heartbeat loop at TTL/3, per spec.md §4.5.
// Start is idempotent: calling it again while already running is a no-op.
func (e *Elector) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	e.stopCh = make(chan struct{})
	e.stoppedCh = make(chan struct{})
	stopCh := e.stopCh
	stoppedCh := e.stoppedCh
	e.mu.Unlock()

	go e.run(ctx, stopCh, stoppedCh)
}

func (e *Elector) run(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	heartbeat := e.ttl / 3
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release(context.Background())
			return
		case <-stopCh:
			e.release(context.Background())
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.IsLeader() {
		held, err := e.heartbeat(ctx)
		if err != nil {
			e.logger.Warn("leader heartbeat failed", "error", err)
		}
		if !held {
			e.setLeader(false)
		}
		return
	}
	acquired, err := e.acquire(ctx)
	if err != nil {
		e.logger.Warn("leader acquire failed", "error", err)
		return
	}
	if acquired {
		e.setLeader(true)
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	now := time.Now()
	filter := store.Doc{
		"_id": e.docID,
		"$or": []any{
			store.Doc{"expiresAt": store.Doc{"$lte": now}},
			store.Doc{"expiresAt": store.Doc{"$exists": false}},
		},
	}
	update := store.Doc{"$set": store.Doc{"instanceId": e.instanceID, "expiresAt": now.Add(e.ttl)}}
	_, err := e.store.Collection(e.collection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{Upsert: true})
	if err == store.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// heartbeat re-asserts ownership only if this instance still holds the
// lease (CAS on instanceId), per spec.md §4.5.
func (e *Elector) heartbeat(ctx context.Context) (bool, error) {
	now := time.Now()
	filter := store.Doc{"_id": e.docID, "instanceId": e.instanceID}
	update := store.Doc{"$set": store.Doc{"expiresAt": now.Add(e.ttl)}}
	_, err := e.store.Collection(e.collection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{})
	if err == store.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Elector) release(ctx context.Context) {
	wasLeader := e.IsLeader()
	if wasLeader {
		filter := store.Doc{"_id": e.docID, "instanceId": e.instanceID}
		update := store.Doc{"$set": store.Doc{"expiresAt": time.Now()}}
		if _, err := e.store.Collection(e.collection).FindOneAndUpdate(ctx, filter, update, store.FindOneAndUpdateOptions{}); err != nil && err != store.ErrNoDocuments {
			e.logger.Warn("leader release failed", "error", err)
		}
	}
	e.setLeader(false)
}

// ForceLoseLeader demotes this instance immediately, for unrecoverable
// planner errors (spec.md §4.5 forceLoseLeader) — e.g. a fatal change
// stream error that must hand the ingestor to another instance.
func (e *Elector) ForceLoseLeader(ctx context.Context) {
	e.release(ctx)
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.isLeader != leader
	e.isLeader = leader
	observers := append([]StatusFunc{}, e.onChange...)
	e.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range observers {
		fn(leader)
	}
}

// Stop releases the lease gracefully and waits for the run loop to exit.
// Stop is idempotent.
func (e *Elector) Stop() {
	e.mu.Lock()
	stopCh := e.stopCh
	stoppedCh := e.stoppedCh
	e.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-stoppedCh
}
