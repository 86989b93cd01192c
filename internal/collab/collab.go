// Package collab provides minimal real implementations of external
// collaborators spec.md names as explicitly out of scope: the
// withTransaction helper, the processInBatches utility, and the cache
// wrapper. It has no withLock helper. The teacher repo
// has no equivalent (its WorkflowStore takes its own mutex directly), so
// this package is grounded on the contract spec.md §6 gives each
// collaborator rather than on a specific teacher file.
package collab

import (
	"context"
	"sync"

	"github.com/swarmguard/reactivetask/internal/store"
)

type hookListKey struct{}

type hookList struct {
	mu    sync.Mutex
	hooks []func()
}

// WithTransaction runs fn inside a store transaction and, only if fn and the
// commit both succeed, runs every hook registered via RegisterPostCommitHook
// during fn. A hook's own panics or errors are the hook's problem to log
// internally — this helper only decides whether hooks run at all.
func WithTransaction[T any](ctx context.Context, s store.Store, fn func(sc store.SessionContext) (T, error)) (T, error) {
	var zero T
	hooks := &hookList{}
	ctxWithHooks := context.WithValue(ctx, hookListKey{}, hooks)

	result, err := s.WithTransaction(ctxWithHooks, func(sc store.SessionContext) (any, error) {
		return fn(sc)
	})
	if err != nil {
		return zero, err
	}

	hooks.mu.Lock()
	toRun := append([]func(){}, hooks.hooks...)
	hooks.mu.Unlock()
	for _, h := range toRun {
		h()
	}

	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

// RegisterPostCommitHook queues hook to run once the enclosing
// WithTransaction call's transaction has committed. Called with a
// SessionContext that did not originate from WithTransaction (e.g. a plain
// context.Context in a test), it runs hook immediately — there being no
// commit to wait for.
func RegisterPostCommitHook(sc store.SessionContext, hook func()) {
	v := sc.Value(hookListKey{})
	hooks, ok := v.(*hookList)
	if !ok {
		hook()
		return
	}
	hooks.mu.Lock()
	hooks.hooks = append(hooks.hooks, hook)
	hooks.mu.Unlock()
}

// ProcessInBatches slices ids into chunks of batchSize and calls fn once
// per chunk, stopping early (without error) if shouldStop reports true
// between batches. Used by pkg/repository's deleteOrphanedTasks to delete
// in batches of 1,000 (spec.md §4.3) instead of one unbounded DeleteMany.
func ProcessInBatches(ids []string, batchSize int, shouldStop func() bool, fn func(batch []string) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	for start := 0; start < len(ids); start += batchSize {
		if shouldStop != nil && shouldStop() {
			return nil
		}
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}
