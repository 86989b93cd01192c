// Package reactivetask is the Scheduler facade (spec.md §6): the single
// entry point wiring Registry, Repository, Planner, LeaderElector,
// WorkerPool, Worker, and MetricsCollector together behind reactiveTask(),
// startReactiveTasks()/stopReactiveTasks(), and the query/retry/info
// operations.
package reactivetask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/reactivetask/internal/natswake"
	"github.com/swarmguard/reactivetask/internal/otelinit"
	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/filter"
	"github.com/swarmguard/reactivetask/pkg/leader"
	"github.com/swarmguard/reactivetask/pkg/metrics"
	"github.com/swarmguard/reactivetask/pkg/planner"
	"github.com/swarmguard/reactivetask/pkg/repository"
	"github.com/swarmguard/reactivetask/pkg/retry"
	"github.com/swarmguard/reactivetask/pkg/task"
	"github.com/swarmguard/reactivetask/pkg/worker"
	"github.com/swarmguard/reactivetask/pkg/workerpool"
)

// Config bundles a Scheduler's construction-time settings.
type Config struct {
	Store             store.Store
	MetaCollection    string // defaults to "reactive_tasks_meta"
	InstanceID        string // defaults to a random id if empty
	VisibilityTimeout time.Duration
	Concurrency       int
	MetricsEnabled    bool
	NatsConn          *nats.Conn
	Sinks             task.Sinks
	Logger            *slog.Logger
	TaskCaller        worker.TaskCaller
}

type registration struct {
	def        task.Definition
	predicate  *filter.Compiled
	projection *filter.Projection
	strategy   *retry.Strategy
	repo       *repository.Repository
	worker     *worker.Worker
}

// Scheduler is the reactive task subsystem's facade instance.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	started  bool
	regs     map[string]*registration
	planners map[string]*planner.Planner // keyed by source collection

	elector *leader.Elector
	pool    *workerpool.Pool
	metrics *metrics.Collector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler; call reactiveTask (Register) for each task
// definition before startReactiveTasks (Start).
func New(cfg Config) *Scheduler {
	if cfg.MetaCollection == "" {
		cfg.MetaCollection = "reactive_tasks_meta"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = fmt.Sprintf("instance-%d", time.Now().UnixNano())
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{cfg: cfg, regs: make(map[string]*registration), planners: make(map[string]*planner.Planner)}
	s.elector = leader.New(cfg.Store, cfg.MetaCollection, "leader_lease", cfg.InstanceID, cfg.VisibilityTimeout/5, cfg.Logger)
	// A planner reporting ErrLeadershipLost after a change-stream error makes
	// this instance release the lease; the release runs on its own goroutine
	// because it stops the very planner that reported the error.
	userOnError := cfg.Sinks.OnError
	s.cfg.Sinks.OnError = func(err error) {
		if errors.Is(err, task.ErrLeadershipLost) {
			go s.elector.ForceLoseLeader(context.Background())
		}
		if userOnError != nil {
			userOnError(err)
		}
	}
	s.pool = workerpool.New(cfg.Concurrency, s.runOne, cfg.Logger)
	s.metrics = metrics.New(cfg.Store, cfg.MetaCollection, cfg.InstanceID, cfg.MetricsEnabled, s.elector.IsLeader, otelinit.Instruments{}, cfg.Logger)
	s.elector.OnChange(s.onLeaderChange)
	return s
}

// Register validates def and adds it to the Registry (spec.md §6
// reactiveTask). Fails if called after Start, or if def.Name collides.
func (s *Scheduler) Register(ctx context.Context, def task.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return task.NewConfigurationError("name", "reactiveTask called after startReactiveTasks")
	}
	if def.Name == "" {
		return task.NewConfigurationError("name", "task name is required")
	}
	if _, exists := s.regs[def.Name]; exists {
		return task.NewConfigurationError("name", fmt.Sprintf("task %q already registered", def.Name))
	}
	if def.SourceCollection == "" {
		return task.NewConfigurationError("sourceCollection", "source collection is required")
	}
	if def.DebounceMs < 0 {
		return task.NewConfigurationError("debounceMs", "must be >= 0")
	}
	if def.TasksCollection == "" {
		def.TasksCollection = def.SourceCollection + "_tasks"
	}
	if def.ExecutionHistoryLimit <= 0 {
		def.ExecutionHistoryLimit = 5
	}
	if def.Handler == nil {
		return task.NewConfigurationError("handler", "handler is required")
	}

	predicate, err := filter.NewCompiler().CompilePredicate(def.Predicate)
	if err != nil {
		return task.NewConfigurationError("predicate", err.Error())
	}
	projection, err := filter.NewProjectionCompiler().CompileWatchProjection(def.WatchProjection)
	if err != nil {
		return task.NewConfigurationError("watchProjection", err.Error())
	}
	strategy, err := retry.New(def.Retry)
	if err != nil {
		return err
	}

	repo, err := repository.New(ctx, s.cfg.Store, def.SourceCollection, def.TasksCollection, def.Cleanup)
	if err != nil {
		return fmt.Errorf("reactivetask: building repository for %q: %w", def.Name, err)
	}

	s.regs[def.Name] = &registration{def: def, predicate: predicate, projection: projection, strategy: strategy, repo: repo}
	return nil
}

// Start implements startReactiveTasks(): builds one Planner per source
// collection, wires the worker pool's sources, and starts the leader
// elector, metrics loop, and worker pool. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})

	bySource := make(map[string][]planner.Binding)
	for _, r := range s.regs {
		bySource[r.def.SourceCollection] = append(bySource[r.def.SourceCollection], planner.Binding{
			Definition: r.def, Predicate: r.predicate, Projection: r.projection, Repo: r.repo,
		})
		name := r.def.Name
		w := worker.New(r.repo, r.strategy, r.def, r.def.SourceCollection, r.repo.FetchSourceDocument,
			s.cfg.TaskCaller, s.cfg.VisibilityTimeout, func(forMs int64) { s.pool.ThrottleAll(r.def.TasksCollection, forMs) },
			s.cfg.Sinks, s.cfg.Logger,
			func(success bool, durationMs int64) {
				s.metrics.RecordExecution(context.Background(), name, success, durationMs)
				if !success {
					s.metrics.RecordRetry(context.Background(), name)
				}
			})
		r.worker = w

		if err := s.pool.RegisterSource(r.def.TasksCollection, 200*time.Millisecond, 5*time.Second, 100*time.Millisecond); err != nil {
			s.cfg.Logger.Warn("reactivetask: source already registered", "task", r.def.Name, "error", err)
		}
	}

	for source, bindings := range bySource {
		p := planner.New(s.cfg.Store, source, s.cfg.MetaCollection, bindings, s.pool.SpeedUp, s.cfg.NatsConn, s.cfg.Sinks, s.cfg.Logger)
		s.planners[source] = p
	}
	planners := make([]*planner.Planner, 0, len(s.planners))
	for _, p := range s.planners {
		planners = append(planners, p)
	}
	s.mu.Unlock()

	s.elector.Start(ctx)
	s.metrics.Start(ctx, 2*time.Second)
	s.pool.Start(ctx)

	if sub, err := natswake.Subscribe(s.cfg.NatsConn, func(_ context.Context, taskName string) {
		if r, ok := s.regs[taskName]; ok {
			s.pool.SpeedUp(r.def.TasksCollection)
		}
	}); err != nil {
		s.cfg.Logger.Warn("reactivetask: natswake subscribe failed", "error", err)
	} else if sub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-s.stopCh
			sub.Unsubscribe()
		}()
	}

	for _, p := range planners {
		p.SetLeader(ctx, s.elector.IsLeader())
	}
	return nil
}

// onLeaderChange fans out elector transitions to every Planner (each source
// collection's ingestor runs only on the leader).
func (s *Scheduler) onLeaderChange(isLeader bool) {
	s.mu.Lock()
	planners := make([]*planner.Planner, 0, len(s.planners))
	for _, p := range s.planners {
		planners = append(planners, p)
	}
	s.mu.Unlock()
	for _, p := range planners {
		p.SetLeader(context.Background(), isLeader)
	}
}

// runOne is the WorkerPool's RunOne callback: claims and fully runs the
// next due record for collection's task, if any.
func (s *Scheduler) runOne(ctx context.Context, tasksCollection string) (bool, error) {
	r := s.registrationFor(tasksCollection)
	if r == nil {
		return false, nil
	}
	rec, err := r.repo.FindAndLockNextTask(ctx, []string{r.def.Name}, s.cfg.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	r.worker.Run(ctx, *rec)
	return true, nil
}

func (s *Scheduler) registrationFor(tasksCollection string) *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		if r.def.TasksCollection == tasksCollection {
			return r
		}
	}
	return nil
}

// Stop implements stopReactiveTasks(): stops the worker pool first so
// in-flight handlers finish, then the planners, elector, and metrics loop.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh := s.stopCh
	planners := make([]*planner.Planner, 0, len(s.planners))
	for _, p := range s.planners {
		planners = append(planners, p)
	}
	s.mu.Unlock()

	s.pool.Stop()
	for _, p := range planners {
		p.SetLeader(context.Background(), false)
	}
	s.elector.Stop()
	s.metrics.Stop()
	close(stopCh)
	s.wg.Wait()
}
