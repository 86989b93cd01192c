// Package workerpool implements the WorkerPool component (spec.md §4.6):
// a global concurrency budget shared across source collections, each
// polled on its own adaptive backoff: a per-source empty-poll streak
// counter growing the sleep interval geometrically
// toward maxPoll on consecutive empty polls and collapsing back to minPoll
// the moment a task is found or speedUp fires.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// RunOne is invoked once per poll for a source; it returns true if a task
// was found and run (possibly more pending), false if none was due.
type RunOne func(ctx context.Context, collection string) (foundTask bool, err error)

type source struct {
	collection    string
	minPoll       time.Duration
	maxPoll       time.Duration
	jitter        time.Duration
	emptyStreak   int
	wake          chan struct{}
	throttledUntil time.Time
}

// Pool is the adaptive polling worker pool.
type Pool struct {
	concurrency int
	sem         semaphore
	runOne      RunOne
	logger      *slog.Logger

	mu      sync.Mutex
	sources map[string]*source

	stopCh    chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup
}

// New builds a Pool with a global concurrency budget of concurrency.
func New(concurrency int, runOne RunOne, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		runOne:      runOne,
		logger:      logger,
		sources:     make(map[string]*source),
	}
}

// RegisterSource adds collection to the poll set. Registering the same
// collection twice is an error (spec.md §4.6).
func (p *Pool) RegisterSource(collection string, minPoll, maxPoll, jitter time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[collection]; exists {
		return fmt.Errorf("workerpool: source %q already registered", collection)
	}
	p.sources[collection] = &source{
		collection: collection, minPoll: minPoll, maxPoll: maxPoll, jitter: jitter,
		wake: make(chan struct{}, 1),
	}
	return nil
}

// SpeedUp resets collection's backoff to minPoll and wakes its sleeper
// (spec.md §4.6): called whenever a task was found, or a change-stream
// event or NATS speed-up notification arrives for it. A speedUp on an
// unknown source is a silent no-op.
func (p *Pool) SpeedUp(collection string) {
	p.mu.Lock()
	src, ok := p.sources[collection]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	src.emptyStreak = 0
	p.mu.Unlock()
	select {
	case src.wake <- struct{}{}:
	default:
	}
}

// ThrottleAll postpones polling of collection until forMs from now (spec.md
// §4.7 throttleAll), consulted by the throttle table when the scheduler
// decides whether a source's due-time has arrived.
func (p *Pool) ThrottleAll(collection string, forMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.sources[collection]
	if !ok {
		return
	}
	src.throttledUntil = time.Now().Add(time.Duration(forMs) * time.Millisecond)
}

// Start is idempotent: launches one poll loop goroutine per registered
// source.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	srcs := make([]*source, 0, len(p.sources))
	for _, s := range p.sources {
		srcs = append(srcs, s)
	}
	p.mu.Unlock()

	for _, s := range srcs {
		p.wg.Add(1)
		go p.pollLoop(ctx, s, stopCh)
	}
}

// Stop signals every poll loop to exit and waits for them, letting
// in-flight handlers finish (spec.md §6's cancellation note). Stop is
// idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	p.wg.Wait()
}

func (p *Pool) pollLoop(ctx context.Context, src *source, stopCh chan struct{}) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		throttled := time.Now().Before(src.throttledUntil)
		wait := src.minPoll
		p.mu.Unlock()

		if throttled {
			wait = time.Until(src.throttledUntil)
		} else {
			wait = p.nextInterval(src)
		}
		wait += jitter(src.jitter)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-src.wake:
			timer.Stop()
		case <-timer.C:
		}

		if err := p.acquire(ctx, stopCh); err != nil {
			continue
		}
		found, err := p.runOne(ctx, src.collection)
		p.sem.release()
		if err != nil {
			p.logger.Warn("workerpool run failed", "collection", src.collection, "error", err)
		}

		p.mu.Lock()
		if found {
			src.emptyStreak = 0
		} else {
			src.emptyStreak++
		}
		p.mu.Unlock()
	}
}

func (p *Pool) nextInterval(src *source) time.Duration {
	p.mu.Lock()
	streak := src.emptyStreak
	min, max := src.minPoll, src.maxPoll
	p.mu.Unlock()

	d := min << uint(streak)
	if d <= 0 || d > max {
		d = max
	}
	return d
}

func (p *Pool) acquire(ctx context.Context, stopCh chan struct{}) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return fmt.Errorf("workerpool: stopping")
	}
}

type semaphore chan struct{}

func (s semaphore) release() { <-s }

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
