package copyset

import (
	"log/slog"
	"sync"
)

// OverflowPolicy decides what Push does when the queue is full.
type OverflowPolicy string

const (
	// OverflowBlock makes Push wait for room, back-pressuring the commit path.
	OverflowBlock OverflowPolicy = "block"
	// OverflowFailFast makes Push return ErrQueueFull.
	OverflowFailFast OverflowPolicy = "fail-fast"
)

// DefaultApplyQueueCapacity is used when ApplyQueueOptions.Capacity is zero.
const DefaultApplyQueueCapacity = 4096

// ApplyQueueOptions configures an ApplyQueue.
type ApplyQueueOptions struct {
	Capacity int
	Policy   OverflowPolicy
	Logger   *slog.Logger
}

// ApplyQueue runs queued functions one at a time in push order.
//
// There is exactly one worker, so at most one apply is in flight per copyset.
type ApplyQueue struct {
	policy OverflowPolicy
	tasks  chan func()
	logger *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewApplyQueue creates a stopped queue. Call Start before pushing with the
// blocking policy.
func NewApplyQueue(opts ApplyQueueOptions) *ApplyQueue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultApplyQueueCapacity
	}
	if opts.Policy == "" {
		opts.Policy = OverflowBlock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ApplyQueue{
		policy: opts.Policy,
		tasks:  make(chan func(), opts.Capacity),
		logger: opts.Logger.With("component", "apply-queue"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker.
func (q *ApplyQueue) Start() {
	q.startOnce.Do(func() {
		q.mu.Lock()
		q.started = true
		q.mu.Unlock()

		q.wg.Add(1)
		go q.run()
	})
}

// Stop runs everything still queued and stops the worker. Safe to call more
// than once.
func (q *ApplyQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		started := q.started
		q.mu.Unlock()

		close(q.stopCh)
		if !started {
			q.drain()
		}
	})
	q.wg.Wait()
}

// Push queues fn behind everything pushed before it.
func (q *ApplyQueue) Push(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrQueueStopped
	}

	if q.policy == OverflowFailFast {
		select {
		case q.tasks <- fn:
			return nil
		default:
			return ErrQueueFull
		}
	}
	q.tasks <- fn
	return nil
}

// Flush blocks until every function queued before the call has run.
// It must not be called from a queued function.
func (q *ApplyQueue) Flush() {
	q.mu.RLock()
	if q.stopped || !q.started {
		q.mu.RUnlock()
		return
	}
	done := make(chan struct{})
	q.tasks <- func() { close(done) }
	q.mu.RUnlock()

	<-done
}

// Len returns the number of queued functions.
func (q *ApplyQueue) Len() int {
	return len(q.tasks)
}

// Cap returns the queue capacity.
func (q *ApplyQueue) Cap() int {
	return cap(q.tasks)
}

func (q *ApplyQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case fn := <-q.tasks:
			fn()
		case <-q.stopCh:
			q.drain()
			return
		}
	}
}

func (q *ApplyQueue) drain() {
	n := 0
	for {
		select {
		case fn := <-q.tasks:
			fn()
			n++
		default:
			if n > 0 {
				q.logger.Debug("drained apply queue", "count", n)
			}
			return
		}
	}
}
