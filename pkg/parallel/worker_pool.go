// Package parallel runs background work items, such as aborting old
// transactions, on a bounded pool of goroutines.
package parallel

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-replog/pkg/logging"
)

// WorkerPool manages a pool of worker goroutines
type WorkerPool struct {
	workers   int
	taskQueue chan func()
	logger    logging.Logger
	onPanic   atomic.Pointer[PanicHandler]
	wg        sync.WaitGroup
	once      sync.Once
	mu        sync.RWMutex // Protects taskQueue from concurrent close during send
	closed    bool         // Protected by mu
	panics    atomic.Int64
}

// PanicHandler receives the value recovered from a panicking task.
type PanicHandler func(recovered any)

// ErrTooManyWorkers is returned when the worker count exceeds the maximum allowed.
var ErrTooManyWorkers = fmt.Errorf("worker count exceeds maximum")

// MaxWorkers is the maximum number of workers allowed in a pool.
const MaxWorkers = math.MaxInt / 2

// NewWorkerPool creates a new worker pool with specified number of workers.
// Returns an error if the worker count exceeds MaxWorkers.
func NewWorkerPool(workers int, logger logging.Logger) (*WorkerPool, error) {
	if workers <= 0 {
		workers = 1
	}

	// Prevent overflow in buffer size calculation
	if workers > MaxWorkers {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyWorkers, workers, MaxWorkers)
	}

	pool := &WorkerPool{
		workers:   workers,
		taskQueue: make(chan func(), workers*2), // Buffer for 2x workers
		logger:    logging.OrNop(logger).With(logging.Component("worker-pool")),
	}

	pool.start()
	return pool, nil
}

// SetPanicHandler installs h, called after a task panicked.
func (wp *WorkerPool) SetPanicHandler(h PanicHandler) {
	wp.onPanic.Store(&h)
}

// start initializes the worker goroutines
func (wp *WorkerPool) start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker processes tasks from the queue
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for task := range wp.taskQueue {
		wp.run(task)
	}
}

func (wp *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.panics.Add(1)
			wp.logger.Error("worker task panicked", logging.Any("panic", r))
			if h := wp.onPanic.Load(); h != nil && *h != nil {
				(*h)(r)
			}
		}
	}()
	task()
}

// Submit adds a task to the worker pool, blocking while the queue is full.
// Returns false if the pool is closed, true if task was submitted
func (wp *WorkerPool) Submit(task func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	// Check if pool is closed while holding read lock
	if wp.closed {
		return false
	}

	// Safe to send because we hold the lock and pool is not closed
	wp.taskQueue <- task
	return true
}

// TrySubmit adds a task without blocking. It returns false when the pool is
// closed or its queue is full.
func (wp *WorkerPool) TrySubmit(task func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return false
	}
	select {
	case wp.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Queued returns the number of tasks waiting for a worker.
func (wp *WorkerPool) Queued() int {
	return len(wp.taskQueue)
}

// Panics returns the number of tasks that panicked.
func (wp *WorkerPool) Panics() int64 {
	return wp.panics.Load()
}

// Close shuts down the worker pool and waits for queued tasks to finish.
func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		// Acquire write lock before closing
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
	wp.wg.Wait()
}
