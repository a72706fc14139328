package server

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wirebus/internal/monitoring"
)

// task is one queued RPC handler invocation.
type task func()

// workerPool runs RPC handlers on a fixed set of goroutines so a slow
// handler cannot stall a connection's read pump, and a flood of
// requests cannot spawn unbounded goroutines. When the queue is full
// Submit reports it and the caller answers the RPC with an overload
// error instead of silently dropping the request.
type workerPool struct {
	workerCount int
	queue       chan task
	ctx         context.Context
	wg          sync.WaitGroup
	rejected    int64
	logger      zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		queue:       make(chan task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. Call once before Submit.
func (wp *workerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case t, ok := <-wp.queue:
			if !ok {
				return
			}
			wp.run(t)
			monitoring.WorkerQueue(len(wp.queue), cap(wp.queue))
		case <-wp.ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case t, ok := <-wp.queue:
					if !ok {
						return
					}
					wp.run(t)
				default:
					return
				}
			}
		}
	}
}

func (wp *workerPool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker task panic recovered")
		}
	}()
	t()
}

// Submit queues a task. Returns false when the queue is full, which
// signals backpressure to the RPC layer.
func (wp *workerPool) Submit(t task) bool {
	select {
	case wp.queue <- t:
		monitoring.WorkerQueue(len(wp.queue), cap(wp.queue))
		return true
	default:
		atomic.AddInt64(&wp.rejected, 1)
		return false
	}
}

// Rejected reports how many submissions hit a full queue.
func (wp *workerPool) Rejected() int64 {
	return atomic.LoadInt64(&wp.rejected)
}

// Stop waits for the workers to finish. The context passed to Start
// must already be cancelled.
func (wp *workerPool) Stop() {
	close(wp.queue)
	wp.wg.Wait()
}
