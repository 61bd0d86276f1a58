package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/authcore-labs/authcore/pkg/platform"
)

// Queue hands delivery tasks to the worker side. Delayed enqueues
// carry the retry backoff.
type Queue interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
}

// TaskHandler processes one dequeued task.
type TaskHandler func(ctx context.Context, task Task) error

// MemoryQueue is the in-process Queue: a buffered channel drained by a
// worker pool. Delayed tasks sit on timers until due.
type MemoryQueue struct {
	tasks   chan Task
	handler TaskHandler
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
	wg     sync.WaitGroup
}

// NewMemoryQueue starts workers goroutines draining the queue into
// handler.
func NewMemoryQueue(ctx context.Context, workers, buffer int, handler TaskHandler) *MemoryQueue {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	q := &MemoryQueue{
		tasks:   make(chan Task, buffer),
		handler: handler,
		logger:  slog.Default().With("component", "webhook_queue"),
		timers:  make(map[*time.Timer]struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	return q
}

func (q *MemoryQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for task := range q.tasks {
		if err := q.handler(ctx, task); err != nil {
			q.logger.Error("delivery task failed",
				"event_id", task.EventID, "endpoint_id", task.EndpointID, "error", err)
		}
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return platform.E(platform.KindInternal, "webhook queue is closed")
	}
	if delay <= 0 {
		return q.pushLocked(task)
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			return
		}
		if err := q.pushLocked(task); err != nil {
			q.logger.Warn("dropped delayed task, queue full",
				"event_id", task.EventID, "endpoint_id", task.EndpointID)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) pushLocked(task Task) error {
	select {
	case q.tasks <- task:
		return nil
	default:
		return platform.E(platform.KindInternal, "webhook queue is full")
	}
}

// Close stops accepting tasks, drops pending delayed tasks, and waits
// for workers to drain what is already queued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.mu.Unlock()

	close(q.tasks)
	q.wg.Wait()
}
