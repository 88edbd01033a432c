package queue

import (
	"context"
	"log"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue backed by a buffered channel. Jobs do
// not survive a restart.
type MemoryQueue struct {
	opts options
	jobs chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewMemoryQueue(opts ...Option) *MemoryQueue {
	o := buildOptions(opts)
	return &MemoryQueue{opts: o, jobs: make(chan Job, o.buffer)}
}

// Enqueue hands job to the backlog without waiting for a worker. It fails
// with ErrQueueFull rather than block when the backlog is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Start(ctx context.Context, h Handler) error {
	for i := 0; i < q.opts.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, h)
	}
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context, h Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			if retry, _ := q.opts.run(ctx, h, &job); retry {
				time.AfterFunc(q.opts.policy.Backoff, func() { q.requeue(job) })
			}
		}
	}
}

func (q *MemoryQueue) requeue(job Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- job:
	default:
		log.Printf("queue: backlog full, dropping retry of job %s (%s)", job.ID, job.Name)
	}
}

// Close stops accepting jobs and waits for in-flight handlers. Pending
// retries are discarded.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
