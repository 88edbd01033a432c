// Package queue runs fire-and-forget background jobs with a bounded retry
// policy. Producers call Enqueue and move on; a pool of workers started with
// Start hands each job to a Handler, re-delivering it after a fixed backoff
// until the policy's attempts are exhausted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed    = errors.New("queue closed")
	ErrQueueFull = errors.New("queue full")
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"` // attempts already made
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// NewJob encodes payload as JSON and wraps it in a fresh Job.
func NewJob(name string, payload any) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encoding %s payload: %w", name, err)
	}
	return Job{ID: uuid.NewString(), Name: name, Payload: data, EnqueuedAt: time.Now()}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes a job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// Queue is implemented by every backend.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error

	// Start launches the worker pool and returns immediately. Workers stop
	// when ctx is cancelled or the queue is closed.
	Start(ctx context.Context, h Handler) error

	Close() error
}

// RetryPolicy is a fixed-backoff retry budget.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is three attempts, five seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 5 * time.Second}

const (
	DefaultConcurrency = 5
	DefaultJobTimeout  = 30 * time.Second
)

type options struct {
	policy      RetryPolicy
	concurrency int
	jobTimeout  time.Duration
	buffer      int
	pollEvery   time.Duration
}

func defaultOptions() options {
	return options{
		policy:      DefaultRetryPolicy,
		concurrency: DefaultConcurrency,
		jobTimeout:  DefaultJobTimeout,
		buffer:      256,
		pollEvery:   500 * time.Millisecond,
	}
}

// Option configures a queue backend
type Option func(*options)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		if p.Attempts > 0 {
			o.policy = p
		}
	}
}

func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithJobTimeout bounds a single handler invocation.
func WithJobTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.jobTimeout = d
		}
	}
}

// WithBuffer sets the in-memory backlog size (memory backend only).
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithPollInterval sets how often delayed retries are promoted (redis backend only).
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollEvery = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// run invokes h once and reports whether the job should be retried. On
// failure job.Attempt is advanced.
func (o options) run(ctx context.Context, h Handler, job *Job) (retry bool, err error) {
	jobCtx, cancel := context.WithTimeout(ctx, o.jobTimeout)
	defer cancel()

	err = safeCall(jobCtx, h, *job)
	if err == nil {
		return false, nil
	}
	job.Attempt++
	if job.Attempt < o.policy.Attempts {
		log.Printf("queue: job %s (%s) failed attempt %d/%d: %v", job.ID, job.Name, job.Attempt, o.policy.Attempts, err)
		return true, err
	}
	log.Printf("queue: job %s (%s) dropped after %d attempts: %v", job.ID, job.Name, job.Attempt, err)
	return false, err
}

func safeCall(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
