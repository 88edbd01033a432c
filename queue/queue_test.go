package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond}

func TestMemoryQueue_RetriesThenDrops(t *testing.T) {
	q := NewMemoryQueue(WithRetryPolicy(fastRetry), WithConcurrency(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("smtp down")
	}))

	job, err := NewJob("sendEmail", map[string]string{"to": "a@x.com"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	// No fourth attempt after the budget is spent.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	require.NoError(t, q.Close())
}

func TestMemoryQueue_SucceedsOnRetry(t *testing.T) {
	q := NewMemoryQueue(WithRetryPolicy(fastRetry))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan Job, 1)
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		done <- job
		return nil
	}))

	job, _ := NewJob("sendEmail", map[string]string{"to": "a@x.com"})
	require.NoError(t, q.Enqueue(ctx, job))

	select {
	case got := <-done:
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, 1, got.Attempt)
		var payload map[string]string
		require.NoError(t, got.Decode(&payload))
		assert.Equal(t, "a@x.com", payload["to"])
	case <-time.After(time.Second):
		t.Fatal("job was not retried")
	}
	require.NoError(t, q.Close())
}

func TestMemoryQueue_PanicCountsAsFailure(t *testing.T) {
	q := NewMemoryQueue(WithRetryPolicy(RetryPolicy{Attempts: 2, Backoff: time.Millisecond}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job Job) error {
		calls.Add(1)
		panic("boom")
	}))
	job, _ := NewJob("sendEmail", nil)
	require.NoError(t, q.Enqueue(ctx, job))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, q.Close())
}

func TestMemoryQueue_EnqueueAfterClose(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	job, _ := NewJob("sendEmail", nil)
	assert.ErrorIs(t, q.Enqueue(context.Background(), job), ErrClosed)
}

func TestMemoryQueue_FullBacklogDoesNotBlock(t *testing.T) {
	q := NewMemoryQueue(WithBuffer(1))
	job, _ := NewJob("sendEmail", nil)
	require.NoError(t, q.Enqueue(context.Background(), job))
	assert.ErrorIs(t, q.Enqueue(context.Background(), job), ErrQueueFull)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisQueue_RetriesThroughDelayedSet(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "emails", WithRetryPolicy(fastRetry), WithPollInterval(5*time.Millisecond), WithConcurrency(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan Job, 1)
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		done <- job
		return nil
	}))

	job, _ := NewJob("sendEmail", map[string]string{"to": "a@x.com"})
	require.NoError(t, q.Enqueue(ctx, job))

	select {
	case got := <-done:
		assert.Equal(t, 2, got.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
	require.NoError(t, q.Close())
	n, err := client.ZCard(context.Background(), "emails:delayed").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueue_DropsAfterBudget(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "emails", WithRetryPolicy(fastRetry), WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("permanent")
	}))
	job, _ := NewJob("sendEmail", nil)
	require.NoError(t, q.Enqueue(ctx, job))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	require.NoError(t, q.Close())
}

func TestRedisQueue_StartTwice(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "emails")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	noop := func(ctx context.Context, job Job) error { return nil }
	require.NoError(t, q.Start(ctx, noop))
	assert.Error(t, q.Start(ctx, noop))
	require.NoError(t, q.Close())
}
