package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps ready jobs in a list and retries waiting out their
// backoff in a sorted set scored by the time they become ready again.
type RedisQueue struct {
	client *redis.Client
	ready  string
	delay  string
	opts   options

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisClient parses url (redis://...) and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// NewRedisQueue stores jobs under "<name>:ready" and "<name>:delayed".
func NewRedisQueue(client *redis.Client, name string, opts ...Option) *RedisQueue {
	return &RedisQueue{
		client: client,
		ready:  name + ":ready",
		delay:  name + ":delayed",
		opts:   buildOptions(opts),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.ready, data).Err()
}

func (q *RedisQueue) Start(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}
	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go q.promote(ctx)
	for i := 0; i < q.opts.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, h)
	}
	return nil
}

func (q *RedisQueue) worker(ctx context.Context, h Handler) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		res, err := q.client.BRPop(ctx, time.Second, q.ready).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Printf("queue: redis pop failed: %v", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		// res is [key, value]
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			log.Printf("queue: dropping undecodable job: %v", err)
			continue
		}
		if retry, _ := q.opts.run(ctx, h, &job); retry {
			if err := q.schedule(ctx, job, time.Now().Add(q.opts.policy.Backoff)); err != nil {
				log.Printf("queue: failed to schedule retry of job %s: %v", job.ID, err)
			}
		}
	}
}

func (q *RedisQueue) schedule(ctx context.Context, job Job, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.delay, redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err()
}

// promote moves retries whose backoff has elapsed back onto the ready list.
func (q *RedisQueue) promote(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		due, err := q.client.ZRangeByScore(ctx, q.delay, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("queue: reading delayed jobs failed: %v", err)
			}
			continue
		}
		for _, member := range due {
			// Only the worker that removes the member requeues it.
			removed, err := q.client.ZRem(ctx, q.delay, member).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, q.ready, member).Err(); err != nil {
				log.Printf("queue: requeue failed: %v", err)
			}
		}
	}
}

// Close stops the workers. The redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
