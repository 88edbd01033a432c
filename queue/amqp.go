package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue publishes jobs to a durable RabbitMQ queue. A failed job is
// re-published with its attempt counter advanced after the backoff and the
// original delivery acked; an exhausted job is rejected without requeue.
type AMQPQueue struct {
	name string
	opts options

	conn *amqp.Connection
	ch   *amqp.Channel
	pub  sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAMQPQueue(url, name string, opts ...Option) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so queued emails survive broker restarts.
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	return &AMQPQueue{name: name, opts: buildOptions(opts), conn: conn, ch: ch}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	q.pub.Lock()
	defer q.pub.Unlock()
	return q.ch.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key = queue name
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
}

func (q *AMQPQueue) Start(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}
	if err := q.ch.Qos(q.opts.concurrency, 0, false); err != nil {
		log.Printf("queue: set QoS failed: %v", err)
	}
	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, h, deliveries)
	}
	return nil
}

func (q *AMQPQueue) worker(ctx context.Context, h Handler, deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			q.handle(ctx, h, d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Printf("queue: dropping undecodable delivery: %v", err)
		_ = d.Nack(false, false)
		return
	}
	retry, err := q.opts.run(ctx, h, &job)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if !retry {
		_ = d.Nack(false, false)
		return
	}
	sleepCtx(ctx, q.opts.policy.Backoff)
	if ctx.Err() != nil {
		// Let the broker redeliver the original.
		_ = d.Nack(false, true)
		return
	}
	if err := q.Enqueue(ctx, job); err != nil {
		log.Printf("queue: republish of job %s failed: %v", job.ID, err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return q.conn.Close()
}
