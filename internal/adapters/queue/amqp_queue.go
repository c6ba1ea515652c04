package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

var _ ports.JobQueue = (*AMQPQueue)(nil)

// notBeforeHeader carries the exact due time through the delay buckets
const notBeforeHeader = "x-not-before"

// amqpChannel is the subset of *amqp.Channel the queue uses
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueueConfig tunes the RabbitMQ-backed queue
type AMQPQueueConfig struct {
	PollInterval time.Duration
	Prefetch     int
	// DelayBuckets are the TTLs of the delay queues; a delay uses the largest bucket
	// not exceeding it and is re-delayed on arrival until its due time
	DelayBuckets []time.Duration
}

// DefaultAMQPQueueConfig returns production defaults
func DefaultAMQPQueueConfig() AMQPQueueConfig {
	return AMQPQueueConfig{
		PollInterval: 2 * time.Second,
		Prefetch:     8,
		DelayBuckets: []time.Duration{
			time.Second,
			5 * time.Second,
			30 * time.Second,
			2 * time.Minute,
			10 * time.Minute,
			time.Hour,
		},
	}
}

// AMQPQueue is a JobQueue on RabbitMQ. Delays use per-bucket queues whose
// messages expire into the work queue through the default exchange.
type AMQPQueue struct {
	ch     amqpChannel
	cfg    AMQPQueueConfig
	now    func() time.Time
	closed atomic.Bool

	mu        sync.Mutex // guards declared, consumers and publishing on ch
	declared  map[string]bool
	consumers map[string]<-chan amqp.Delivery
}

// NewAMQPQueue wraps an open channel; call Close to release it
func NewAMQPQueue(ch *amqp.Channel, cfg AMQPQueueConfig) (*AMQPQueue, error) {
	return newAMQPQueue(ch, cfg)
}

func newAMQPQueue(ch amqpChannel, cfg AMQPQueueConfig) (*AMQPQueue, error) {
	if len(cfg.DelayBuckets) == 0 {
		return nil, fmt.Errorf("amqp queue: at least one delay bucket is required")
	}
	buckets := append([]time.Duration(nil), cfg.DelayBuckets...)
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	cfg.DelayBuckets = buckets

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &AMQPQueue{
		ch:        ch,
		cfg:       cfg,
		now:       time.Now,
		declared:  make(map[string]bool),
		consumers: make(map[string]<-chan amqp.Delivery),
	}, nil
}

func delayQueueName(queue string, bucket time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, bucket.Milliseconds())
}

// declare creates the work queue and its delay queues once. Caller holds mu.
func (q *AMQPQueue) declare(queue string) error {
	if q.declared[queue] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, bucket := range q.cfg.DelayBuckets {
		args := amqp.Table{
			"x-message-ttl":             bucket.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}
		if _, err := q.ch.QueueDeclare(delayQueueName(queue, bucket), true, false, false, false, args); err != nil {
			return fmt.Errorf("declare delay queue: %w", err)
		}
	}
	q.declared[queue] = true
	return nil
}

// bucketFor returns the largest bucket not exceeding delay, or 0 for no delay
func (q *AMQPQueue) bucketFor(delay time.Duration) time.Duration {
	var chosen time.Duration
	for _, b := range q.cfg.DelayBuckets {
		if b > delay {
			break
		}
		chosen = b
	}
	if chosen == 0 && delay > 0 {
		chosen = q.cfg.DelayBuckets[0]
	}
	return chosen
}

// publish routes the job to the work queue or a delay queue. Caller holds mu.
func (q *AMQPQueue) publish(queue string, job *domain.SendJob, at time.Time) error {
	if err := q.declare(queue); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	routing := queue
	if bucket := q.bucketFor(at.Sub(q.now())); bucket > 0 {
		routing = delayQueueName(queue, bucket)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    q.now(),
		Headers:      amqp.Table{notBeforeHeader: at.UnixMilli()},
		Body:         body,
	}
	if err := q.ch.Publish("", routing, false, false, msg); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Enqueue publishes the job, delayed until its ScheduledAt
func (q *AMQPQueue) Enqueue(ctx context.Context, queue string, job *domain.SendJob) error {
	if q.closed.Load() {
		return domain.ErrQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.publish(queue, job, job.ScheduledAt); err != nil {
		slog.Error("Failed to enqueue job",
			"error", err,
			"job_id", job.ID,
			"queue", queue,
		)
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *AMQPQueue) consumer(queue string) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if c, ok := q.consumers[queue]; ok {
		return c, nil
	}
	if err := q.declare(queue); err != nil {
		return nil, err
	}
	c, err := q.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	q.consumers[queue] = c
	return c, nil
}

// Dequeue waits up to PollInterval for a due job
func (q *AMQPQueue) Dequeue(ctx context.Context, queue string) (ports.Delivery, error) {
	if q.closed.Load() {
		return nil, domain.ErrQueueClosed
	}
	deliveries, err := q.consumer(queue)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil, domain.ErrQueueClosed
			}
			d, err := q.accept(queue, msg)
			if err != nil || d != nil {
				return d, err
			}
		}
	}
}

// accept decodes a message; early arrivals from a rounded-down bucket are delayed again
func (q *AMQPQueue) accept(queue string, msg amqp.Delivery) (ports.Delivery, error) {
	var job domain.SendJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		slog.Error("Dropping undecodable job",
			"error", err,
			"queue", queue,
			"message_id", msg.MessageId,
		)
		_ = msg.Reject(false)
		return nil, nil
	}

	if due, ok := notBefore(msg.Headers); ok && due.After(q.now()) {
		q.mu.Lock()
		err := q.publish(queue, &job, due)
		q.mu.Unlock()
		if err != nil {
			_ = msg.Nack(false, true)
			return nil, fmt.Errorf("re-delay job: %w", err)
		}
		_ = msg.Ack(false)
		return nil, nil
	}

	return &amqpDelivery{q: q, queue: queue, msg: msg, job: &job}, nil
}

func notBefore(headers amqp.Table) (time.Time, bool) {
	switch v := headers[notBeforeHeader].(type) {
	case int64:
		return time.UnixMilli(v), true
	case int32:
		return time.UnixMilli(int64(v)), true
	case int:
		return time.UnixMilli(int64(v)), true
	default:
		return time.Time{}, false
	}
}

// Close closes the channel; pending deliveries return to the broker unacked
func (q *AMQPQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.ch.Close()
}

// amqpDelivery is one unacked broker message
type amqpDelivery struct {
	q     *AMQPQueue
	queue string
	msg   amqp.Delivery
	job   *domain.SendJob
}

func (d *amqpDelivery) Job() *domain.SendJob { return d.job }

func (d *amqpDelivery) Ack(ctx context.Context) error {
	if err := d.msg.Ack(false); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (d *amqpDelivery) Nack(ctx context.Context) error {
	if err := d.msg.Nack(false, true); err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

// Reschedule publishes the modified job to a delay queue, then acks the original
func (d *amqpDelivery) Reschedule(ctx context.Context, job *domain.SendJob, at time.Time) error {
	d.q.mu.Lock()
	err := d.q.publish(d.queue, job, at)
	d.q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if err := d.msg.Ack(false); err != nil {
		return fmt.Errorf("ack rescheduled job: %w", err)
	}
	return nil
}
