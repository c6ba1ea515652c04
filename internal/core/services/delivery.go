package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
	"immortal-outreach/internal/metrics"
)

// DeliveryConfig tunes the coordinator
type DeliveryConfig struct {
	Queue                string
	Workers              int
	MaxAttempts          int           // transient failures tolerated before a job fails
	BaseBackoff          time.Duration // first transient retry delay
	MaxBackoff           time.Duration
	DefaultRateLimitWait time.Duration // used when a flood signal carries no wait
	ClaimStaleAfter      time.Duration // an inflight claim older than this may be taken over
	CompletionTTL        time.Duration // how long completion markers stay in the dedup cache
	AwaitPoll            time.Duration
}

// DefaultDeliveryConfig returns production defaults
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Queue:                "outbound",
		Workers:              4,
		MaxAttempts:          5,
		BaseBackoff:          2 * time.Second,
		MaxBackoff:           5 * time.Minute,
		DefaultRateLimitWait: 30 * time.Second,
		ClaimStaleAfter:      2 * time.Minute,
		CompletionTTL:        72 * time.Hour,
		AwaitPoll:            time.Second,
	}
}

const settleTimeout = 10 * time.Second

// DeliveryCoordinator consumes send jobs, invokes channel adapters and turns
// each classified Outcome into complete / reschedule / failover / retry / fail.
type DeliveryCoordinator struct {
	cfg      DeliveryConfig
	queue    ports.JobQueue
	jobs     ports.JobRepository
	dedup    ports.DedupRepository
	pool     *IdentityPool
	events   ports.EventPublisher
	metrics  *metrics.Metrics
	adapters map[string]ports.ChannelAdapter

	inflight sync.Map

	waitMu  sync.Mutex
	waiters map[string][]chan domain.JobStatus

	now func() time.Time
}

// NewDeliveryCoordinator creates a coordinator with dependencies injected
func NewDeliveryCoordinator(
	cfg DeliveryConfig,
	queue ports.JobQueue,
	jobs ports.JobRepository,
	dedup ports.DedupRepository,
	pool *IdentityPool,
	events ports.EventPublisher,
	m *metrics.Metrics,
) *DeliveryCoordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.AwaitPoll <= 0 {
		cfg.AwaitPoll = time.Second
	}
	return &DeliveryCoordinator{
		cfg:      cfg,
		queue:    queue,
		jobs:     jobs,
		dedup:    dedup,
		pool:     pool,
		events:   events,
		metrics:  m,
		adapters: make(map[string]ports.ChannelAdapter),
		waiters:  make(map[string][]chan domain.JobStatus),
		now:      time.Now,
	}
}

// RegisterAdapter makes a channel available for dispatch
func (c *DeliveryCoordinator) RegisterAdapter(a ports.ChannelAdapter) {
	c.adapters[a.Name()] = a
}

// Adapter returns the adapter registered for channel
func (c *DeliveryCoordinator) Adapter(channel string) (ports.ChannelAdapter, bool) {
	a, ok := c.adapters[channel]
	return a, ok
}

// Enqueue records the job and hands it to the durable queue
func (c *DeliveryCoordinator) Enqueue(ctx context.Context, job *domain.SendJob) error {
	if err := c.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if err := c.queue.Enqueue(ctx, c.cfg.Queue, job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	slog.Debug("Job enqueued",
		"job_id", job.ID,
		"channel", job.Channel,
		"identity", job.SenderIdentity,
	)
	return nil
}

// EnqueueChain records jobs that must be delivered one after another and queues
// the first. Each later job is held until the job before it completes; a failed
// job fails everything after it.
func (c *DeliveryCoordinator) EnqueueChain(ctx context.Context, jobs []*domain.SendJob) error {
	if len(jobs) == 0 {
		return nil
	}
	for i, job := range jobs {
		if i+1 < len(jobs) {
			next := jobs[i+1].ID
			job.NextJobID = &next
		}
		if i > 0 {
			job.Status = domain.JobStatusHeld
		}
	}

	// the tail is stored first so no job links to a missing record
	for i := len(jobs) - 1; i > 0; i-- {
		if err := c.jobs.Create(ctx, jobs[i]); err != nil {
			return fmt.Errorf("create chained job: %w", err)
		}
	}
	if err := c.Enqueue(ctx, jobs[0]); err != nil {
		c.cancelChain(ctx, jobs[0], err.Error())
		return err
	}
	slog.Debug("Job chain enqueued",
		"first_job_id", jobs[0].ID,
		"length", len(jobs),
	)
	return nil
}

// Run starts the consumer loops and blocks until ctx is cancelled
func (c *DeliveryCoordinator) Run(ctx context.Context) {
	slog.Info("Delivery coordinator started",
		"queue", c.cfg.Queue,
		"workers", c.cfg.Workers,
	)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.consume(ctx, worker)
		}(i)
	}
	wg.Wait()

	slog.Info("Delivery coordinator stopped", "queue", c.cfg.Queue)
}

func (c *DeliveryCoordinator) consume(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		d, err := c.queue.Dequeue(ctx, c.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return
			}
			slog.Error("Dequeue failed",
				"error", err,
				"worker", worker,
			)
			sleepCtx(ctx, time.Second)
			continue
		}
		if d == nil {
			continue
		}
		c.handle(ctx, d)
	}
}

// handle isolates one delivery: a panic or error never stops the loop
func (c *DeliveryCoordinator) handle(ctx context.Context, d ports.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in dispatch",
				"panic", r,
				"job_id", d.Job().ID,
			)
			settle, cancel := settleContext(ctx)
			defer cancel()
			if err := d.Nack(settle); err != nil {
				slog.Error("Failed to nack after panic", "error", err, "job_id", d.Job().ID)
			}
		}
	}()

	if err := c.Dispatch(ctx, d); err != nil {
		slog.Error("Dispatch failed",
			"error", err,
			"job_id", d.Job().ID,
		)
	}
}

// Dispatch runs one delivery attempt for a dequeued job and settles it.
// The persisted job record is the source of truth; the queue body only names it.
// The returned error reports infrastructure failures only; job failures are
// recorded on the job itself.
func (c *DeliveryCoordinator) Dispatch(ctx context.Context, d ports.Delivery) error {
	id := d.Job().ID

	settle, cancel := settleContext(ctx)
	defer cancel()

	if c.cachedCompletion(ctx, id) {
		slog.Info("Duplicate delivery of completed job, skipping", "job_id", id)
		c.releaseNextByID(settle, id)
		return d.Ack(settle)
	}

	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			slog.Error("Dequeued job has no record, dropping", "job_id", id)
			return d.Ack(settle)
		}
		_ = d.Nack(settle)
		return fmt.Errorf("load job: %w", err)
	}

	switch {
	case job.Status == domain.JobStatusCompleted:
		slog.Info("Duplicate delivery of completed job, skipping", "job_id", id)
		c.releaseNext(settle, job)
		return d.Ack(settle)
	case job.Status == domain.JobStatusFailed:
		slog.Info("Job already settled", "job_id", id)
		return d.Ack(settle)
	case job.Status == domain.JobStatusHeld:
		// released into the queue again once the fragment before it completes
		slog.Warn("Held job dequeued before its turn, dropping delivery", "job_id", id)
		return d.Ack(settle)
	case job.Status.Claimable() && job.ScheduledAt.After(c.now()):
		slog.Debug("Job delivered before its schedule, waiting",
			"job_id", id,
			"scheduled_at", job.ScheduledAt,
		)
		return d.Reschedule(settle, job, job.ScheduledAt)
	}

	if _, busy := c.inflight.LoadOrStore(id, struct{}{}); busy {
		slog.Info("Job already in flight in this process, dropping duplicate", "job_id", id)
		return d.Ack(settle)
	}
	defer c.inflight.Delete(id)

	claimed, err := c.jobs.Claim(ctx, id, c.cfg.ClaimStaleAfter)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			slog.Error("Dequeued job has no record, dropping", "job_id", id)
			return d.Ack(settle)
		}
		_ = d.Nack(settle)
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		rec, err := c.jobs.Get(ctx, id)
		if err == nil && rec.Status == domain.JobStatusInflight {
			// The holder may have died: look again once its claim goes stale
			slog.Info("Job held by another worker, checking back later", "job_id", id)
			return d.Reschedule(settle, rec, c.now().Add(c.cfg.ClaimStaleAfter))
		}
		slog.Info("Job already settled", "job_id", id)
		return d.Ack(settle)
	}
	job.Status = domain.JobStatusInflight

	outcome, reserved := c.attempt(ctx, job)
	c.metrics.Outcome(job.Channel, outcome.Name())

	return c.apply(settle, d, job, outcome, reserved)
}

// cachedCompletion consults the completion markers; a cache outage falls back to the job record
func (c *DeliveryCoordinator) cachedCompletion(ctx context.Context, jobID string) bool {
	if c.dedup == nil {
		return false
	}
	dup, err := c.dedup.IsDuplicate(ctx, completionKey(jobID))
	if err != nil {
		slog.Warn("Completion cache unavailable, falling back to job record",
			"error", err,
			"job_id", jobID,
		)
		return false
	}
	return dup
}

// attempt resolves the adapter and identity and performs the send.
// reserved reports whether an identity reservation must be settled.
func (c *DeliveryCoordinator) attempt(ctx context.Context, job *domain.SendJob) (outcome Outcome, reserved bool) {
	adapter, ok := c.adapters[job.Channel]
	if !ok {
		return Terminal{Reason: fmt.Sprintf("%s: %s", domain.ErrUnsupportedChannel, job.Channel)}, false
	}
	if job.Payload == "" || job.RecipientIdentity == "" {
		return Terminal{Reason: "malformed job: empty payload or recipient"}, false
	}

	if err := c.pool.Acquire(ctx, job.IdentityKey()); err != nil {
		if errors.Is(err, domain.ErrIdentityUnavailable) {
			return IdentityFault{Reason: "identity banned or over limit"}, false
		}
		return Transient{Err: err}, false
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in channel adapter",
				"panic", r,
				"job_id", job.ID,
				"channel", job.Channel,
			)
			outcome = Transient{Err: fmt.Errorf("adapter panic: %v", r)}
		}
	}()

	res, err := adapter.Send(ctx, domain.SendRequest{
		JobID:     job.ID,
		Identity:  job.SenderIdentity,
		Recipient: job.RecipientIdentity,
		Payload:   job.Payload,
	})
	return Classify(res, err, c.cfg.DefaultRateLimitWait), true
}

func (c *DeliveryCoordinator) apply(ctx context.Context, d ports.Delivery, job *domain.SendJob, outcome Outcome, reserved bool) error {
	key := job.IdentityKey()
	if _, ok := outcome.(Success); !ok && reserved {
		c.pool.Release(ctx, key)
	}

	switch o := outcome.(type) {
	case Success:
		c.pool.RecordSuccess(ctx, key)
		return c.complete(ctx, d, job, o.MessageID)

	case Backpressure:
		// Same identity, attempt budget untouched
		at := c.now().Add(o.Wait)
		slog.Info("Channel backpressure, rescheduling",
			"job_id", job.ID,
			"identity", job.SenderIdentity,
			"wait", o.Wait,
		)
		return c.requeue(ctx, d, job, at, o)

	case IdentityFault:
		if o.Ban {
			c.pool.RecordBan(ctx, key, o.Reason)
		}
		job.Excluded = appendUnique(job.Excluded, job.SenderIdentity)
		next, err := c.pool.Next(ctx, key.Pool(), job.Excluded...)
		if err != nil {
			if IsExhausted(err) {
				return c.fail(ctx, d, job, domain.ErrPoolExhausted.Error(), o)
			}
			_ = d.Nack(ctx)
			return fmt.Errorf("select failover identity: %w", err)
		}
		slog.Info("Failing over to another identity",
			"job_id", job.ID,
			"from", job.SenderIdentity,
			"to", next.Address,
			"reason", o.Reason,
		)
		job.SenderIdentity = next.Address
		return c.requeue(ctx, d, job, c.now(), o)

	case Transient:
		job.Attempts++
		reason := o.Err.Error()
		job.LastError = &reason
		if job.Attempts >= c.cfg.MaxAttempts {
			return c.fail(ctx, d, job, fmt.Sprintf("retries exhausted after %d attempts: %s", job.Attempts, reason), o)
		}
		wait := Backoff(job.Attempts, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
		slog.Warn("Transient delivery error, retrying",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", c.cfg.MaxAttempts,
			"backoff", wait,
			"error", o.Err,
		)
		return c.requeue(ctx, d, job, c.now().Add(wait), o)

	case Terminal:
		return c.fail(ctx, d, job, o.Reason, o)
	}

	return fmt.Errorf("unhandled outcome %T", outcome)
}

func (c *DeliveryCoordinator) complete(ctx context.Context, d ports.Delivery, job *domain.SendJob, messageID string) error {
	// Completion marker first: if the record update fails, redelivery still short-circuits
	if c.dedup != nil {
		if err := c.dedup.MarkProcessed(ctx, completionKey(job.ID), c.cfg.CompletionTTL); err != nil {
			slog.Warn("Failed to cache completion marker",
				"error", err,
				"job_id", job.ID,
			)
		}
	}
	if err := c.jobs.MarkCompleted(ctx, job.ID, messageID); err != nil {
		slog.Error("Failed to record job completion",
			"error", err,
			"job_id", job.ID,
		)
	}

	job.Status = domain.JobStatusCompleted
	if messageID != "" {
		job.MessageID = &messageID
	}
	c.publish(job, Success{MessageID: messageID}, "")
	c.notify(job.ID, domain.JobStatusCompleted)
	c.releaseNext(ctx, job)

	slog.Info("Job delivered",
		"job_id", job.ID,
		"channel", job.Channel,
		"identity", job.SenderIdentity,
		"message_id", messageID,
	)
	return d.Ack(ctx)
}

func (c *DeliveryCoordinator) requeue(ctx context.Context, d ports.Delivery, job *domain.SendJob, at time.Time, o Outcome) error {
	now := c.now()
	job.Status = domain.JobStatusRequeued
	job.ScheduledAt = at
	job.UpdatedAt = &now

	if err := c.jobs.Update(ctx, job); err != nil {
		_ = d.Nack(ctx)
		return fmt.Errorf("record requeue: %w", err)
	}
	if err := d.Reschedule(ctx, job, at); err != nil {
		_ = d.Nack(ctx)
		return fmt.Errorf("reschedule job: %w", err)
	}

	c.publish(job, o, "")
	return nil
}

func (c *DeliveryCoordinator) fail(ctx context.Context, d ports.Delivery, job *domain.SendJob, reason string, o Outcome) error {
	if err := c.jobs.MarkFailed(ctx, job.ID, reason); err != nil {
		_ = d.Nack(ctx)
		return fmt.Errorf("record job failure: %w", err)
	}

	job.Status = domain.JobStatusFailed
	job.LastError = &reason
	c.metrics.CampaignFailed(job.CampaignID)
	c.publish(job, o, reason)
	c.notify(job.ID, domain.JobStatusFailed)
	c.cancelChain(ctx, job, reason)

	slog.Warn("Job failed",
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"channel", job.Channel,
		"identity", job.SenderIdentity,
		"reason", reason,
	)
	return d.Ack(ctx)
}

// maxChainLength bounds chain walks against a corrupted link cycle
const maxChainLength = 1000

func (c *DeliveryCoordinator) releaseNextByID(ctx context.Context, jobID string) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			slog.Error("Failed to load completed job", "error", err, "job_id", jobID)
		}
		return
	}
	c.releaseNext(ctx, job)
}

// releaseNext queues the job held behind a completed one. It goes out from the
// identity that delivered the previous job and never returns to one the chain left.
func (c *DeliveryCoordinator) releaseNext(ctx context.Context, job *domain.SendJob) {
	if job.NextJobID == nil {
		return
	}
	next, err := c.jobs.Get(ctx, *job.NextJobID)
	if err != nil {
		slog.Error("Failed to load chained job",
			"error", err,
			"job_id", job.ID,
			"next_job_id", *job.NextJobID,
		)
		return
	}
	if next.Status != domain.JobStatusHeld {
		return
	}

	now := c.now()
	next.Status = domain.JobStatusQueued
	next.SenderIdentity = job.SenderIdentity
	next.Excluded = append([]string(nil), job.Excluded...)
	next.ScheduledAt = now
	next.UpdatedAt = &now
	if err := c.jobs.Update(ctx, next); err != nil {
		slog.Error("Failed to release chained job", "error", err, "job_id", next.ID)
		return
	}
	if err := c.queue.Enqueue(ctx, c.cfg.Queue, next); err != nil {
		slog.Error("Failed to queue chained job", "error", err, "job_id", next.ID)
		next.Status = domain.JobStatusHeld
		if err := c.jobs.Update(ctx, next); err != nil {
			slog.Error("Failed to hold chained job again", "error", err, "job_id", next.ID)
		}
		return
	}
	slog.Debug("Chained job released",
		"job_id", next.ID,
		"after", job.ID,
		"identity", next.SenderIdentity,
	)
}

// cancelChain fails every job still held behind a failed one
func (c *DeliveryCoordinator) cancelChain(ctx context.Context, job *domain.SendJob, reason string) {
	nextID := job.NextJobID
	for i := 0; nextID != nil && i < maxChainLength; i++ {
		next, err := c.jobs.Get(ctx, *nextID)
		if err != nil {
			slog.Error("Failed to load chained job", "error", err, "job_id", *nextID)
			return
		}
		if next.Status != domain.JobStatusHeld {
			return
		}
		detail := "earlier fragment failed: " + reason
		if err := c.jobs.MarkFailed(ctx, next.ID, detail); err != nil {
			slog.Error("Failed to fail chained job", "error", err, "job_id", next.ID)
			return
		}
		next.Status = domain.JobStatusFailed
		next.LastError = &detail
		c.publish(next, Terminal{Reason: detail}, detail)
		c.notify(next.ID, domain.JobStatusFailed)
		nextID = next.NextJobID
	}
}

func (c *DeliveryCoordinator) publish(job *domain.SendJob, o Outcome, detail string) {
	if c.events == nil {
		return
	}
	c.events.Publish(domain.DeliveryEvent{
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		Channel:    job.Channel,
		Identity:   job.SenderIdentity,
		Recipient:  job.RecipientIdentity,
		Outcome:    o.Name(),
		Status:     job.Status,
		Detail:     detail,
		At:         c.now(),
	})
}

// Await blocks until the job reaches completed or failed.
// Completion by another process is picked up by polling the job record.
func (c *DeliveryCoordinator) Await(ctx context.Context, jobID string) (domain.JobStatus, error) {
	ch := c.subscribe(jobID)
	defer c.unsubscribe(jobID, ch)

	ticker := time.NewTicker(c.cfg.AwaitPoll)
	defer ticker.Stop()

	for {
		job, err := c.jobs.Get(ctx, jobID)
		if err == nil && job.Status.IsTerminal() {
			return job.Status, nil
		}
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			slog.Warn("Await poll failed", "error", err, "job_id", jobID)
		}

		select {
		case status := <-ch:
			return status, nil
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *DeliveryCoordinator) subscribe(jobID string) chan domain.JobStatus {
	ch := make(chan domain.JobStatus, 1)
	c.waitMu.Lock()
	c.waiters[jobID] = append(c.waiters[jobID], ch)
	c.waitMu.Unlock()
	return ch
}

func (c *DeliveryCoordinator) unsubscribe(jobID string, ch chan domain.JobStatus) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	list := c.waiters[jobID]
	for i := range list {
		if list[i] == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, jobID)
	} else {
		c.waiters[jobID] = list
	}
}

func (c *DeliveryCoordinator) notify(jobID string, status domain.JobStatus) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for _, ch := range c.waiters[jobID] {
		select {
		case ch <- status:
		default:
		}
	}
}

func completionKey(jobID string) string {
	return "job:" + jobID
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// settleContext keeps settlement alive through shutdown so a job is never left unsettled
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// sleepCtx waits d or until ctx is done; returns false when ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
