package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"immortal-outreach/internal/core/domain"
)

// testClock is a settable clock shared by the queue under test
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*RedisQueue, *testClock, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultRedisQueueConfig()
	cfg.PollInterval = 0
	q := NewRedisQueue(client, cfg)
	q.now = clock.Now
	return q, clock, mr
}

func newJob(scheduled time.Time) *domain.SendJob {
	job := domain.NewSendJob("c1", domain.ChannelFacebook, "PAGE_A", "PSID_1", "hello")
	job.ScheduledAt = scheduled
	return job
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	first := newJob(clock.Now())
	second := newJob(clock.Now())
	require.NoError(t, q.Enqueue(ctx, "outbound", first))
	require.NoError(t, q.Enqueue(ctx, "outbound", second))

	d, err := q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, first.ID, d.Job().ID)
	assert.Equal(t, "hello", d.Job().Payload)

	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, second.ID, d.Job().ID)

	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	assert.Nil(t, d, "empty queue returns nothing after the poll interval")
}

func TestRedisQueue_DelayedJobWaitsForItsTime(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "outbound", newJob(clock.Now().Add(30*time.Second))))

	d, err := q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	assert.Nil(t, d)

	clock.Advance(31 * time.Second)
	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestRedisQueue_AckRemovesJob(t *testing.T) {
	q, clock, mr := newTestQueue(t)
	ctx := context.Background()
	job := newJob(clock.Now())
	require.NoError(t, q.Enqueue(ctx, "outbound", job))

	d, err := q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	require.NoError(t, d.Ack(ctx))

	assert.Empty(t, mr.HGet("outreach:queue:outbound:jobs", job.ID))
	ready, delayed, processing, err := q.Depth(ctx, "outbound")
	require.NoError(t, err)
	assert.Zero(t, ready+delayed+processing)

	clock.Advance(time.Hour)
	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	assert.Nil(t, d, "acked job is never redelivered")
}

func TestRedisQueue_RescheduleStoresModifiedJob(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "outbound", newJob(clock.Now())))

	d, err := q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	job := d.Job()
	job.SenderIdentity = "PAGE_B"
	job.Excluded = []string{"PAGE_A"}
	job.Status = domain.JobStatusRequeued
	require.NoError(t, d.Reschedule(ctx, job, clock.Now().Add(10*time.Second)))

	_, delayed, processing, err := q.Depth(ctx, "outbound")
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
	assert.Zero(t, processing)

	clock.Advance(10 * time.Second)
	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "PAGE_B", d.Job().SenderIdentity)
	assert.Equal(t, []string{"PAGE_A"}, d.Job().Excluded)
}

func TestRedisQueue_NackRedeliversAfterDelay(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()
	job := newJob(clock.Now())
	require.NoError(t, q.Enqueue(ctx, "outbound", job))

	d, err := q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))

	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	assert.Nil(t, d)

	clock.Advance(time.Second)
	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, job.ID, d.Job().ID)
}

func TestRedisQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()
	job := newJob(clock.Now())
	require.NoError(t, q.Enqueue(ctx, "outbound", job))

	_, err := q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	// the worker dies without settling

	clock.Advance(4 * time.Minute)
	d, err := q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	assert.Nil(t, d, "lease still valid")

	clock.Advance(2 * time.Minute)
	d, err = q.Dequeue(ctx, "outbound")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, job.ID, d.Job().ID)
}

func TestRedisQueue_SkipsIDsWithoutBody(t *testing.T) {
	q, clock, mr := newTestQueue(t)
	ctx := context.Background()
	job := newJob(clock.Now())
	require.NoError(t, q.Enqueue(ctx, "outbound", job))
	mr.HDel("outreach:queue:outbound:jobs", job.ID)

	d, err := q.Dequeue(ctx, "outbound")

	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisQueue_Closed(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background(), "outbound")
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), "outbound", newJob(clock.Now())), domain.ErrQueueClosed)
}

func TestRedisQueue_DequeueStopsOnContext(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.cfg.PollInterval = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, "outbound")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
