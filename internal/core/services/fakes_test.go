package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

// ============================================================================
// Mock collaborators
// ============================================================================

// MockWebhookRepository mocks WebhookRepository interface
type MockWebhookRepository struct {
	mock.Mock
}

func (m *MockWebhookRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockWebhookRepository) PurgeProcessed(ctx context.Context, before time.Time, limit int) (int64, error) {
	args := m.Called(ctx, before, limit)
	return int64(args.Int(0)), args.Error(1)
}

// MockDedupRepository mocks DedupRepository interface
type MockDedupRepository struct {
	mock.Mock
}

func (m *MockDedupRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDedupRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	args := m.Called(ctx, eventID, ttl)
	return args.Error(0)
}

// MockChannelAdapter mocks ChannelAdapter interface
type MockChannelAdapter struct {
	mock.Mock
	name string
}

func (m *MockChannelAdapter) Name() string { return m.name }

func (m *MockChannelAdapter) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.SendResult), args.Error(1)
}

func (m *MockChannelAdapter) MarkRead(ctx context.Context, identity, recipient string) error {
	args := m.Called(ctx, identity, recipient)
	return args.Error(0)
}

func (m *MockChannelAdapter) SetTyping(ctx context.Context, identity, recipient string, on bool) error {
	args := m.Called(ctx, identity, recipient, on)
	return args.Error(0)
}

func (m *MockChannelAdapter) IsTyping(ctx context.Context, identity, recipient string) (bool, error) {
	args := m.Called(ctx, identity, recipient)
	return args.Bool(0), args.Error(1)
}

// MockInboundHandler mocks the presence registry seen by the router
type MockInboundHandler struct {
	mock.Mock
}

func (m *MockInboundHandler) HandleInbound(msg domain.InboundMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}

// ============================================================================
// In-memory stores
// ============================================================================

// memIdentityStore is an in-memory IdentityStore with the same atomicity as the SQL one
type memIdentityStore struct {
	mu      sync.Mutex
	ids     map[domain.IdentityKey]*domain.IdentityRecord
	cursors map[domain.PoolKey]domain.RotationCursor
	resetAt map[domain.IdentityKey]time.Time

	// advanceHook runs before each AdvanceCursor and may move the cursor
	advanceHook func(pool domain.PoolKey)
}

var _ ports.IdentityStore = (*memIdentityStore)(nil)

func newMemIdentityStore(recs ...domain.IdentityRecord) *memIdentityStore {
	s := &memIdentityStore{
		ids:     make(map[domain.IdentityKey]*domain.IdentityRecord),
		cursors: make(map[domain.PoolKey]domain.RotationCursor),
		resetAt: make(map[domain.IdentityKey]time.Time),
	}
	for i := range recs {
		rec := recs[i]
		s.ids[rec.Key()] = &rec
	}
	return s
}

func (s *memIdentityStore) List(ctx context.Context, pool domain.PoolKey) ([]domain.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.IdentityRecord
	for k, rec := range s.ids {
		if k.Pool() == pool {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RotationIndex != out[j].RotationIndex {
			return out[i].RotationIndex < out[j].RotationIndex
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (s *memIdentityStore) Get(ctx context.Context, key domain.IdentityKey) (*domain.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[key]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memIdentityStore) Upsert(ctx context.Context, rec *domain.IdentityRecord, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.ids[rec.Key()]; ok {
		cur.DailyLimit = rec.DailyLimit
		cur.TotalLimit = rec.TotalLimit
		cur.RotationIndex = rec.RotationIndex
		return nil
	}
	cp := *rec
	s.ids[rec.Key()] = &cp
	return nil
}

func (s *memIdentityStore) Cursor(ctx context.Context, pool domain.PoolKey) (domain.RotationCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[pool]
	if !ok {
		return domain.RotationCursor{Index: -1}, nil
	}
	return c, nil
}

func (s *memIdentityStore) AdvanceCursor(ctx context.Context, pool domain.PoolKey, expectedVersion int64, index int, address string) (bool, error) {
	if s.advanceHook != nil {
		s.advanceHook(pool)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursors[pool]
	if c.Version != expectedVersion {
		return false, nil
	}
	s.cursors[pool] = domain.RotationCursor{Index: index, Address: address, Version: expectedVersion + 1}
	return true, nil
}

func (s *memIdentityStore) Reserve(ctx context.Context, key domain.IdentityKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[key]
	if !ok || !rec.Eligible() {
		return false, nil
	}
	rec.Reserved++
	return true, nil
}

func (s *memIdentityStore) Commit(ctx context.Context, key domain.IdentityKey) (*domain.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[key]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	if rec.Reserved > 0 {
		rec.Reserved--
	}
	rec.DailyCount++
	rec.TotalCount++
	cp := *rec
	return &cp, nil
}

func (s *memIdentityStore) Release(ctx context.Context, key domain.IdentityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.ids[key]; ok && rec.Reserved > 0 {
		rec.Reserved--
	}
	return nil
}

func (s *memIdentityStore) Ban(ctx context.Context, key domain.IdentityKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[key]
	if !ok {
		return domain.ErrIdentityNotFound
	}
	rec.Banned = true
	rec.BanReason = &reason
	return nil
}

func (s *memIdentityStore) Unban(ctx context.Context, key domain.IdentityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[key]
	if !ok {
		return domain.ErrIdentityNotFound
	}
	rec.Banned = false
	rec.BanReason = nil
	return nil
}

func (s *memIdentityStore) ResetDaily(ctx context.Context, boundary time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.ids {
		if !s.resetAt[k].Before(boundary) {
			continue
		}
		rec.DailyCount = 0
		s.resetAt[k] = boundary
		n++
	}
	return n, nil
}

func (s *memIdentityStore) record(key domain.IdentityKey) domain.IdentityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.ids[key]
}

// memJobRepo is an in-memory JobRepository
type memJobRepo struct {
	mu         sync.Mutex
	jobs       map[string]*domain.SendJob
	purgeCalls []time.Time
}

var _ ports.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*domain.SendJob)}
}

func (r *memJobRepo) Create(ctx context.Context, job *domain.SendJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memJobRepo) Get(ctx context.Context, id string) (*domain.SendJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) Claim(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	now := time.Now()
	abandoned := job.Status == domain.JobStatusInflight &&
		job.UpdatedAt != nil && now.Sub(*job.UpdatedAt) > staleAfter
	if !job.Status.Claimable() && !abandoned {
		return false, nil
	}
	job.Status = domain.JobStatusInflight
	job.UpdatedAt = &now
	return true, nil
}

func (r *memJobRepo) Update(ctx context.Context, job *domain.SendJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if cur.Status.IsTerminal() {
		return nil
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memJobRepo) MarkCompleted(ctx context.Context, id string, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusCompleted
	job.MessageID = &messageID
	return nil
}

func (r *memJobRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusCompleted {
		return nil
	}
	job.Status = domain.JobStatusFailed
	job.LastError = &reason
	return nil
}

// makeDue moves a job's schedule to now, as if its wait had passed
func (r *memJobRepo) makeDue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.ScheduledAt = time.Now()
	}
}

func (r *memJobRepo) PurgeArchived(ctx context.Context, before time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeCalls = append(r.purgeCalls, before)
	return 0, nil
}

// memDedup is an in-memory DedupRepository
type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDedup() *memDedup {
	return &memDedup{seen: make(map[string]bool)}
}

func (d *memDedup) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[eventID], nil
}

func (d *memDedup) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[eventID] = true
	return nil
}

// ============================================================================
// Queue fakes
// ============================================================================

// fakeDelivery records how a delivery was settled
type fakeDelivery struct {
	mu          sync.Mutex
	job         *domain.SendJob
	acked       bool
	nacked      bool
	rescheduled *time.Time
	requeue     func(job *domain.SendJob, at time.Time)
}

func newFakeDelivery(job *domain.SendJob) *fakeDelivery {
	cp := *job
	return &fakeDelivery{job: &cp}
}

func (d *fakeDelivery) Job() *domain.SendJob { return d.job }

func (d *fakeDelivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	return nil
}

func (d *fakeDelivery) Reschedule(ctx context.Context, job *domain.SendJob, at time.Time) error {
	d.mu.Lock()
	d.rescheduled = &at
	requeue := d.requeue
	d.mu.Unlock()
	if requeue != nil {
		cp := *job
		requeue(&cp, at)
	}
	return nil
}

func (d *fakeDelivery) settled() (acked, nacked bool, rescheduled *time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.rescheduled
}

// memQueue is an in-memory JobQueue that holds rescheduled jobs until they are due
type memQueue struct {
	mu     sync.Mutex
	ready  []queuedJob
	closed bool
}

type queuedJob struct {
	job *domain.SendJob
	due time.Time
}

var _ ports.JobQueue = (*memQueue)(nil)

func (q *memQueue) Enqueue(ctx context.Context, queue string, job *domain.SendJob) error {
	q.push(job, time.Time{})
	return nil
}

func (q *memQueue) push(job *domain.SendJob, due time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.ready = append(q.ready, queuedJob{job: &cp, due: due})
}

func (q *memQueue) Dequeue(ctx context.Context, queue string) (ports.Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, domain.ErrQueueClosed
	}
	now := time.Now()
	for i, item := range q.ready {
		if item.due.After(now) {
			continue
		}
		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		q.mu.Unlock()

		d := newFakeDelivery(item.job)
		d.requeue = q.push
		return d, nil
	}
	q.mu.Unlock()
	sleepCtx(ctx, 5*time.Millisecond)
	return nil, nil
}

// fastForward makes every queued job due now
func (q *memQueue) fastForward() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ready {
		q.ready[i].due = time.Time{}
	}
}

func (q *memQueue) payloads() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, item := range q.ready {
		out = append(out, item.job.Payload)
	}
	return out
}

func (q *memQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
