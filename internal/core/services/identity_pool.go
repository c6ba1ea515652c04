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

const defaultCursorRetries = 5

// IdentityPool selects sending identities in persisted round-robin order and
// keeps their usage counters and ban state.
type IdentityPool struct {
	store      ports.IdentityStore
	metrics    *metrics.Metrics
	casRetries int

	mu    sync.Mutex
	locks map[domain.PoolKey]*sync.Mutex
}

// NewIdentityPool creates a pool over the given store
func NewIdentityPool(store ports.IdentityStore, m *metrics.Metrics) *IdentityPool {
	return &IdentityPool{
		store:      store,
		metrics:    m,
		casRetries: defaultCursorRetries,
		locks:      make(map[domain.PoolKey]*sync.Mutex),
	}
}

// poolLock serializes selections for one pool inside this process.
// Other processes are fenced by the cursor compare-and-swap.
func (p *IdentityPool) poolLock(pool domain.PoolKey) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[pool]
	if !ok {
		l = &sync.Mutex{}
		p.locks[pool] = l
	}
	return l
}

// Next returns the next eligible identity after the persisted cursor, skipping
// banned, over-limit and excluded identities, and advances the cursor to it.
// Every identity is visited at most once per attempt; ErrPoolExhausted is
// returned when none qualifies.
func (p *IdentityPool) Next(ctx context.Context, pool domain.PoolKey, excluding ...string) (*domain.IdentityRecord, error) {
	lock := p.poolLock(pool)
	lock.Lock()
	defer lock.Unlock()

	skip := make(map[string]struct{}, len(excluding))
	for _, addr := range excluding {
		skip[addr] = struct{}{}
	}

	for attempt := 1; attempt <= p.casRetries; attempt++ {
		identities, err := p.store.List(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("list identities: %w", err)
		}
		cursor, err := p.store.Cursor(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("read rotation cursor: %w", err)
		}

		picked := pickAfter(identities, cursor, skip)
		if picked == nil {
			p.metrics.Exhausted(pool.Channel)
			slog.Warn("Identity pool exhausted",
				"pool", pool.String(),
				"size", len(identities),
				"excluded", len(skip),
			)
			return nil, domain.ErrPoolExhausted
		}

		ok, err := p.store.AdvanceCursor(ctx, pool, cursor.Version, picked.RotationIndex, picked.Address)
		if err != nil {
			return nil, fmt.Errorf("advance rotation cursor: %w", err)
		}
		if ok {
			p.metrics.Rotated(pool.Channel)
			slog.Debug("Identity selected",
				"pool", pool.String(),
				"identity", picked.Address,
				"rotation_index", picked.RotationIndex,
			)
			return picked, nil
		}

		slog.Debug("Rotation cursor moved concurrently, retrying",
			"pool", pool.String(),
			"attempt", attempt,
		)
	}

	return nil, fmt.Errorf("advance rotation cursor for %s: lost %d races", pool, p.casRetries)
}

// pickAfter scans identities (ordered by RotationIndex, then Address) starting
// after the cursor position, wrapping once around the pool.
func pickAfter(identities []domain.IdentityRecord, cursor domain.RotationCursor, skip map[string]struct{}) *domain.IdentityRecord {
	n := len(identities)
	if n == 0 {
		return nil
	}

	start := 0
	for i := range identities {
		if cursor.After(&identities[i]) {
			start = i
			break
		}
	}

	for i := 0; i < n; i++ {
		cand := identities[(start+i)%n]
		if _, excluded := skip[cand.Address]; excluded {
			continue
		}
		if !cand.Eligible() {
			continue
		}
		return &cand
	}
	return nil
}

// Acquire reserves one in-flight send on the identity.
// Returns ErrIdentityUnavailable when the identity is banned or at its limit.
func (p *IdentityPool) Acquire(ctx context.Context, key domain.IdentityKey) error {
	ok, err := p.store.Reserve(ctx, key)
	if err != nil {
		return fmt.Errorf("reserve identity: %w", err)
	}
	if !ok {
		return domain.ErrIdentityUnavailable
	}
	return nil
}

// Release drops a reservation taken by Acquire
func (p *IdentityPool) Release(ctx context.Context, key domain.IdentityKey) {
	if err := p.store.Release(ctx, key); err != nil {
		slog.Error("Failed to release identity reservation",
			"error", err,
			"identity", key.String(),
		)
	}
}

// RecordSuccess counts a delivered send. Once the post-increment count meets the
// limit the identity stops being eligible without being banned.
func (p *IdentityPool) RecordSuccess(ctx context.Context, key domain.IdentityKey) {
	rec, err := p.store.Commit(ctx, key)
	if err != nil {
		slog.Error("Failed to record identity usage",
			"error", err,
			"identity", key.String(),
		)
		return
	}
	if rec != nil && rec.LimitReached() {
		slog.Info("Identity reached its sending limit",
			"identity", key.String(),
			"daily_count", rec.DailyCount,
			"daily_limit", rec.DailyLimit,
			"total_count", rec.TotalCount,
		)
	}
}

// RecordBan marks the identity permanently ineligible. Store failures are logged,
// not returned: the ban is local terminal state.
func (p *IdentityPool) RecordBan(ctx context.Context, key domain.IdentityKey, reason string) {
	if err := p.store.Ban(ctx, key, reason); err != nil {
		slog.Error("Failed to ban identity",
			"error", err,
			"identity", key.String(),
			"reason", reason,
		)
		return
	}
	slog.Warn("Identity banned",
		"identity", key.String(),
		"reason", reason,
	)
}

// Attach adds an identity to its pool or updates its limits.
// Rotation indices stay unique within the pool; pass AutoRotationIndex to let the pool choose.
func (p *IdentityPool) Attach(ctx context.Context, rec *domain.IdentityRecord, credential string) error {
	if rec.Address == "" || rec.CampaignID == "" || rec.Channel == "" {
		return fmt.Errorf("attach identity: campaign, channel and address are required")
	}

	lock := p.poolLock(rec.Key().Pool())
	lock.Lock()
	defer lock.Unlock()

	identities, err := p.store.List(ctx, rec.Key().Pool())
	if err != nil {
		return fmt.Errorf("attach identity: %w", err)
	}
	rec.RotationIndex = freeRotationIndex(identities, rec.Address, rec.RotationIndex)

	if err := p.store.Upsert(ctx, rec, credential); err != nil {
		return fmt.Errorf("attach identity: %w", err)
	}
	slog.Info("Identity attached",
		"identity", rec.Key().String(),
		"daily_limit", rec.DailyLimit,
		"total_limit", rec.TotalLimit,
		"rotation_index", rec.RotationIndex,
	)
	return nil
}

// freeRotationIndex resolves the rotation index of an attached identity.
// A negative want keeps the index of an existing identity and appends a new one
// to the end of the rotation. A want held by another identity also appends.
func freeRotationIndex(identities []domain.IdentityRecord, address string, want int) int {
	taken := false
	highest := -1
	for i := range identities {
		if identities[i].Address == address {
			if want < 0 {
				return identities[i].RotationIndex
			}
			continue
		}
		if identities[i].RotationIndex == want {
			taken = true
		}
		highest = max(highest, identities[i].RotationIndex)
	}
	if want >= 0 && !taken {
		return want
	}
	return highest + 1
}

// Reset lifts a ban (manual operator action)
func (p *IdentityPool) Reset(ctx context.Context, key domain.IdentityKey) error {
	if err := p.store.Unban(ctx, key); err != nil {
		return fmt.Errorf("unban identity: %w", err)
	}
	slog.Info("Identity ban lifted", "identity", key.String())
	return nil
}

// ResetDaily zeroes the daily counters of identities not reset since boundary
func (p *IdentityPool) ResetDaily(ctx context.Context, boundary time.Time) (int64, error) {
	n, err := p.store.ResetDaily(ctx, boundary)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	return n, nil
}

// PoolSnapshot is a read-only view of a pool for the operator API
type PoolSnapshot struct {
	Pool       string                  `json:"pool"`
	Cursor     int                     `json:"cursor"`
	Identities []domain.IdentityRecord `json:"identities"`
	Eligible   int                     `json:"eligible"`
}

// Snapshot returns the pool's identities and cursor
func (p *IdentityPool) Snapshot(ctx context.Context, pool domain.PoolKey) (*PoolSnapshot, error) {
	identities, err := p.store.List(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	cursor, err := p.store.Cursor(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("read rotation cursor: %w", err)
	}
	snap := &PoolSnapshot{Pool: pool.String(), Cursor: cursor.Index, Identities: identities}
	for i := range identities {
		if identities[i].Eligible() {
			snap.Eligible++
		}
	}
	return snap, nil
}

// IsExhausted reports whether err means no identity could be selected
func IsExhausted(err error) bool {
	return errors.Is(err, domain.ErrPoolExhausted)
}
