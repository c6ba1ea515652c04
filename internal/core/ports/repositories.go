// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"immortal-outreach/internal/core/domain"
)

// IdentityStore is the durable home of IdentityRecords and rotation cursors.
// Counter and cursor updates must be atomic in the backing store.
type IdentityStore interface {
	// List returns the pool's identities ordered by RotationIndex, then Address
	List(ctx context.Context, pool domain.PoolKey) ([]domain.IdentityRecord, error)

	Get(ctx context.Context, key domain.IdentityKey) (*domain.IdentityRecord, error)

	// Upsert attaches an identity to a campaign pool or updates its limits.
	// Counters, reservations and ban state of an existing identity are kept.
	Upsert(ctx context.Context, rec *domain.IdentityRecord, credential string) error

	// Cursor returns the persisted rotation position (Index -1 when never advanced)
	Cursor(ctx context.Context, pool domain.PoolKey) (domain.RotationCursor, error)

	// AdvanceCursor is a compare-and-swap on the cursor version that moves the
	// cursor to the identity at (index, address).
	// Returns false when another writer advanced it first.
	AdvanceCursor(ctx context.Context, pool domain.PoolKey, expectedVersion int64, index int, address string) (bool, error)

	// Reserve claims one in-flight send on the identity.
	// Returns false when the identity is banned or daily/total usage would exceed its limit.
	Reserve(ctx context.Context, key domain.IdentityKey) (bool, error)

	// Commit converts a reservation into a counted send and returns the updated record
	Commit(ctx context.Context, key domain.IdentityKey) (*domain.IdentityRecord, error)

	// Release drops a reservation without counting it
	Release(ctx context.Context, key domain.IdentityKey) error

	Ban(ctx context.Context, key domain.IdentityKey, reason string) error
	Unban(ctx context.Context, key domain.IdentityKey) error

	// ResetDaily zeroes daily counters and stale reservations of every identity
	// not yet reset since boundary. Repeated calls for one boundary are no-ops.
	ResetDaily(ctx context.Context, boundary time.Time) (int64, error)
}

// CredentialStore resolves the secret a channel needs to act as an identity
type CredentialStore interface {
	Credential(ctx context.Context, channel, address string) (string, error)
}

// JobRepository persists SendJob state transitions
type JobRepository interface {
	Create(ctx context.Context, job *domain.SendJob) error
	Get(ctx context.Context, id string) (*domain.SendJob, error)

	// Claim atomically moves a queued/requeued job to inflight. An inflight claim
	// older than staleAfter is treated as abandoned and may be taken over.
	// Returns false when the job is held by another worker or already terminal.
	Claim(ctx context.Context, id string, staleAfter time.Duration) (bool, error)

	// Update stores a requeue (status, attempts, scheduledAt, sender identity, last error)
	Update(ctx context.Context, job *domain.SendJob) error

	MarkCompleted(ctx context.Context, id string, messageID string) error
	MarkFailed(ctx context.Context, id string, reason string) error

	// PurgeArchived deletes terminal jobs last updated before the cutoff
	PurgeArchived(ctx context.Context, before time.Time, limit int) (int64, error)
}

// WebhookRepository handles persistence of webhook audit logs
type WebhookRepository interface {
	SaveLog(ctx context.Context, log *domain.WebhookLog) error
	PurgeProcessed(ctx context.Context, before time.Time, limit int) (int64, error)
}

// DedupRepository handles deduplication of events and completion markers using cache
type DedupRepository interface {
	// IsDuplicate checks if an event ID has already been processed
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed marks an event as processed with a TTL
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}
