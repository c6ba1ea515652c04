package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"immortal-outreach/internal/core/ports"
)

// Ensure RedisRepository implements DedupRepository
var _ ports.DedupRepository = (*RedisRepository)(nil)

// RedisRepository keeps short-lived markers in Redis: inbound message IDs
// already routed and send jobs already completed.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisRepository creates a new Redis repository instance
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
		prefix: "outreach:dedup:",
	}
}

// IsDuplicate reports whether a marker exists for the key
func (r *RedisRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(eventID)).Result()
	if err != nil {
		slog.Error("Failed to check deduplication",
			"error", err,
			"event_id", eventID,
		)
		return false, fmt.Errorf("check duplicate: %w", err)
	}

	if n > 0 {
		slog.Debug("Duplicate detected", "event_id", eventID)
		return true, nil
	}
	return false, nil
}

// MarkProcessed sets the marker with a TTL; the value is the unix time for debugging
func (r *RedisRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	err := r.client.Set(ctx, r.key(eventID), time.Now().Unix(), ttl).Err()
	if err != nil {
		slog.Error("Failed to mark event as processed",
			"error", err,
			"event_id", eventID,
			"ttl", ttl,
		)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (r *RedisRepository) key(eventID string) string {
	return r.prefix + eventID
}
