// Package repository implements data persistence adapters
// Following Hexagonal Architecture: Adapters implement ports defined in core
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

// Ensure MariaDBRepository implements the required interfaces
var (
	_ ports.IdentityStore     = (*MariaDBRepository)(nil)
	_ ports.CredentialStore   = (*MariaDBRepository)(nil)
	_ ports.WebhookRepository = (*MariaDBRepository)(nil)
)

// MariaDBRepository implements persistence operations for MariaDB
// Schema: migrations/001_init.sql
type MariaDBRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewMariaDBRepository creates a new MariaDB repository instance
func NewMariaDBRepository(db *sql.DB) *MariaDBRepository {
	return &MariaDBRepository{
		db:  db,
		now: time.Now,
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// ============================================================================
// WebhookRepository Implementation
// ============================================================================

// SaveLog persists a webhook event to the audit log
func (r *MariaDBRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) error {
	query := `
		INSERT INTO webhook_logs (platform, payload_json, status, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.Platform,
		log.PayloadJSON,
		log.Status,
		log.CreatedAt,
	)
	if err != nil {
		slog.Error("Failed to save webhook log",
			"error", err,
			"platform", log.Platform,
		)
		return fmt.Errorf("save webhook log: %w", err)
	}

	slog.Debug("Webhook log saved",
		"platform", log.Platform,
		"status", log.Status,
	)
	return nil
}

// PurgeProcessed deletes processed webhook logs created before the cutoff
func (r *MariaDBRepository) PurgeProcessed(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM webhook_logs
		WHERE status = ? AND created_at < ?
		LIMIT ?
	`

	result, err := r.db.ExecContext(ctx, query, domain.WebhookStatusProcessed, before, limit)
	if err != nil {
		slog.Error("Failed to purge webhook logs", "error", err)
		return 0, fmt.Errorf("purge webhook logs: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// ============================================================================
// IdentityStore Implementation
// ============================================================================

const identityColumns = `
	campaign_id, channel, address, daily_count, total_count,
	daily_limit, total_limit, reserved, banned, ban_reason, rotation_index
`

func scanIdentity(row rowScanner) (*domain.IdentityRecord, error) {
	var rec domain.IdentityRecord
	var banReason sql.NullString
	err := row.Scan(
		&rec.CampaignID,
		&rec.Channel,
		&rec.Address,
		&rec.DailyCount,
		&rec.TotalCount,
		&rec.DailyLimit,
		&rec.TotalLimit,
		&rec.Reserved,
		&rec.Banned,
		&banReason,
		&rec.RotationIndex,
	)
	if err != nil {
		return nil, err
	}
	if banReason.Valid {
		rec.BanReason = &banReason.String
	}
	return &rec, nil
}

// List returns the pool's identities in rotation order.
// Addresses compare byte-wise so the order matches the cursor comparison.
func (r *MariaDBRepository) List(ctx context.Context, pool domain.PoolKey) ([]domain.IdentityRecord, error) {
	query := `
		SELECT ` + identityColumns + `
		FROM identities
		WHERE campaign_id = ? AND channel = ?
		ORDER BY rotation_index ASC, BINARY address ASC
	`

	rows, err := r.db.QueryContext(ctx, query, pool.CampaignID, pool.Channel)
	if err != nil {
		slog.Error("Failed to list identities",
			"error", err,
			"pool", pool.String(),
		)
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []domain.IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return out, nil
}

// Get returns a single identity
func (r *MariaDBRepository) Get(ctx context.Context, key domain.IdentityKey) (*domain.IdentityRecord, error) {
	query := `
		SELECT ` + identityColumns + `
		FROM identities
		WHERE campaign_id = ? AND channel = ? AND address = ?
	`

	rec, err := scanIdentity(r.db.QueryRowContext(ctx, query, key.CampaignID, key.Channel, key.Address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIdentityNotFound
	}
	if err != nil {
		slog.Error("Failed to get identity",
			"error", err,
			"identity", key.String(),
		)
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return rec, nil
}

// Upsert attaches an identity or updates its limits and credential.
// Counters, reservations and ban state survive the update.
func (r *MariaDBRepository) Upsert(ctx context.Context, rec *domain.IdentityRecord, credential string) error {
	query := `
		INSERT INTO identities (
			campaign_id, channel, address, credential,
			daily_limit, total_limit, rotation_index, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			credential = IF(VALUES(credential) = '', credential, VALUES(credential)),
			daily_limit = VALUES(daily_limit),
			total_limit = VALUES(total_limit),
			rotation_index = VALUES(rotation_index)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.CampaignID,
		rec.Channel,
		rec.Address,
		credential,
		rec.DailyLimit,
		rec.TotalLimit,
		rec.RotationIndex,
		r.now(),
	)
	if err != nil {
		slog.Error("Failed to upsert identity",
			"error", err,
			"identity", rec.Key().String(),
		)
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// Cursor returns the persisted rotation position of a pool
func (r *MariaDBRepository) Cursor(ctx context.Context, pool domain.PoolKey) (domain.RotationCursor, error) {
	query := `
		SELECT cursor_index, cursor_address, version
		FROM rotation_cursors
		WHERE campaign_id = ? AND channel = ?
	`

	var c domain.RotationCursor
	err := r.db.QueryRowContext(ctx, query, pool.CampaignID, pool.Channel).Scan(&c.Index, &c.Address, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RotationCursor{Index: -1}, nil
	}
	if err != nil {
		slog.Error("Failed to read rotation cursor",
			"error", err,
			"pool", pool.String(),
		)
		return domain.RotationCursor{}, fmt.Errorf("read cursor: %w", err)
	}
	return c, nil
}

// AdvanceCursor moves the cursor when its version still matches.
// Version 0 means no row exists yet; the first writer inserts it.
func (r *MariaDBRepository) AdvanceCursor(ctx context.Context, pool domain.PoolKey, expectedVersion int64, index int, address string) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if expectedVersion == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT IGNORE INTO rotation_cursors (campaign_id, channel, cursor_index, cursor_address, version)
			VALUES (?, ?, ?, ?, 1)
		`, pool.CampaignID, pool.Channel, index, address)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE rotation_cursors
			SET cursor_index = ?, cursor_address = ?, version = version + 1
			WHERE campaign_id = ? AND channel = ? AND version = ?
		`, index, address, pool.CampaignID, pool.Channel, expectedVersion)
	}
	if err != nil {
		slog.Error("Failed to advance rotation cursor",
			"error", err,
			"pool", pool.String(),
			"expected_version", expectedVersion,
		)
		return false, fmt.Errorf("advance cursor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	return rows == 1, nil
}

// Reserve claims one in-flight send in a single conditional UPDATE
func (r *MariaDBRepository) Reserve(ctx context.Context, key domain.IdentityKey) (bool, error) {
	query := `
		UPDATE identities
		SET reserved = reserved + 1
		WHERE campaign_id = ? AND channel = ? AND address = ?
		  AND banned = 0
		  AND (daily_limit = 0 OR daily_count + reserved < daily_limit)
		  AND (total_limit = 0 OR total_count + reserved < total_limit)
	`

	result, err := r.db.ExecContext(ctx, query, key.CampaignID, key.Channel, key.Address)
	if err != nil {
		slog.Error("Failed to reserve identity",
			"error", err,
			"identity", key.String(),
		)
		return false, fmt.Errorf("reserve identity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve identity: %w", err)
	}
	return rows == 1, nil
}

// Commit turns a reservation into a counted send
func (r *MariaDBRepository) Commit(ctx context.Context, key domain.IdentityKey) (*domain.IdentityRecord, error) {
	query := `
		UPDATE identities
		SET reserved = GREATEST(reserved - 1, 0),
			daily_count = daily_count + 1,
			total_count = total_count + 1
		WHERE campaign_id = ? AND channel = ? AND address = ?
	`

	result, err := r.db.ExecContext(ctx, query, key.CampaignID, key.Channel, key.Address)
	if err != nil {
		slog.Error("Failed to commit identity send",
			"error", err,
			"identity", key.String(),
		)
		return nil, fmt.Errorf("commit identity: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, domain.ErrIdentityNotFound
	}
	return r.Get(ctx, key)
}

// Release drops a reservation without counting it
func (r *MariaDBRepository) Release(ctx context.Context, key domain.IdentityKey) error {
	query := `
		UPDATE identities
		SET reserved = GREATEST(reserved - 1, 0)
		WHERE campaign_id = ? AND channel = ? AND address = ?
	`

	if _, err := r.db.ExecContext(ctx, query, key.CampaignID, key.Channel, key.Address); err != nil {
		slog.Error("Failed to release identity",
			"error", err,
			"identity", key.String(),
		)
		return fmt.Errorf("release identity: %w", err)
	}
	return nil
}

// Ban marks the identity unusable until an operator resets it
func (r *MariaDBRepository) Ban(ctx context.Context, key domain.IdentityKey, reason string) error {
	return r.setBanned(ctx, key, true, sql.NullString{String: reason, Valid: true})
}

// Unban lifts a ban
func (r *MariaDBRepository) Unban(ctx context.Context, key domain.IdentityKey) error {
	return r.setBanned(ctx, key, false, sql.NullString{})
}

func (r *MariaDBRepository) setBanned(ctx context.Context, key domain.IdentityKey, banned bool, reason sql.NullString) error {
	query := `
		UPDATE identities
		SET banned = ?, ban_reason = ?
		WHERE campaign_id = ? AND channel = ? AND address = ?
	`

	result, err := r.db.ExecContext(ctx, query, banned, reason, key.CampaignID, key.Channel, key.Address)
	if err != nil {
		slog.Error("Failed to update identity ban state",
			"error", err,
			"identity", key.String(),
			"banned", banned,
		)
		return fmt.Errorf("update ban state: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// MariaDB reports 0 affected rows when values are unchanged, so check existence
		if _, err := r.Get(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ResetDaily zeroes daily counters of identities not yet reset since boundary.
// Reservations belong to sends still in flight and are left to Commit or Release.
func (r *MariaDBRepository) ResetDaily(ctx context.Context, boundary time.Time) (int64, error) {
	query := `
		UPDATE identities
		SET daily_count = 0, daily_reset_at = ?
		WHERE daily_reset_at IS NULL OR daily_reset_at < ?
	`

	result, err := r.db.ExecContext(ctx, query, boundary, boundary)
	if err != nil {
		slog.Error("Failed to reset daily counters",
			"error", err,
			"boundary", boundary,
		)
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// ============================================================================
// CredentialStore Implementation
// ============================================================================

// Credential returns the access token stored for a channel address
func (r *MariaDBRepository) Credential(ctx context.Context, channel, address string) (string, error) {
	query := `
		SELECT credential
		FROM identities
		WHERE channel = ? AND address = ? AND credential <> ''
		LIMIT 1
	`

	var credential string
	err := r.db.QueryRowContext(ctx, query, channel, address).Scan(&credential)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Warn("No credential found for identity",
			"channel", channel,
			"address", address,
		)
		return "", domain.ErrIdentityNotFound
	}
	if err != nil {
		slog.Error("Failed to get credential",
			"error", err,
			"channel", channel,
			"address", address,
		)
		return "", fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}
