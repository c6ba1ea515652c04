package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

var _ ports.JobRepository = (*MariaDBJobRepository)(nil)

// MariaDBJobRepository persists send job state transitions in the send_jobs table
type MariaDBJobRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewMariaDBJobRepository creates a job repository on the shared connection pool
func NewMariaDBJobRepository(db *sql.DB) *MariaDBJobRepository {
	return &MariaDBJobRepository{
		db:  db,
		now: time.Now,
	}
}

// ============================================================================
// JobRepository Implementation
// ============================================================================

const jobColumns = `
	id, campaign_id, channel, sender_identity, recipient_identity, payload,
	status, attempts, scheduled_at, last_error, message_id, excluded,
	next_job_id, created_at, updated_at
`

func scanJob(row rowScanner) (*domain.SendJob, error) {
	var (
		job       domain.SendJob
		lastError sql.NullString
		messageID sql.NullString
		excluded  sql.NullString
		nextJobID sql.NullString
		updatedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.CampaignID,
		&job.Channel,
		&job.SenderIdentity,
		&job.RecipientIdentity,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&job.ScheduledAt,
		&lastError,
		&messageID,
		&excluded,
		&nextJobID,
		&job.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	if messageID.Valid {
		job.MessageID = &messageID.String
	}
	if nextJobID.Valid {
		job.NextJobID = &nextJobID.String
	}
	if updatedAt.Valid {
		job.UpdatedAt = &updatedAt.Time
	}
	if excluded.Valid && excluded.String != "" {
		if err := json.Unmarshal([]byte(excluded.String), &job.Excluded); err != nil {
			return nil, fmt.Errorf("decode excluded identities: %w", err)
		}
	}
	return &job, nil
}

func encodeExcluded(excluded []string) (sql.NullString, error) {
	if len(excluded) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(excluded)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Create persists a new job
func (r *MariaDBJobRepository) Create(ctx context.Context, job *domain.SendJob) error {
	excluded, err := encodeExcluded(job.Excluded)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	query := `
		INSERT INTO send_jobs (
			id, campaign_id, channel, sender_identity, recipient_identity, payload,
			status, attempts, scheduled_at, excluded, next_job_id, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.CampaignID,
		job.Channel,
		job.SenderIdentity,
		job.RecipientIdentity,
		job.Payload,
		job.Status,
		job.Attempts,
		job.ScheduledAt,
		excluded,
		job.NextJobID,
		job.CreatedAt,
	)
	if err != nil {
		slog.Error("Failed to create send job",
			"error", err,
			"job_id", job.ID,
		)
		return fmt.Errorf("create job: %w", err)
	}

	slog.Debug("Send job created",
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"channel", job.Channel,
	)
	return nil
}

// Get returns a job by ID
func (r *MariaDBJobRepository) Get(ctx context.Context, id string) (*domain.SendJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM send_jobs
		WHERE id = ?
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		slog.Error("Failed to get send job",
			"error", err,
			"job_id", id,
		)
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Claim moves a claimable job to inflight, or takes over a stale inflight claim
func (r *MariaDBJobRepository) Claim(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	now := r.now()
	query := `
		UPDATE send_jobs
		SET status = ?, updated_at = ?
		WHERE id = ?
		  AND (
			status IN (?, ?)
			OR (status = ? AND updated_at < ?)
		  )
	`

	result, err := r.db.ExecContext(ctx, query,
		domain.JobStatusInflight, now,
		id,
		domain.JobStatusQueued, domain.JobStatusRequeued,
		domain.JobStatusInflight, now.Add(-staleAfter),
	)
	if err != nil {
		slog.Error("Failed to claim send job",
			"error", err,
			"job_id", id,
		)
		return false, fmt.Errorf("claim job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM send_jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return false, nil
}

// Update stores a requeue decision; terminal rows are never touched
func (r *MariaDBJobRepository) Update(ctx context.Context, job *domain.SendJob) error {
	excluded, err := encodeExcluded(job.Excluded)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	query := `
		UPDATE send_jobs
		SET status = ?, attempts = ?, scheduled_at = ?, sender_identity = ?,
			last_error = ?, excluded = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		job.Status,
		job.Attempts,
		job.ScheduledAt,
		job.SenderIdentity,
		job.LastError,
		excluded,
		r.now(),
		job.ID,
		domain.JobStatusCompleted, domain.JobStatusFailed,
	)
	if err != nil {
		slog.Error("Failed to update send job",
			"error", err,
			"job_id", job.ID,
			"status", job.Status,
		)
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// MarkCompleted records a successful delivery
func (r *MariaDBJobRepository) MarkCompleted(ctx context.Context, id string, messageID string) error {
	query := `
		UPDATE send_jobs
		SET status = ?, message_id = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		domain.JobStatusCompleted, messageID, r.now(),
		id,
		domain.JobStatusCompleted, domain.JobStatusFailed,
	)
	if err != nil {
		slog.Error("Failed to mark job completed",
			"error", err,
			"job_id", id,
		)
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure with its reason
func (r *MariaDBJobRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	query := `
		UPDATE send_jobs
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		domain.JobStatusFailed, reason, r.now(),
		id,
		domain.JobStatusCompleted, domain.JobStatusFailed,
	)
	if err != nil {
		slog.Error("Failed to mark job failed",
			"error", err,
			"job_id", id,
		)
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// PurgeArchived deletes terminal jobs last updated before the cutoff
func (r *MariaDBJobRepository) PurgeArchived(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM send_jobs
		WHERE status IN (?, ?) AND updated_at < ?
		LIMIT ?
	`

	result, err := r.db.ExecContext(ctx, query,
		domain.JobStatusCompleted, domain.JobStatusFailed, before, limit,
	)
	if err != nil {
		slog.Error("Failed to purge archived jobs", "error", err)
		return 0, fmt.Errorf("purge archived jobs: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
