package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ChargeMail/internal/models"
)

// Store is the durable email queue. Every status transition refreshes
// updated_at. Failures are marked errs.ErrStore; a transition whose source
// state does not hold (for example MarkSent on a job that is no longer
// processing) is marked errs.ErrNotFound and changes nothing.
type Store interface {
	// InsertEmail persists job as pending with zero attempts and fills in
	// the assigned ID and timestamps.
	InsertEmail(ctx context.Context, job *models.EmailJob) error

	// ClaimBatch atomically moves up to limit eligible jobs (pending,
	// scheduled_for <= now, attempts < max_attempts) to processing and
	// returns them oldest-first by created_at.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]models.EmailJob, error)

	// MarkSent records a successful delivery of a processing job.
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error

	// MarkFailed records a failed attempt of a processing job: status
	// failed, attempts+1 (never above max_attempts), last_error set. It
	// returns the new attempt count.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (int, error)

	// RequeueFailed returns failed jobs with attempts left to pending.
	// retryAt computes the new scheduled_for from the attempt count; nil
	// keeps the job immediately eligible.
	RequeueFailed(ctx context.Context, now time.Time, retryAt func(attempts int) time.Time) (int64, error)

	// ResetStaleProcessing returns jobs stuck in processing since before
	// olderThan to pending.
	ResetStaleProcessing(ctx context.Context, olderThan, now time.Time) (int64, error)

	// PurgeSent deletes sent jobs whose sent_at is before olderThan.
	PurgeSent(ctx context.Context, olderThan time.Time) (int64, error)

	GetEmail(ctx context.Context, id uuid.UUID) (*models.EmailJob, error)
	Stats(ctx context.Context) (models.QueueStats, error)

	// Recent lists jobs newest first. A limit <= 0 returns every job.
	Recent(ctx context.Context, limit int) ([]models.EmailJob, error)

	Close()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
