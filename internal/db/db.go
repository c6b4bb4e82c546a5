package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ChargeMail/internal/errs"
	"ChargeMail/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const jobColumns = `id, to_addresses, cc_addresses, bcc_addresses, template, template_data,
	subject, html, text, status, attempts, max_attempts, last_error,
	scheduled_for, sent_at, created_at, updated_at`

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func New(conn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, errs.Mark(errs.Wrap(err, "open database pool"), errs.ErrConfiguration)
	}

	return &PostgresStore{Pool: pool}, nil
}

// Connect opens the pool and pings it with exponential backoff until the
// database answers or maxWait elapses.
func Connect(ctx context.Context, conn string, maxWait time.Duration, logger *zap.Logger) (*PostgresStore, error) {
	if conn == "" {
		return nil, errs.Mark(errs.New("DATABASE_URL is not set"), errs.ErrConfiguration)
	}

	store, err := New(conn)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxWait

	ping := func() error {
		return store.Pool.Ping(ctx)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("database not reachable, retrying",
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		store.Close()
		return nil, errs.Mark(errs.Wrap(err, "ping database"), errs.ErrStore)
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schemaSQL); err != nil {
		return storeErr(err, "apply schema")
	}
	return nil
}

func (s *PostgresStore) InsertEmail(ctx context.Context, job *models.EmailJob) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = time.Now().UTC()
	}
	job.Status = models.StatusPending
	job.Attempts = 0

	err := s.Pool.QueryRow(ctx,
		`INSERT INTO email_jobs
		 (to_addresses, cc_addresses, bcc_addresses, template, template_data,
		  subject, html, text, status, attempts, max_attempts, scheduled_for,
		  created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11,NOW(),NOW())
		 RETURNING id, created_at, updated_at`,
		job.To,
		job.CC,
		job.BCC,
		nullString(string(job.Template)),
		nullJSON(job.TemplateData),
		nullString(job.Subject),
		nullString(job.HTML),
		nullString(job.Text),
		models.StatusPending,
		job.MaxAttempts,
		job.ScheduledFor,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return storeErr(err, "insert email job")
	}
	return nil
}

// ClaimBatch selects and marks in one statement. SKIP LOCKED keeps
// concurrent claimers on separate rows, so replicas never claim the same
// job twice.
func (s *PostgresStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]models.EmailJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.Pool.Query(ctx,
		`WITH due AS (
		   SELECT id
		   FROM email_jobs
		   WHERE status = 'pending'
		     AND scheduled_for <= $1
		     AND attempts < max_attempts
		   ORDER BY created_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE email_jobs AS j
		 SET status = 'processing',
		     updated_at = $1
		 FROM due
		 WHERE j.id = due.id
		 RETURNING `+qualified("j"),
		now,
		limit,
	)
	if err != nil {
		return nil, storeErr(err, "claim email batch")
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storeErr(err, "scan claimed jobs")
	}

	// RETURNING order is unspecified.
	slices.SortStableFunc(jobs, func(a, b models.EmailJob) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status = 'sent',
		     sent_at = $2,
		     updated_at = $2
		 WHERE id = $1
		   AND status = 'processing'`,
		id,
		now,
	)
	if err != nil {
		return storeErr(err, "mark email sent")
	}
	if tag.RowsAffected() == 0 {
		return notProcessing(id)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (int, error) {
	var attempts int
	err := s.Pool.QueryRow(ctx,
		`UPDATE email_jobs
		 SET status = 'failed',
		     attempts = LEAST(attempts + 1, max_attempts),
		     last_error = $2,
		     updated_at = $3
		 WHERE id = $1
		   AND status = 'processing'
		 RETURNING attempts`,
		id,
		errMsg,
		now,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notProcessing(id)
	}
	if err != nil {
		return 0, storeErr(err, "mark email failed")
	}
	return attempts, nil
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, now time.Time, retryAt func(attempts int) time.Time) (int64, error) {
	if retryAt == nil {
		tag, err := s.Pool.Exec(ctx,
			`UPDATE email_jobs
			 SET status = 'pending',
			     updated_at = $1
			 WHERE status = 'failed'
			   AND attempts < max_attempts`,
			now,
		)
		if err != nil {
			return 0, storeErr(err, "requeue failed emails")
		}
		return tag.RowsAffected(), nil
	}

	var requeued int64
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, attempts
			 FROM email_jobs
			 WHERE status = 'failed'
			   AND attempts < max_attempts
			 FOR UPDATE SKIP LOCKED`,
		)
		if err != nil {
			return err
		}

		type due struct {
			id       uuid.UUID
			attempts int
		}
		var list []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.id, &d.attempts); err != nil {
				rows.Close()
				return err
			}
			list = append(list, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, d := range list {
			batch.Queue(
				`UPDATE email_jobs
				 SET status = 'pending',
				     scheduled_for = $2,
				     updated_at = $3
				 WHERE id = $1`,
				d.id, retryAt(d.attempts), now,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		requeued = int64(len(list))
		return nil
	})
	if err != nil {
		return 0, storeErr(err, "requeue failed emails")
	}
	return requeued, nil
}

func (s *PostgresStore) ResetStaleProcessing(ctx context.Context, olderThan, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status = 'pending',
		     updated_at = $2
		 WHERE status = 'processing'
		   AND updated_at < $1`,
		olderThan,
		now,
	)
	if err != nil {
		return 0, storeErr(err, "reset stale processing emails")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeSent(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM email_jobs
		 WHERE status = 'sent'
		   AND sent_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, storeErr(err, "purge sent emails")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetEmail(ctx context.Context, id uuid.UUID) (*models.EmailJob, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, storeErr(err, "get email job")
	}
	job, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Mark(errs.Newf("email job %s not found", id), errs.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr(err, "scan email job")
	}
	return &job, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (models.QueueStats, error) {
	var st models.QueueStats

	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM email_jobs GROUP BY status`,
	)
	if err != nil {
		return st, storeErr(err, "queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.EmailStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, storeErr(err, "scan queue stats")
		}
		addStat(&st, status, n)
	}
	if err := rows.Err(); err != nil {
		return st, storeErr(err, "queue stats")
	}
	return st, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]models.EmailJob, error) {
	// LIMIT NULL is no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM email_jobs
		 ORDER BY created_at DESC
		 LIMIT $1`,
		lim,
	)
	if err != nil {
		return nil, storeErr(err, "recent email jobs")
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storeErr(err, "scan recent email jobs")
	}
	return jobs, nil
}

func collectJobs(rows pgx.Rows) ([]models.EmailJob, error) {
	return pgx.CollectRows(rows, scanJob)
}

func scanJob(row pgx.CollectableRow) (models.EmailJob, error) {
	var (
		job                   models.EmailJob
		template, subj, h, tx *string
		data                  []byte
	)
	err := row.Scan(
		&job.ID,
		&job.To,
		&job.CC,
		&job.BCC,
		&template,
		&data,
		&subj,
		&h,
		&tx,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.ScheduledFor,
		&job.SentAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return job, err
	}
	if template != nil {
		job.Template = models.TemplateName(*template)
	}
	if len(data) > 0 {
		job.TemplateData = json.RawMessage(data)
	}
	job.Subject = deref(subj)
	job.HTML = deref(h)
	job.Text = deref(tx)
	return job, nil
}

func qualified(alias string) string {
	return alias + `.id, ` + alias + `.to_addresses, ` + alias + `.cc_addresses, ` + alias + `.bcc_addresses, ` +
		alias + `.template, ` + alias + `.template_data, ` + alias + `.subject, ` + alias + `.html, ` +
		alias + `.text, ` + alias + `.status, ` + alias + `.attempts, ` + alias + `.max_attempts, ` +
		alias + `.last_error, ` + alias + `.scheduled_for, ` + alias + `.sent_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func addStat(st *models.QueueStats, status models.EmailStatus, n int64) {
	switch status {
	case models.StatusPending:
		st.Pending += n
	case models.StatusProcessing:
		st.Processing += n
	case models.StatusSent:
		st.Sent += n
	case models.StatusFailed:
		st.Failed += n
	}
	st.Total += n
}

func storeErr(err error, op string) error {
	return errs.Mark(errs.Wrap(err, op), errs.ErrStore)
}

func notProcessing(id uuid.UUID) error {
	return errs.Mark(errs.Newf("email job %s is not processing", id), errs.ErrNotFound)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
