package db

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ChargeMail/internal/clock"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/models"
)

// MemoryStore keeps the queue in process memory. It backs STORE_DRIVER=memory
// for local development and the package tests; jobs are lost on restart.
type MemoryStore struct {
	clock clock.Clock

	mu   sync.Mutex
	jobs map[uuid.UUID]*memJob
	seq  uint64
}

type memJob struct {
	job models.EmailJob
	seq uint64
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &MemoryStore{
		clock: c,
		jobs:  make(map[uuid.UUID]*memJob),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) InsertEmail(ctx context.Context, job *models.EmailJob) error {
	if err := ctx.Err(); err != nil {
		return storeErr(err, "insert email job")
	}
	if len(job.To) == 0 {
		return storeErr(errs.New("to_addresses must not be empty"), "insert email job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	job.ID = uuid.New()
	job.Status = models.StatusPending
	job.Attempts = 0
	job.LastError = nil
	job.SentAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now

	s.seq++
	s.jobs[job.ID] = &memJob{job: cloneJob(*job), seq: s.seq}
	return nil
}

func (s *MemoryStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]models.EmailJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(err, "claim email batch")
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*memJob, 0)
	for _, m := range s.jobs {
		if m.job.Eligible(now) {
			due = append(due, m)
		}
	}
	slices.SortFunc(due, compareFIFO)
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.EmailJob, 0, len(due))
	for _, m := range due {
		m.job.Status = models.StatusProcessing
		m.job.UpdatedAt = now
		out = append(out, cloneJob(m.job))
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return storeErr(err, "mark email sent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.jobs[id]
	if !ok || m.job.Status != models.StatusProcessing {
		return notProcessing(id)
	}
	sentAt := now
	m.job.Status = models.StatusSent
	m.job.SentAt = &sentAt
	m.job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(err, "mark email failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.jobs[id]
	if !ok || m.job.Status != models.StatusProcessing {
		return 0, notProcessing(id)
	}
	msg := errMsg
	m.job.Status = models.StatusFailed
	m.job.Attempts = min(m.job.Attempts+1, m.job.MaxAttempts)
	m.job.LastError = &msg
	m.job.UpdatedAt = now
	return m.job.Attempts, nil
}

func (s *MemoryStore) RequeueFailed(ctx context.Context, now time.Time, retryAt func(attempts int) time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(err, "requeue failed emails")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.jobs {
		if m.job.Status != models.StatusFailed || m.job.Attempts >= m.job.MaxAttempts {
			continue
		}
		m.job.Status = models.StatusPending
		m.job.UpdatedAt = now
		if retryAt != nil {
			m.job.ScheduledFor = retryAt(m.job.Attempts)
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) ResetStaleProcessing(ctx context.Context, olderThan, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(err, "reset stale processing emails")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.jobs {
		if m.job.Status == models.StatusProcessing && m.job.UpdatedAt.Before(olderThan) {
			m.job.Status = models.StatusPending
			m.job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PurgeSent(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(err, "purge sent emails")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.jobs {
		if m.job.Status == models.StatusSent && m.job.SentAt != nil && m.job.SentAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetEmail(ctx context.Context, id uuid.UUID) (*models.EmailJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(err, "get email job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.jobs[id]
	if !ok {
		return nil, errs.Mark(errs.Newf("email job %s not found", id), errs.ErrNotFound)
	}
	job := cloneJob(m.job)
	return &job, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (models.QueueStats, error) {
	var st models.QueueStats
	if err := ctx.Err(); err != nil {
		return st, storeErr(err, "queue stats")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.jobs {
		addStat(&st, m.job.Status, 1)
	}
	return st, nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]models.EmailJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(err, "recent email jobs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*memJob, 0, len(s.jobs))
	for _, m := range s.jobs {
		all = append(all, m)
	}
	slices.SortFunc(all, func(a, b *memJob) int {
		return compareFIFO(b, a)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]models.EmailJob, 0, len(all))
	for _, m := range all {
		out = append(out, cloneJob(m.job))
	}
	return out, nil
}

// compareFIFO orders by created_at, then by insertion order for equal
// timestamps.
func compareFIFO(a, b *memJob) int {
	if c := a.job.CreatedAt.Compare(b.job.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

func cloneJob(j models.EmailJob) models.EmailJob {
	j.To = slices.Clone(j.To)
	j.CC = slices.Clone(j.CC)
	j.BCC = slices.Clone(j.BCC)
	j.TemplateData = slices.Clone(j.TemplateData)
	if j.LastError != nil {
		v := *j.LastError
		j.LastError = &v
	}
	if j.SentAt != nil {
		v := *j.SentAt
		j.SentAt = &v
	}
	return j
}
