package mailer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ChargeMail/internal/clock"
	"ChargeMail/internal/db"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/metrics"
	"ChargeMail/internal/models"
	"ChargeMail/internal/templates"
)

// Trigger is the scheduler's manual entry point.
type Trigger interface {
	TriggerProcessing(ctx context.Context) bool
}

// Request describes one email to enqueue. Either Template (with Data) or
// raw HTML/Text content must be set.
type Request struct {
	To  []string `json:"to"`
	CC  []string `json:"cc,omitempty"`
	BCC []string `json:"bcc,omitempty"`

	Template models.TemplateName `json:"template,omitempty"`
	Data     any                 `json:"data,omitempty"`

	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`

	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	MaxAttempts  int        `json:"maxAttempts,omitempty"`
}

type Result struct {
	Success bool      `json:"success"`
	QueueID uuid.UUID `json:"queueId,omitzero"`
	Error   string    `json:"error,omitempty"`
}

type Options struct {
	AdminEmails []string
	MaxAttempts int
	Clock       clock.Clock
}

// Mailer is the enqueue side of the queue used by the rest of the
// application.
type Mailer struct {
	store       db.Store
	trigger     Trigger
	clock       clock.Clock
	admins      []string
	maxAttempts int
	log         *zap.Logger
}

func New(store db.Store, trigger Trigger, opts Options, logger *zap.Logger) *Mailer {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	return &Mailer{
		store:       store,
		trigger:     trigger,
		clock:       opts.Clock,
		admins:      cleanAddresses(opts.AdminEmails),
		maxAttempts: opts.MaxAttempts,
		log:         logger.Named("mailer"),
	}
}

// QueueEmail validates req and inserts one pending job. Store failures are
// returned to the caller and not retried here. On success the scheduler is
// nudged so the job goes out without waiting for the next tick.
func (m *Mailer) QueueEmail(ctx context.Context, req Request) (Result, error) {
	job, err := m.buildJob(req)
	if err != nil {
		return failure(err)
	}
	if m.store == nil {
		return failure(errs.Mark(errs.New("email store is not configured"), errs.ErrConfiguration))
	}

	if err := m.store.InsertEmail(ctx, job); err != nil {
		m.log.Error("failed to queue email",
			zap.String("template", string(job.Template)),
			zap.Error(err),
		)
		return failure(err)
	}

	metrics.EmailsQueued.WithLabelValues(templateLabel(job.Template)).Inc()
	m.log.Info("email queued",
		zap.String("job_id", job.ID.String()),
		zap.String("template", string(job.Template)),
		zap.Int("recipients", len(job.To)),
		zap.Time("scheduled_for", job.ScheduledFor),
	)

	m.nudge(ctx)
	return Result{Success: true, QueueID: job.ID}, nil
}

func (m *Mailer) buildJob(req Request) (*models.EmailJob, error) {
	to := cleanAddresses(req.To)
	if len(to) == 0 {
		return nil, errs.Mark(errs.New("at least one recipient is required"), errs.ErrValidation)
	}

	if req.Template != "" && !templates.Known(req.Template) {
		return nil, errs.Mark(&templates.UnknownTemplateError{Name: req.Template}, errs.ErrValidation)
	}
	if req.Template == "" && req.HTML == "" && req.Text == "" {
		return nil, errs.Mark(errs.New("either a template or html/text content is required"), errs.ErrValidation)
	}

	job := &models.EmailJob{
		To:          to,
		CC:          cleanAddresses(req.CC),
		BCC:         cleanAddresses(req.BCC),
		Template:    req.Template,
		Subject:     req.Subject,
		HTML:        req.HTML,
		Text:        req.Text,
		MaxAttempts: req.MaxAttempts,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = m.maxAttempts
	}
	if req.ScheduledFor != nil {
		job.ScheduledFor = req.ScheduledFor.UTC()
	} else {
		job.ScheduledFor = m.clock.Now()
	}

	if req.Data != nil {
		raw, err := marshalData(req.Data)
		if err != nil {
			return nil, err
		}
		job.TemplateData = raw
	}
	return job, nil
}

// nudge asks the scheduler for an immediate cycle. It never fails the
// enqueue.
func (m *Mailer) nudge(ctx context.Context) {
	if m.trigger == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("processing trigger panicked", zap.Any("panic", r))
		}
	}()

	if !m.trigger.TriggerProcessing(context.WithoutCancel(ctx)) {
		m.log.Debug("processing already running, job will go out with the next cycle")
	}
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return validRaw(v)
	case []byte:
		return validRaw(v)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errs.Mark(errs.Wrap(err, "encode template data"), errs.ErrValidation)
	}
	return raw, nil
}

func validRaw(b []byte) (json.RawMessage, error) {
	if !json.Valid(b) {
		return nil, errs.Mark(errs.New("template data is not valid JSON"), errs.ErrValidation)
	}
	return json.RawMessage(b), nil
}

func cleanAddresses(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func templateLabel(name models.TemplateName) string {
	if name == "" {
		return "raw"
	}
	return string(name)
}

func failure(err error) (Result, error) {
	return Result{Success: false, Error: err.Error()}, err
}
