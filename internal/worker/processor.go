package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ChargeMail/internal/clock"
	"ChargeMail/internal/db"
	"ChargeMail/internal/email"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/metrics"
	"ChargeMail/internal/models"
	"ChargeMail/internal/templates"
)

const maxErrorLen = 1000

type Transport interface {
	Send(ctx context.Context, m email.Message) (email.SendResult, error)
}

type Renderer interface {
	Render(name models.TemplateName, data any) (templates.Rendered, error)
	TextFromHTML(html string) (string, error)
}

// Result summarises one processing cycle.
type Result struct {
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
	Terminal  int   `json:"terminal"`
	Requeued  int64 `json:"requeued"`
	Reclaimed int64 `json:"reclaimed"`
}

type ProcessorOptions struct {
	// RateLimit caps sends per second; 0 disables limiting.
	RateLimit int

	// StaleAfter is how long a job may sit in processing before it is
	// returned to pending. 0 disables the reset.
	StaleAfter time.Duration

	// RetryBackoff delays requeued jobs by an exponential curve on the
	// attempt count instead of making them eligible on the next cycle.
	RetryBackoff    bool
	BackoffInitial  time.Duration
	BackoffMaxDelay time.Duration

	Clock clock.Clock
}

// Processor claims due jobs, renders and sends each one, and records the
// outcome. One job's failure never aborts the rest of the batch.
type Processor struct {
	store     db.Store
	renderer  Renderer
	transport Transport
	limiter   *rate.Limiter
	clock     clock.Clock
	log       *zap.Logger
	opts      ProcessorOptions
}

func NewProcessor(store db.Store, renderer Renderer, transport Transport, opts ProcessorOptions, logger *zap.Logger) *Processor {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Minute
	}
	if opts.BackoffMaxDelay <= 0 {
		opts.BackoffMaxDelay = time.Hour
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}

	return &Processor{
		store:     store,
		renderer:  renderer,
		transport: transport,
		limiter:   limiter,
		clock:     opts.Clock,
		log:       logger.Named("processor"),
		opts:      opts,
	}
}

// ProcessBatch runs one cycle over at most batchSize jobs. It returns an
// error only when the cycle could not start (transport not configured,
// claim failed); per-job errors are recorded on the jobs themselves.
func (p *Processor) ProcessBatch(ctx context.Context, batchSize int) (Result, error) {
	var res Result

	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	if c, ok := p.transport.(interface{ Configured() bool }); ok && !c.Configured() {
		return res, errs.Mark(errs.New("email transport is not configured"), errs.ErrConfiguration)
	}

	// ----------------------------
	// Claim
	// ----------------------------
	now := p.clock.Now()
	jobs, err := p.store.ClaimBatch(ctx, now, batchSize)
	if err != nil {
		p.log.Error("failed to claim email batch", zap.Error(err))
		return res, err
	}
	if len(jobs) > 0 {
		p.log.Debug("claimed email batch", zap.Strings("job_ids", jobIDs(jobs)))
	}

	for i := range jobs {
		job := &jobs[i]

		// ----------------------------
		// Rate Limit
		// ----------------------------
		if err := p.limiter.Wait(ctx); err != nil {
			// Unsent jobs stay in processing until the stale reset
			// returns them to pending.
			p.log.Warn("rate limiter stopped by context",
				zap.Int("unsent", len(jobs)-i),
				zap.Error(err),
			)
			break
		}

		// Past the stale window another replica may already have reset
		// and reclaimed the rest of the batch; sending them would double
		// deliver. Leave them for the stale reset.
		if p.claimExpired(now) {
			p.log.Warn("claim went stale before batch drained",
				zap.Int("unsent", len(jobs)-i),
				zap.Duration("stale_after", p.opts.StaleAfter),
			)
			break
		}

		// ----------------------------
		// Render + Send
		// ----------------------------
		msg, err := p.compose(job)
		if err == nil {
			_, err = p.transport.Send(ctx, msg)
		}
		if err != nil {
			res.Failed++
			if p.recordFailure(ctx, job, err) {
				res.Terminal++
			}
			continue
		}

		// ----------------------------
		// Mark as Sent
		// ----------------------------
		res.Processed++
		metrics.EmailsSent.Inc()
		if err := p.store.MarkSent(ctx, job.ID, p.clock.Now()); err != nil {
			p.log.Error("failed to update sent status",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			continue
		}

		p.log.Info("email sent successfully",
			zap.String("job_id", job.ID.String()),
			zap.String("template", string(job.Template)),
			zap.Int("recipients", len(job.To)),
		)
	}

	// ----------------------------
	// Reconcile
	// ----------------------------
	res.Requeued, res.Reclaimed = p.reconcile(ctx)
	p.refreshDepth(ctx)

	if len(jobs) > 0 || res.Requeued > 0 || res.Reclaimed > 0 {
		p.log.Info("email batch processed",
			zap.Int("claimed", len(jobs)),
			zap.Int("sent", res.Processed),
			zap.Int("failed", res.Failed),
			zap.Int("terminal", res.Terminal),
			zap.Int64("requeued", res.Requeued),
			zap.Int64("reclaimed", res.Reclaimed),
		)
	}
	return res, nil
}

func (p *Processor) claimExpired(claimedAt time.Time) bool {
	return p.opts.StaleAfter > 0 && p.clock.Now().Sub(claimedAt) >= p.opts.StaleAfter
}

// compose turns a job into a wire message, rendering its template when it
// has one.
func (p *Processor) compose(job *models.EmailJob) (email.Message, error) {
	msg := email.Message{
		To:  job.To,
		CC:  job.CC,
		BCC: job.BCC,
	}

	if job.Template != "" {
		out, err := p.renderer.Render(job.Template, job.TemplateData)
		if err != nil {
			return msg, err
		}
		msg.Subject = out.Subject
		msg.HTML = out.HTML
		msg.Text = out.Text
		if job.Text != "" {
			msg.Text = job.Text
		}
		return msg, nil
	}

	if job.HTML == "" && job.Text == "" {
		return msg, errs.Mark(errs.New("job has neither a template nor content"), errs.ErrValidation)
	}
	msg.Subject = job.Subject
	msg.HTML = job.HTML
	msg.Text = job.Text
	if msg.Text == "" {
		if text, err := p.renderer.TextFromHTML(job.HTML); err == nil {
			msg.Text = text
		}
	}
	return msg, nil
}

// recordFailure marks the job failed and reports whether it has now
// exhausted its attempts.
func (p *Processor) recordFailure(ctx context.Context, job *models.EmailJob, cause error) bool {
	reason := cause.Error()
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen]
	}
	metrics.EmailFailures.WithLabelValues(failureLabel(cause)).Inc()

	attempts, err := p.store.MarkFailed(ctx, job.ID, reason, p.clock.Now())
	if err != nil {
		p.log.Error("failed to update failure status",
			zap.String("job_id", job.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return false
	}

	if attempts >= job.MaxAttempts {
		metrics.EmailsTerminal.Inc()
		p.log.Error("email permanently failed",
			zap.String("job_id", job.ID.String()),
			zap.String("template", string(job.Template)),
			zap.Int("attempts", attempts),
			zap.Strings("to", job.To),
			zap.Error(cause),
		)
		return true
	}

	p.log.Warn("email send failed",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(cause),
	)
	return false
}

// reconcile returns retryable failed jobs and stale processing jobs to
// pending.
func (p *Processor) reconcile(ctx context.Context) (requeued, reclaimed int64) {
	now := p.clock.Now()

	var retryAt func(int) time.Time
	if p.opts.RetryBackoff {
		retryAt = func(attempts int) time.Time {
			return now.Add(retryDelay(p.opts.BackoffInitial, p.opts.BackoffMaxDelay, attempts))
		}
	}

	requeued, err := p.store.RequeueFailed(ctx, now, retryAt)
	if err != nil {
		p.log.Error("failed to requeue failed emails", zap.Error(err))
	}

	if p.opts.StaleAfter > 0 {
		reclaimed, err = p.store.ResetStaleProcessing(ctx, now.Add(-p.opts.StaleAfter), now)
		if err != nil {
			p.log.Error("failed to reset stale processing emails", zap.Error(err))
		}
		if reclaimed > 0 {
			p.log.Warn("returned stale processing emails to pending", zap.Int64("count", reclaimed))
		}
	}

	metrics.EmailsRequeued.Add(float64(requeued + reclaimed))
	return requeued, reclaimed
}

func (p *Processor) refreshDepth(ctx context.Context) {
	st, err := p.store.Stats(ctx)
	if err != nil {
		p.log.Debug("failed to refresh queue depth", zap.Error(err))
		return
	}
	metrics.QueueDepth.WithLabelValues(string(models.StatusPending)).Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues(string(models.StatusProcessing)).Set(float64(st.Processing))
	metrics.QueueDepth.WithLabelValues(string(models.StatusSent)).Set(float64(st.Sent))
	metrics.QueueDepth.WithLabelValues(string(models.StatusFailed)).Set(float64(st.Failed))
}

// retryDelay is the deterministic exponential curve: initial, 2x, 4x ...
// capped at maxDelay.
func retryDelay(initial, maxDelay time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := initial
	for range max(attempts, 1) {
		d = b.NextBackOff()
	}
	return d
}

func failureLabel(err error) string {
	switch {
	case errs.Is(err, errs.ErrUnknownTemplate), errs.Is(err, errs.ErrTemplateData):
		return "template"
	case errs.Is(err, errs.ErrTransport):
		return "transport"
	case errs.Is(err, errs.ErrConfiguration):
		return "configuration"
	case errs.Is(err, errs.ErrValidation):
		return "validation"
	}
	return "other"
}

func jobIDs(jobs []models.EmailJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID.String()
	}
	return out
}
