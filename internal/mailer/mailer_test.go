package mailer

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ChargeMail/internal/clock"
	"ChargeMail/internal/db"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/models"
	"ChargeMail/internal/templates"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeTrigger struct {
	calls  atomic.Int32
	result bool
	panics bool
}

func (f *fakeTrigger) TriggerProcessing(context.Context) bool {
	f.calls.Add(1)
	if f.panics {
		panic("scheduler gone")
	}
	return f.result
}

type failingStore struct {
	*db.MemoryStore
}

func (failingStore) InsertEmail(context.Context, *models.EmailJob) error {
	return errs.Mark(errs.New("connection reset"), errs.ErrStore)
}

func newTestMailer(t *testing.T, opts Options) (*Mailer, *db.MemoryStore, *fakeTrigger) {
	t.Helper()
	clk := clock.NewMockClock(epoch)
	store := db.NewMemoryStore(clk)
	trigger := &fakeTrigger{result: true}
	opts.Clock = clk
	return New(store, trigger, opts, zap.NewNop()), store, trigger
}

func TestQueueEmail_Template(t *testing.T) {
	m, store, trigger := newTestMailer(t, Options{})

	res, err := m.QueueEmail(context.Background(), Request{
		To:       []string{"jane@example.com"},
		Template: models.TemplateWelcome,
		Data:     map[string]any{"name": "Jane", "userType": "individual"},
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEqual(t, uuid.Nil, res.QueueID)
	assert.Equal(t, int32(1), trigger.calls.Load())

	job, err := store.GetEmail(context.Background(), res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, models.DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, epoch, job.ScheduledFor)
	assert.JSONEq(t, `{"name":"Jane","userType":"individual"}`, string(job.TemplateData))
}

func TestQueueEmail_NoRecipients(t *testing.T) {
	m, store, trigger := newTestMailer(t, Options{})

	for _, to := range [][]string{nil, {}, {"  ", ""}} {
		res, err := m.QueueEmail(context.Background(), Request{
			To:       to,
			Template: models.TemplateWelcome,
		})

		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrValidation))
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	}

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.Zero(t, trigger.calls.Load())
}

func TestQueueEmail_RejectsUnknownTemplate(t *testing.T) {
	m, store, _ := newTestMailer(t, Options{})

	_, err := m.QueueEmail(context.Background(), Request{
		To:       []string{"jane@example.com"},
		Template: "not-a-real-template",
	})

	assert.True(t, errs.Is(err, errs.ErrValidation))
	st, _ := store.Stats(context.Background())
	assert.Zero(t, st.Total)
}

func TestQueueEmail_RejectsMalformedRawData(t *testing.T) {
	m, store, _ := newTestMailer(t, Options{})

	for _, data := range []any{json.RawMessage("not json"), []byte(`{"name":`)} {
		res, err := m.QueueEmail(context.Background(), Request{
			To:       []string{"jane@example.com"},
			Template: models.TemplateWelcome,
			Data:     data,
		})

		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrValidation))
		assert.False(t, res.Success)
	}

	st, _ := store.Stats(context.Background())
	assert.Zero(t, st.Total)
}

func TestQueueEmail_RequiresContent(t *testing.T) {
	m, _, _ := newTestMailer(t, Options{})

	_, err := m.QueueEmail(context.Background(), Request{
		To:      []string{"jane@example.com"},
		Subject: "Subject only",
	})

	assert.True(t, errs.Is(err, errs.ErrValidation))
}

func TestQueueEmail_RawContentAndOverrides(t *testing.T) {
	m, store, _ := newTestMailer(t, Options{MaxAttempts: 5})
	later := epoch.Add(time.Hour)

	res, err := m.QueueEmail(context.Background(), Request{
		To:           []string{" ops@example.com "},
		BCC:          []string{"audit@example.com"},
		Subject:      "Report",
		HTML:         "<p>done</p>",
		ScheduledFor: &later,
	})
	require.NoError(t, err)

	job, err := store.GetEmail(context.Background(), res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, job.To)
	assert.Equal(t, []string{"audit@example.com"}, job.BCC)
	assert.Equal(t, later, job.ScheduledFor)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Empty(t, job.Template)
	assert.Nil(t, job.TemplateData)

	claimed, err := store.ClaimBatch(context.Background(), epoch, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.ClaimBatch(context.Background(), later, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestQueueEmail_StoreNotConfigured(t *testing.T) {
	m := New(nil, nil, Options{}, zap.NewNop())

	res, err := m.QueueEmail(context.Background(), Request{
		To:   []string{"jane@example.com"},
		Text: "hi",
	})

	assert.True(t, errs.Is(err, errs.ErrConfiguration))
	assert.False(t, res.Success)
}

func TestQueueEmail_StoreFailureSurfaced(t *testing.T) {
	trigger := &fakeTrigger{result: true}
	m := New(failingStore{db.NewMemoryStore(nil)}, trigger, Options{}, zap.NewNop())

	res, err := m.QueueEmail(context.Background(), Request{
		To:   []string{"jane@example.com"},
		Text: "hi",
	})

	assert.True(t, errs.Is(err, errs.ErrStore))
	assert.Contains(t, res.Error, "connection reset")
	assert.Zero(t, trigger.calls.Load())
}

func TestQueueEmail_NudgeIsBestEffort(t *testing.T) {
	m, _, trigger := newTestMailer(t, Options{})
	trigger.panics = true

	res, err := m.QueueEmail(context.Background(), Request{
		To:   []string{"jane@example.com"},
		Text: "hi",
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), trigger.calls.Load())

	trigger.panics = false
	trigger.result = false
	res, err = m.QueueEmail(context.Background(), Request{
		To:   []string{"jane@example.com"},
		Text: "again",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTypedHelpers(t *testing.T) {
	m, store, _ := newTestMailer(t, Options{})
	ctx := context.Background()

	res, err := m.SendListingExpiring(ctx, "seller@example.com", templates.ListingExpiringData{
		Name:          "Sam",
		ListingTitle:  "2021 Model 3",
		ListingID:     "lst_1",
		DaysRemaining: 3,
	})
	require.NoError(t, err)

	job, err := store.GetEmail(ctx, res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.TemplateListingExpiring, job.Template)
	assert.Equal(t, []string{"seller@example.com"}, job.To)

	var data templates.ListingExpiringData
	require.NoError(t, json.Unmarshal(job.TemplateData, &data))
	assert.Equal(t, 3, data.DaysRemaining)
	assert.Equal(t, "2021 Model 3", data.ListingTitle)

	// The stored payload must render with the matching template.
	r := templates.NewRenderer(templates.Branding{SiteName: "EV Marketplace", SiteURL: "https://ev.example.com"})
	out, err := r.Render(job.Template, job.TemplateData)
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "2021 Model 3")
}

func TestSendAdminNotification(t *testing.T) {
	ctx := context.Background()

	m, store, _ := newTestMailer(t, Options{AdminEmails: []string{"a@ev.example.com", " b@ev.example.com"}})
	res, err := m.SendAdminNotification(ctx, templates.AdminNotificationData{
		Title:   "New dealer",
		Message: "A dealer account is waiting for review.",
	})
	require.NoError(t, err)

	job, err := store.GetEmail(ctx, res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@ev.example.com", "b@ev.example.com"}, job.To)
	assert.Equal(t, models.TemplateAdminNotification, job.Template)

	noAdmins, _, _ := newTestMailer(t, Options{})
	_, err = noAdmins.SendAdminNotification(ctx, templates.AdminNotificationData{Title: "x"})
	assert.True(t, errs.Is(err, errs.ErrConfiguration))
}
