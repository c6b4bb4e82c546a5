package templates

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChargeMail/internal/errs"
	"ChargeMail/internal/models"
)

func newTestRenderer() *Renderer {
	return NewRenderer(Branding{
		SiteName:     "EV Marketplace",
		SiteURL:      "https://ev.example.com/",
		SupportEmail: "support@ev.example.com",
	})
}

func TestRender_Welcome(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(models.TemplateWelcome, WelcomeData{Name: "Jane", UserType: "individual"})

	require.NoError(t, err)
	assert.Equal(t, "Welcome to EV Marketplace, Jane!", out.Subject)
	assert.Contains(t, out.HTML, "Welcome, Jane!")
	assert.Contains(t, out.HTML, "https://ev.example.com/dashboard")
	assert.Contains(t, out.HTML, "support@ev.example.com")
	assert.Contains(t, out.Text, "Jane")
	assert.NotContains(t, out.Text, "<h2>")
}

func TestRender_AllTemplatesWithZeroData(t *testing.T) {
	r := newTestRenderer()

	for _, name := range models.TemplateNames() {
		t.Run(string(name), func(t *testing.T) {
			out, err := r.Render(name, nil)
			require.NoError(t, err)
			assert.NotEmpty(t, out.Subject)
			assert.Contains(t, out.HTML, "<!DOCTYPE html>")
		})
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	r := newTestRenderer()

	_, err := r.Render("not-a-real-template", map[string]any{})

	require.Error(t, err)
	var unknown *UnknownTemplateError
	assert.True(t, errors.As(err, &unknown))
	assert.Equal(t, models.TemplateName("not-a-real-template"), unknown.Name)
	assert.True(t, errs.Is(err, errs.ErrUnknownTemplate))
	assert.True(t, errors.Is(err, errs.ErrUnknownTemplate))
}

func TestRender_IsDeterministic(t *testing.T) {
	r := newTestRenderer()
	data := NewMessageData{
		RecipientName:  "Sam",
		SenderName:     "Alex",
		ListingTitle:   "2022 Tesla Model 3 Long Range",
		MessagePreview: "Is the battery warranty transferable?",
		ConversationID: "c-42",
	}

	first, err := r.Render(models.TemplateNewMessage, data)
	require.NoError(t, err)
	second, err := r.Render(models.TemplateNewMessage, data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRender_DataForms(t *testing.T) {
	r := newTestRenderer()
	want, err := r.Render(models.TemplateListingApproved, ListingApprovedData{
		Name: "Jo", ListingTitle: "Nissan Leaf", ListingID: "l-1",
	})
	require.NoError(t, err)

	raw := json.RawMessage(`{"name":"Jo","listingTitle":"Nissan Leaf","listingId":"l-1"}`)
	tests := []struct {
		name string
		data any
	}{
		{"pointer", &ListingApprovedData{Name: "Jo", ListingTitle: "Nissan Leaf", ListingID: "l-1"}},
		{"map", map[string]any{"name": "Jo", "listingTitle": "Nissan Leaf", "listingId": "l-1"}},
		{"raw json", raw},
		{"bytes", []byte(raw)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(models.TemplateListingApproved, tt.data)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestRender_RejectsMismatchedData(t *testing.T) {
	r := newTestRenderer()

	tests := []struct {
		name string
		data any
	}{
		{"wrong record type", WelcomeData{Name: "Jane"}},
		{"unknown field", map[string]any{"name": "Jane", "favouriteColour": "green"}},
		{"malformed json", json.RawMessage(`{"name":`)},
		{"scalar", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(models.TemplatePasswordReset, tt.data)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.ErrTemplateData))
		})
	}
}

func TestRender_MissingFieldsRenderEmpty(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(models.TemplateListingRejected, map[string]any{"name": "Kim"})

	require.NoError(t, err)
	assert.Equal(t, `Your listing "" needs changes`, out.Subject)
	assert.NotContains(t, out.HTML, "Reason:")
}

func TestRender_EscapesHTML(t *testing.T) {
	r := newTestRenderer()

	out, err := r.Render(models.TemplateVerificationRejected, VerificationRejectedData{
		Name:   "<script>alert(1)</script>",
		Reason: "Blurry ID & expired",
	})

	require.NoError(t, err)
	assert.NotContains(t, out.HTML, "<script>alert(1)</script>")
	assert.Contains(t, out.HTML, "Blurry ID &amp; expired")
}

func TestRender_ListingExpiringPlural(t *testing.T) {
	r := newTestRenderer()

	one, err := r.Render(models.TemplateListingExpiring, ListingExpiringData{ListingTitle: "Kia EV6", DaysRemaining: 1})
	require.NoError(t, err)
	assert.Equal(t, `Your listing "Kia EV6" expires in 1 day`, one.Subject)

	many, err := r.Render(models.TemplateListingExpiring, ListingExpiringData{ListingTitle: "Kia EV6", DaysRemaining: 7})
	require.NoError(t, err)
	assert.Equal(t, `Your listing "Kia EV6" expires in 7 days`, many.Subject)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(models.TemplateAdminNotification))
	assert.False(t, Known("nope"))
}

func TestTextFromHTML(t *testing.T) {
	r := newTestRenderer()

	text, err := r.TextFromHTML("<p>Hello <strong>world</strong></p>")

	require.NoError(t, err)
	assert.Equal(t, "Hello **world**", text)
}
