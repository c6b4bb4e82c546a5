package mailer

import (
	"context"

	"ChargeMail/internal/errs"
	"ChargeMail/internal/models"
	"ChargeMail/internal/templates"
)

// Typed helpers for the marketplace flows. Each one enqueues a single
// templated job with a data record that matches its template.

func (m *Mailer) SendWelcome(ctx context.Context, to string, data templates.WelcomeData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateWelcome, data)
}

func (m *Mailer) SendVerificationSubmitted(ctx context.Context, to string, data templates.VerificationSubmittedData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateVerificationSubmitted, data)
}

func (m *Mailer) SendVerificationApproved(ctx context.Context, to string, data templates.VerificationApprovedData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateVerificationApproved, data)
}

func (m *Mailer) SendVerificationRejected(ctx context.Context, to string, data templates.VerificationRejectedData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateVerificationRejected, data)
}

func (m *Mailer) SendListingApproved(ctx context.Context, to string, data templates.ListingApprovedData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateListingApproved, data)
}

func (m *Mailer) SendListingRejected(ctx context.Context, to string, data templates.ListingRejectedData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateListingRejected, data)
}

func (m *Mailer) SendListingExpiring(ctx context.Context, to string, data templates.ListingExpiringData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateListingExpiring, data)
}

func (m *Mailer) SendNewMessage(ctx context.Context, to string, data templates.NewMessageData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateNewMessage, data)
}

func (m *Mailer) SendPasswordReset(ctx context.Context, to string, data templates.PasswordResetData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplatePasswordReset, data)
}

func (m *Mailer) SendSubscriptionConfirmation(ctx context.Context, to string, data templates.SubscriptionConfirmationData) (Result, error) {
	return m.queueTemplate(ctx, to, models.TemplateSubscriptionConfirmation, data)
}

// SendAdminNotification enqueues one job addressed to every configured
// admin.
func (m *Mailer) SendAdminNotification(ctx context.Context, data templates.AdminNotificationData) (Result, error) {
	if len(m.admins) == 0 {
		return failure(errs.Mark(errs.New("ADMIN_EMAILS is not set"), errs.ErrConfiguration))
	}
	return m.QueueEmail(ctx, Request{
		To:       m.admins,
		Template: models.TemplateAdminNotification,
		Data:     data,
	})
}

func (m *Mailer) queueTemplate(ctx context.Context, to string, name models.TemplateName, data any) (Result, error) {
	return m.QueueEmail(ctx, Request{
		To:       []string{to},
		Template: name,
		Data:     data,
	})
}
