package models

// TemplateName identifies one of the fixed transactional templates. The set
// is a wire contract with the email_jobs table and with callers.
type TemplateName string

const (
	TemplateWelcome                  TemplateName = "welcome"
	TemplateVerificationSubmitted    TemplateName = "verification-submitted"
	TemplateVerificationApproved     TemplateName = "verification-approved"
	TemplateVerificationRejected     TemplateName = "verification-rejected"
	TemplateListingApproved          TemplateName = "listing-approved"
	TemplateListingRejected          TemplateName = "listing-rejected"
	TemplateNewMessage               TemplateName = "new-message"
	TemplatePasswordReset            TemplateName = "password-reset"
	TemplateSubscriptionConfirmation TemplateName = "subscription-confirmation"
	TemplateListingExpiring          TemplateName = "listing-expiring"
	TemplateAdminNotification        TemplateName = "admin-notification"
)

var templateNames = []TemplateName{
	TemplateWelcome,
	TemplateVerificationSubmitted,
	TemplateVerificationApproved,
	TemplateVerificationRejected,
	TemplateListingApproved,
	TemplateListingRejected,
	TemplateNewMessage,
	TemplatePasswordReset,
	TemplateSubscriptionConfirmation,
	TemplateListingExpiring,
	TemplateAdminNotification,
}

// TemplateNames returns the known names in declaration order.
func TemplateNames() []TemplateName {
	out := make([]TemplateName, len(templateNames))
	copy(out, templateNames)
	return out
}

func (n TemplateName) Valid() bool {
	for _, t := range templateNames {
		if t == n {
			return true
		}
	}
	return false
}
