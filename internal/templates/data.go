package templates

import "ChargeMail/internal/models"

// One record per template. JSON tags match the payload shapes the
// marketplace front-end already sends, so stored template_data decodes
// directly. A field missing from the payload renders as empty text.

type WelcomeData struct {
	Name     string `json:"name"`
	UserType string `json:"userType"`
}

type VerificationSubmittedData struct {
	Name     string `json:"name"`
	UserType string `json:"userType"`
}

type VerificationApprovedData struct {
	Name     string `json:"name"`
	UserType string `json:"userType"`
}

type VerificationRejectedData struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type ListingApprovedData struct {
	Name         string `json:"name"`
	ListingTitle string `json:"listingTitle"`
	ListingID    string `json:"listingId"`
}

type ListingRejectedData struct {
	Name         string `json:"name"`
	ListingTitle string `json:"listingTitle"`
	Reason       string `json:"reason"`
}

type NewMessageData struct {
	RecipientName  string `json:"recipientName"`
	SenderName     string `json:"senderName"`
	ListingTitle   string `json:"listingTitle"`
	MessagePreview string `json:"messagePreview"`
	ConversationID string `json:"conversationId"`
}

type PasswordResetData struct {
	Name      string `json:"name"`
	ResetURL  string `json:"resetUrl"`
	ExpiresIn string `json:"expiresIn"`
}

type SubscriptionConfirmationData struct {
	Name          string `json:"name"`
	PlanName      string `json:"planName"`
	Amount        string `json:"amount"`
	BillingPeriod string `json:"billingPeriod"`
}

type ListingExpiringData struct {
	Name          string `json:"name"`
	ListingTitle  string `json:"listingTitle"`
	ListingID     string `json:"listingId"`
	DaysRemaining int    `json:"daysRemaining"`
}

type AdminNotificationData struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	ActionURL   string `json:"actionUrl"`
	ActionLabel string `json:"actionLabel"`
}

// newData returns a pointer to the zero record for name, or nil when the
// name is unknown.
func newData(name models.TemplateName) any {
	switch name {
	case models.TemplateWelcome:
		return &WelcomeData{}
	case models.TemplateVerificationSubmitted:
		return &VerificationSubmittedData{}
	case models.TemplateVerificationApproved:
		return &VerificationApprovedData{}
	case models.TemplateVerificationRejected:
		return &VerificationRejectedData{}
	case models.TemplateListingApproved:
		return &ListingApprovedData{}
	case models.TemplateListingRejected:
		return &ListingRejectedData{}
	case models.TemplateNewMessage:
		return &NewMessageData{}
	case models.TemplatePasswordReset:
		return &PasswordResetData{}
	case models.TemplateSubscriptionConfirmation:
		return &SubscriptionConfirmationData{}
	case models.TemplateListingExpiring:
		return &ListingExpiringData{}
	case models.TemplateAdminNotification:
		return &AdminNotificationData{}
	}
	return nil
}
