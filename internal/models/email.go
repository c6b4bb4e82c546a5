package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusProcessing EmailStatus = "processing"
	StatusSent       EmailStatus = "sent"
	StatusFailed     EmailStatus = "failed"
)

// DefaultMaxAttempts applies when a job is enqueued without an explicit ceiling.
const DefaultMaxAttempts = 3

type EmailJob struct {
	ID  uuid.UUID `json:"id"`
	To  []string  `json:"to_addresses"`
	CC  []string  `json:"cc_addresses,omitempty"`
	BCC []string  `json:"bcc_addresses,omitempty"`

	Template     TemplateName    `json:"template,omitempty"`
	TemplateData json.RawMessage `json:"template_data,omitempty"`

	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`

	Status      EmailStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   *string     `json:"last_error,omitempty"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job will never be picked up again.
func (j *EmailJob) Terminal() bool {
	switch j.Status {
	case StatusSent:
		return true
	case StatusFailed:
		return j.Attempts >= j.MaxAttempts
	}
	return false
}

// Eligible reports whether a claim at now may select the job.
func (j *EmailJob) Eligible(now time.Time) bool {
	return j.Status == StatusPending &&
		!j.ScheduledFor.After(now) &&
		j.Attempts < j.MaxAttempts
}

// QueueStats is the snapshot served to the admin surface.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}
