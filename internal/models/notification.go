package models

import "time"

// NotificationStatus is the delivery state of a Notification row.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationRetry   NotificationStatus = "retry"
)

// DefaultMaxRetries is the retry budget of a new Notification.
const DefaultMaxRetries = 3

// Notification is one delivery unit per (issue, channel).
type Notification struct {
	ID           int64              `json:"id"`
	ChannelName  string             `json:"channel_name"`
	IssueID      int64              `json:"issue_id"`
	Message      string             `json:"message"`
	Context      map[string]any     `json:"context,omitempty"`
	Status       NotificationStatus `json:"status"`
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	LastAttempt  *time.Time         `json:"last_attempt,omitempty"`
	NextAttempt  *time.Time         `json:"next_attempt,omitempty"` // retry rows stay out of ListDue until then
	SentAt       *time.Time         `json:"sent_at,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// IsDeliverable reports whether the row may still be attempted.
func (n *Notification) IsDeliverable() bool {
	return n.Status == NotificationPending || n.Status == NotificationRetry
}

// NotificationFilter narrows notification listings.
type NotificationFilter struct {
	Status      NotificationStatus
	ChannelName string
	IssueID     int64
	Limit       int
	Offset      int
}
