package models

import "time"

// Audit event types written by the API and CLI.
const (
	AuditLoginFailed          = "login_failed"
	AuditLoginSucceeded       = "login_succeeded"
	AuditIssueViewed          = "issue_viewed"
	AuditIssueStatus          = "issue_status_changed"
	AuditIssueIgnored         = "issue_ignored"
	AuditIssueUnignored       = "issue_unignored"
	AuditIssueResolved        = "issue_resolved"
	AuditIssueDeleted         = "issue_deleted"
	AuditRuleCreated          = "ignore_rule_created"
	AuditRuleDeactivated      = "ignore_rule_deactivated"
	AuditRuleDeleted          = "ignore_rule_deleted"
	AuditDomainApproved       = "domain_approved"
	AuditDomainRejected       = "domain_rejected"
	AuditDomainAllowed        = "domain_allowed_again"
	AuditDomainRemoved        = "domain_removed"
	AuditNotificationRequeued = "notification_requeued"
)

// AuditLog is an append-only record of an administrative or authentication event.
type AuditLog struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	EventData map[string]any `json:"event_data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	EventType string
	UserID    string
	IPAddress string
	Since     time.Time
	Limit     int
	Offset    int
}
