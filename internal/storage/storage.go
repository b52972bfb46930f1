// Package storage provides database storage interfaces and implementations.
package storage

import (
	"context"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// Storage is the main interface for database operations.
type Storage interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error

	// Repository accessors
	Issues() IssueRepository
	IgnoreRules() IgnoreRuleRepository
	Domains() DomainRepository
	Notifications() NotificationRepository
	AuditLogs() AuditLogRepository
	RateLimits() RateLimitRepository
}

// UpsertResult describes what an issue upsert did to the stored row.
type UpsertResult struct {
	Issue *models.Issue
	// Created is true when the fingerprint had no row before this call.
	Created bool
	// ViewedReset is true when this call flipped viewed from true to false.
	// At most one concurrent caller observes it for a given view.
	ViewedReset bool
}

// IssueRepository defines operations on deduplicated issues.
type IssueRepository interface {
	// Upsert inserts the issue or, when IssueHash already exists, bumps
	// last_detected and detection_count, merges metadata and clears the
	// viewed fields. Status and resolution fields are never touched.
	Upsert(ctx context.Context, issue *models.Issue) (*UpsertResult, error)
	GetByID(ctx context.Context, id int64) (*models.Issue, error)
	GetByHash(ctx context.Context, hash string) (*models.Issue, error)
	List(ctx context.Context, filter *models.IssueFilter) ([]*models.Issue, int64, error)
	Stats(ctx context.Context, since time.Time) (*models.IssueStats, error)
	MarkViewed(ctx context.Context, id int64, by string, at time.Time) error
	// UpdateStatus writes status, is_ignored and the ignore/resolve fields,
	// but only if the stored status still equals from. It reports whether
	// the row was changed.
	UpdateStatus(ctx context.Context, issue *models.Issue, from models.IssueStatus) (bool, error)
	Delete(ctx context.Context, id int64) error
}

// IgnoreRuleRepository defines operations on suppression rules.
type IgnoreRuleRepository interface {
	Create(ctx context.Context, rule *models.IgnoreRule) error
	GetByID(ctx context.Context, id int64) (*models.IgnoreRule, error)
	// Find returns the rule with the same type, value and scope, if any.
	Find(ctx context.Context, ruleType models.RuleType, value, issuerName, issueType string) (*models.IgnoreRule, error)
	List(ctx context.Context, activeOnly bool) ([]*models.IgnoreRule, error)
	// RecordUsage atomically increments usage_count and sets last_used_at.
	RecordUsage(ctx context.Context, id int64, at time.Time) error
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	// DeactivateUnused deactivates active rules that never matched and were
	// created before the cutoff.
	DeactivateUnused(ctx context.Context, createdBefore time.Time) (int64, error)
}

// DomainRepository defines operations on the whitelist, pending and rejected
// domain tables. Admin moves between tables are applied atomically.
type DomainRepository interface {
	GetWhitelist(ctx context.Context, domain string) (*models.WhitelistDomain, error)
	GetPending(ctx context.Context, domain string) (*models.PendingDomain, error)
	GetRejected(ctx context.Context, domain string) (*models.RejectedDomain, error)

	// TouchWhitelist bumps usage_count/last_used and reports whether the
	// domain is whitelisted.
	TouchWhitelist(ctx context.Context, domain string, at time.Time) (bool, error)
	// TouchRejected counts a detection of a rejected domain and reports
	// whether the domain is rejected.
	TouchRejected(ctx context.Context, domain string, c models.DomainContext, maxContexts int) (bool, error)
	// UpsertPending inserts a pending row or bumps a row still in pending status.
	UpsertPending(ctx context.Context, domain string, c models.DomainContext, maxContexts int) error

	Approve(ctx context.Context, entry *models.WhitelistDomain) error
	Reject(ctx context.Context, entry *models.RejectedDomain) error
	RemoveRejected(ctx context.Context, domain string) (bool, error)
	RemoveWhitelist(ctx context.Context, domain string) (bool, error)

	ListPending(ctx context.Context, status models.DomainStatus) ([]*models.PendingDomain, error)
	ListWhitelist(ctx context.Context) ([]*models.WhitelistDomain, error)
	ListRejected(ctx context.Context) ([]*models.RejectedDomain, error)
}

// NotificationRepository defines operations on the delivery queue.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	GetByID(ctx context.Context, id int64) (*models.Notification, error)
	// ListDue returns pending and retry rows that are past their backoff
	// and not leased at now, in insertion order. At most perChannel rows
	// are returned for each channel so one backlog cannot crowd out the rest.
	ListDue(ctx context.Context, now time.Time, perChannel int) ([]*models.Notification, error)
	// Claim leases a deliverable row until leaseUntil so overlapping
	// delivery passes skip it. It reports whether the lease was taken.
	Claim(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, at time.Time) (bool, error)
	// MarkFailed records a failed attempt and returns the resulting status:
	// retry while retry_count < max_retries, failed afterwards. A retry row
	// is not due again before nextAttempt.
	MarkFailed(ctx context.Context, id int64, errMsg string, at, nextAttempt time.Time) (models.NotificationStatus, error)
	// Requeue moves a failed row back to pending with a fresh retry budget.
	Requeue(ctx context.Context, id int64) (bool, error)
	List(ctx context.Context, filter *models.NotificationFilter) ([]*models.Notification, int64, error)
	CountByStatus(ctx context.Context) (map[models.NotificationStatus]int64, error)
	DeleteSentBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditLogRepository is append-only apart from age-based retention.
type AuditLogRepository interface {
	Append(ctx context.Context, entry *models.AuditLog) error
	List(ctx context.Context, filter *models.AuditFilter) ([]*models.AuditLog, int64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// RateLimitRepository stores hourly counters.
type RateLimitRepository interface {
	// Acquire increments the (key, bucket) counter if it is below limit and
	// reports whether the increment happened.
	Acquire(ctx context.Context, key string, bucket int64, limit int) (bool, error)
	Count(ctx context.Context, key string, bucket int64) (int64, error)
	DeleteBefore(ctx context.Context, bucket int64) (int64, error)
}
