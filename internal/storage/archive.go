package storage

import (
	"context"
	"time"
)

// ArchiveStorage defines operations for the finding archive.
// This is separate from the main Storage interface as archived findings have
// different access patterns (high-volume writes, time-series queries).
type ArchiveStorage interface {
	// Open initializes the archive connection.
	Open() error
	// Close closes the archive connection.
	Close() error
	// Migrate creates or updates the archive schema.
	Migrate() error
	// Ping checks the connection health.
	Ping(ctx context.Context) error

	// Findings returns the archived finding repository.
	Findings() FindingRepository
}

// FindingRepository defines archive operations.
type FindingRepository interface {
	// InsertBatch inserts multiple records in a single batch.
	InsertBatch(ctx context.Context, records []*FindingRecord) error

	// Query retrieves records matching the given filters.
	Query(ctx context.Context, filter *FindingFilter) (*FindingQueryResult, error)

	// Count returns the count of records matching the filter.
	Count(ctx context.Context, filter *FindingFilter) (int64, error)

	// DeleteBefore removes records older than the specified time.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// FindingRecord is one submitted finding together with the pipeline outcome.
type FindingRecord struct {
	// ID is the finding id assigned by the issuer.
	ID string

	// DetectedAt is when the issuer observed the finding.
	DetectedAt time.Time

	IssuerName string
	IssueType  string
	Severity   string

	// Outcome is recorded, throttled, suppressed or whitelisted.
	Outcome string

	// IssueHash and IssueID are set only for recorded findings.
	IssueHash string
	IssueID   int64

	// RuleID is the matching ignore rule for suppressed findings.
	RuleID int64

	Title     string
	FilePath  string
	IPAddress string
	Domain    string
	RawData   string

	// Metadata contains issuer-specific extracted data.
	Metadata map[string]interface{}
}

// FindingFilter defines query parameters for archive retrieval.
type FindingFilter struct {
	// Time range (required for efficient queries).
	StartTime time.Time
	EndTime   time.Time

	// Optional filters.
	IssuerName string
	IssueType  string
	Outcome    string
	Severities []string
	IPAddress  string
	Domain     string

	// Full-text search on title.
	TitleContains string

	// Pagination.
	Limit  int
	Offset int
}

// FindingQueryResult contains query results with pagination info.
type FindingQueryResult struct {
	Records []*FindingRecord
	Total   int64
	HasMore bool
}
