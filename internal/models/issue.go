package models

import (
	"fmt"
	"time"
)

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	StatusNew           IssueStatus = "new"
	StatusInvestigating IssueStatus = "investigating"
	StatusResolved      IssueStatus = "resolved"
	StatusIgnored       IssueStatus = "ignored"
	StatusFalsePositive IssueStatus = "false_positive"
)

// ParseIssueStatus converts a string to IssueStatus.
func ParseIssueStatus(s string) (IssueStatus, error) {
	switch IssueStatus(s) {
	case StatusNew, StatusInvestigating, StatusResolved, StatusIgnored, StatusFalsePositive:
		return IssueStatus(s), nil
	default:
		return "", fmt.Errorf("invalid issue status: %q", s)
	}
}

// IsTerminal reports whether no admin transition leaves this status.
func (s IssueStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Issue is a deduplicated security finding. One row exists per IssueHash.
type Issue struct {
	ID           int64          `json:"id"`
	IssueHash    string         `json:"issue_hash"`
	LineCodeHash string         `json:"line_code_hash,omitempty"`
	IssuerName   string         `json:"issuer_name"`
	IssueType    string         `json:"issue_type"`
	Severity     Severity       `json:"severity"`
	Status       IssueStatus    `json:"status"`
	IsIgnored    bool           `json:"is_ignored"`
	Viewed       bool           `json:"viewed"`
	ViewedBy     string         `json:"viewed_by,omitempty"`
	ViewedAt     *time.Time     `json:"viewed_at,omitempty"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Details      string         `json:"details,omitempty"`
	RawData      string         `json:"raw_data,omitempty"`
	Backtrace    string         `json:"backtrace,omitempty"`
	FilePath     string         `json:"file_path,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	FirstDetected  time.Time `json:"first_detected"`
	LastDetected   time.Time `json:"last_detected"`
	DetectionCount int64     `json:"detection_count"`

	IgnoredBy     string     `json:"ignored_by,omitempty"`
	IgnoredAt     *time.Time `json:"ignored_at,omitempty"`
	IgnoreReason  string     `json:"ignore_reason,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedNotes string     `json:"resolved_notes,omitempty"`
}

// NewIssueFromFinding builds the row inserted the first time a fingerprint is seen.
func NewIssueFromFinding(f *RawFinding, hash string, now time.Time) *Issue {
	return &Issue{
		IssueHash:      hash,
		LineCodeHash:   f.LineCodeHash,
		IssuerName:     f.IssuerName,
		IssueType:      f.IssueType,
		Severity:       f.Severity,
		Status:         StatusNew,
		Title:          f.Title,
		Description:    f.Description,
		Details:        f.Details,
		RawData:        f.RawData,
		Backtrace:      f.Backtrace,
		FilePath:       f.FilePath,
		IPAddress:      f.IPAddress,
		UserAgent:      f.UserAgent,
		Metadata:       f.Metadata,
		FirstDetected:  now,
		LastDetected:   now,
		DetectionCount: 1,
	}
}

// IssueFilter narrows issue listings. Zero values mean "any".
type IssueFilter struct {
	Status     IssueStatus
	Severity   Severity
	IssuerName string
	IssueType  string
	Viewed     *bool
	Ignored    *bool
	Search     string
	Since      time.Time
	Page       int
	PerPage    int
}

// Normalize clamps pagination into sane bounds.
func (f *IssueFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 50
	}
	if f.PerPage > 500 {
		f.PerPage = 500
	}
}

// Offset returns the row offset for the current page.
func (f *IssueFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// IssueStats summarises the issue table.
type IssueStats struct {
	Total      int64                 `json:"total"`
	Unviewed   int64                 `json:"unviewed"`
	ByStatus   map[IssueStatus]int64 `json:"by_status"`
	BySeverity map[Severity]int64    `json:"by_severity"`
	ByIssuer   map[string]int64      `json:"by_issuer"`
	Last24h    int64                 `json:"last_24h"`
}

// NewIssueStats returns stats with initialised maps.
func NewIssueStats() *IssueStats {
	return &IssueStats{
		ByStatus:   make(map[IssueStatus]int64),
		BySeverity: make(map[Severity]int64),
		ByIssuer:   make(map[string]int64),
	}
}
