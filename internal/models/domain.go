package models

import (
	"fmt"
	"time"
)

// DomainStatus is the state of a PendingDomain row.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainApproved DomainStatus = "approved"
	DomainRejected DomainStatus = "rejected"
)

// DomainContext is one recorded occurrence of a redirect to a domain.
type DomainContext struct {
	Source      string    `json:"source"`
	RedirectURL string    `json:"redirect_url"`
	Timestamp   time.Time `json:"timestamp"`
}

// PendingDomain tracks an unreviewed redirect target.
type PendingDomain struct {
	ID             int64           `json:"id"`
	Domain         string          `json:"domain"`
	FirstDetected  time.Time       `json:"first_detected"`
	LastDetected   time.Time       `json:"last_detected"`
	DetectionCount int64           `json:"detection_count"`
	Status         DomainStatus    `json:"status"`
	Contexts       []DomainContext `json:"contexts"`
}

// WhitelistDomain is an approved redirect target; findings for it are suppressed.
type WhitelistDomain struct {
	ID         int64      `json:"id"`
	Domain     string     `json:"domain"`
	Reason     string     `json:"reason,omitempty"`
	AddedBy    string     `json:"added_by,omitempty"`
	AddedAt    time.Time  `json:"added_at"`
	UsageCount int64      `json:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

// RejectedDomain is a reviewed and rejected redirect target. It is not suppressed.
type RejectedDomain struct {
	ID             int64           `json:"id"`
	Domain         string          `json:"domain"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	RejectedBy     string          `json:"rejected_by,omitempty"`
	RejectedAt     time.Time       `json:"rejected_at"`
	DetectionCount int64           `json:"detection_count"`
	Contexts       []DomainContext `json:"contexts"`
}

// DomainList names one of the three reputation tables.
type DomainList string

const (
	ListWhitelist DomainList = "whitelist"
	ListPending   DomainList = "pending"
	ListRejected  DomainList = "rejected"
)

// ParseDomainList converts a string to DomainList.
func ParseDomainList(s string) (DomainList, error) {
	switch DomainList(s) {
	case ListWhitelist, ListPending, ListRejected:
		return DomainList(s), nil
	default:
		return "", fmt.Errorf("invalid domain list: %q", s)
	}
}
