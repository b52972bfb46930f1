package models

import (
	"fmt"
	"time"
)

// RuleType selects how an IgnoreRule matches findings.
type RuleType string

const (
	RuleTypeHash    RuleType = "hash"
	RuleTypePattern RuleType = "pattern"
	RuleTypeIssuer  RuleType = "issuer"
	RuleTypeFile    RuleType = "file"
	RuleTypeIP      RuleType = "ip"
	RuleTypeRegex   RuleType = "regex"
)

// ParseRuleType converts a string to RuleType.
func ParseRuleType(s string) (RuleType, error) {
	switch RuleType(s) {
	case RuleTypeHash, RuleTypePattern, RuleTypeIssuer, RuleTypeFile, RuleTypeIP, RuleTypeRegex:
		return RuleType(s), nil
	default:
		return "", fmt.Errorf("invalid rule type: %q", s)
	}
}

// IgnoreRule is an admin-authored suppression predicate.
type IgnoreRule struct {
	ID         int64      `json:"id" yaml:"-"`
	RuleType   RuleType   `json:"rule_type" yaml:"type"`
	RuleValue  string     `json:"rule_value" yaml:"value"`
	IssuerName string     `json:"issuer_name,omitempty" yaml:"issuer,omitempty"`
	IssueType  string     `json:"issue_type,omitempty" yaml:"issue_type,omitempty"`
	IsActive   bool       `json:"is_active" yaml:"-"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	UsageCount int64      `json:"usage_count" yaml:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" yaml:"-"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty" yaml:"-"`
	CreatedAt  time.Time  `json:"created_at" yaml:"-"`
}

// IsExpired reports whether the rule's expiry lies at or before now.
func (r *IgnoreRule) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// IsEffective reports whether the rule should be evaluated at now.
func (r *IgnoreRule) IsEffective(now time.Time) bool {
	return r.IsActive && !r.IsExpired(now)
}

// Applies reports whether the rule's issuer/type scope covers the finding.
func (r *IgnoreRule) Applies(f *RawFinding) bool {
	if r.IssuerName != "" && r.IssuerName != f.IssuerName {
		return false
	}
	if r.IssueType != "" && r.IssueType != f.IssueType {
		return false
	}
	return true
}
