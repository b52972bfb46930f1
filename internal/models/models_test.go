package models

import (
	"testing"
	"time"
)

func TestParseEnums(t *testing.T) {
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Error("ParseSeverity accepted an unknown value")
	}
	if _, err := ParseIssueStatus("closed"); err == nil {
		t.Error("ParseIssueStatus accepted an unknown value")
	}
	if _, err := ParseRuleType("glob"); err == nil {
		t.Error("ParseRuleType accepted an unknown value")
	}
	if _, err := ParseDomainList("blacklist"); err == nil {
		t.Error("ParseDomainList accepted an unknown value")
	}

	for _, s := range []string{"new", "investigating", "resolved", "ignored", "false_positive"} {
		if got, err := ParseIssueStatus(s); err != nil || string(got) != s {
			t.Errorf("ParseIssueStatus(%q) = %q, %v", s, got, err)
		}
	}
	for _, s := range []string{"hash", "pattern", "issuer", "file", "ip", "regex"} {
		if got, err := ParseRuleType(s); err != nil || string(got) != s {
			t.Errorf("ParseRuleType(%q) = %q, %v", s, got, err)
		}
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if Severity("bogus").Rank() != 0 || Severity("bogus").IsValid() {
		t.Error("unknown severity should rank 0 and be invalid")
	}
}

func TestIssueStatusIsTerminal(t *testing.T) {
	tests := map[IssueStatus]bool{
		StatusNew:           false,
		StatusInvestigating: false,
		StatusIgnored:       false,
		StatusResolved:      true,
		StatusFalsePositive: true,
	}
	for s, want := range tests {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestIgnoreRuleEffective(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		rule IgnoreRule
		want bool
	}{
		{"active without expiry", IgnoreRule{IsActive: true}, true},
		{"inactive", IgnoreRule{IsActive: false}, false},
		{"expires later", IgnoreRule{IsActive: true, ExpiresAt: &future}, true},
		{"expired but still flagged active", IgnoreRule{IsActive: true, ExpiresAt: &past}, false},
		{"expires exactly now", IgnoreRule{IsActive: true, ExpiresAt: &now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.IsEffective(now); got != tt.want {
				t.Errorf("IsEffective = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIgnoreRuleApplies(t *testing.T) {
	f := &RawFinding{IssuerName: "uploads", IssueType: "malicious_upload"}

	tests := []struct {
		rule IgnoreRule
		want bool
	}{
		{IgnoreRule{}, true},
		{IgnoreRule{IssuerName: "uploads"}, true},
		{IgnoreRule{IssuerName: "php_log"}, false},
		{IgnoreRule{IssuerName: "uploads", IssueType: "malicious_upload"}, true},
		{IgnoreRule{IssueType: "php_error"}, false},
	}
	for _, tt := range tests {
		if got := tt.rule.Applies(f); got != tt.want {
			t.Errorf("rule %+v Applies = %v, want %v", tt.rule, got, tt.want)
		}
	}
}

func TestNewIssueFromFinding(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	f := NewFinding("failed_login", "failed_login", SeverityMedium, "Failed login for admin")
	f.IPAddress = "192.0.2.1"
	f.SetMeta("username", "admin")

	if f.ID == "" || f.DetectedAt.IsZero() {
		t.Fatal("NewFinding should set id and detection time")
	}

	issue := NewIssueFromFinding(f, "abc123", now)
	if issue.Status != StatusNew || issue.DetectionCount != 1 {
		t.Errorf("status %s count %d, want new 1", issue.Status, issue.DetectionCount)
	}
	if !issue.FirstDetected.Equal(now) || !issue.LastDetected.Equal(now) {
		t.Error("first and last detection should both be now")
	}
	if issue.IssueHash != "abc123" || issue.IPAddress != "192.0.2.1" || issue.Metadata["username"] != "admin" {
		t.Errorf("issue fields not copied: %+v", issue)
	}
}

func TestIssueFilterNormalize(t *testing.T) {
	tests := []struct {
		in         IssueFilter
		page, per  int
		wantOffset int
	}{
		{IssueFilter{}, 1, 50, 0},
		{IssueFilter{Page: 3, PerPage: 20}, 3, 20, 40},
		{IssueFilter{Page: -1, PerPage: 10000}, 1, 500, 0},
	}
	for _, tt := range tests {
		f := tt.in
		f.Normalize()
		if f.Page != tt.page || f.PerPage != tt.per || f.Offset() != tt.wantOffset {
			t.Errorf("Normalize(%+v) = page %d per %d offset %d", tt.in, f.Page, f.PerPage, f.Offset())
		}
	}
}

func TestNotificationIsDeliverable(t *testing.T) {
	for status, want := range map[NotificationStatus]bool{
		NotificationPending: true,
		NotificationRetry:   true,
		NotificationSent:    false,
		NotificationFailed:  false,
	} {
		n := &Notification{Status: status}
		if got := n.IsDeliverable(); got != want {
			t.Errorf("%s IsDeliverable = %v, want %v", status, got, want)
		}
	}
}
