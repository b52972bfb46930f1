// Package lifecycle records deduplicated issues and moves them through the
// admin-driven status state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
	"github.com/good-yellow-bee/blazeguard/internal/suppression"
)

// Errors returned by the lifecycle service.
var (
	ErrIssueNotFound      = errors.New("issue not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrConcurrentUpdate   = errors.New("issue changed concurrently")
	ErrRuleNotApplicable  = errors.New("issue has no value for this rule type")
	ErrSuppressionMissing = errors.New("no suppression engine configured")
)

// transitions lists the admin moves allowed out of each status.
var transitions = map[models.IssueStatus][]models.IssueStatus{
	models.StatusNew:           {models.StatusInvestigating, models.StatusIgnored, models.StatusResolved, models.StatusFalsePositive},
	models.StatusInvestigating: {models.StatusIgnored, models.StatusResolved, models.StatusFalsePositive},
	models.StatusIgnored:       {models.StatusNew, models.StatusResolved, models.StatusFalsePositive},
}

// CanTransition reports whether an admin may move an issue from one status to another.
func CanTransition(from, to models.IssueStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// maxStatusAttempts bounds the compare-and-swap retries of a transition.
const maxStatusAttempts = 3

// Service owns issue rows.
type Service struct {
	issues storage.IssueRepository
	rules  *suppression.Engine
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a lifecycle service. rules may be nil when ignore
// rules are never created from issues.
func NewService(issues storage.IssueRepository, rules *suppression.Engine, logger *zap.Logger) *Service {
	return &Service{
		issues: issues,
		rules:  rules,
		logger: logging.OrNop(logger).Named("lifecycle"),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RecordResult is the outcome of RecordIssue.
type RecordResult struct {
	Issue *models.Issue
	// Created is true when this finding inserted the row.
	Created bool
	// ViewedReset is true when this finding cleared a previous view.
	ViewedReset bool
	// ShouldNotify is true on insert or on the viewed to unviewed
	// transition, unless the issue is ignored.
	ShouldNotify bool
}

// RecordIssue inserts the finding's issue or bumps the existing row with the
// same fingerprint. Status is never changed by a re-detection.
func (s *Service) RecordIssue(ctx context.Context, f *models.RawFinding) (*RecordResult, error) {
	hash := fingerprint.IssueHash(f)
	now := s.now().UTC()

	res, err := s.issues.Upsert(ctx, models.NewIssueFromFinding(f, hash, now))
	if err != nil {
		return nil, fmt.Errorf("record issue %s: %w", hash, err)
	}

	out := &RecordResult{
		Issue:       res.Issue,
		Created:     res.Created,
		ViewedReset: res.ViewedReset,
	}
	out.ShouldNotify = (res.Created || res.ViewedReset) && !res.Issue.IsIgnored

	if res.Created {
		metrics.IssuesCreated.WithLabelValues(f.IssuerName, string(f.Severity)).Inc()
		s.logger.Info("issue created",
			zap.Int64("issue_id", res.Issue.ID),
			zap.String("issuer", f.IssuerName),
			zap.String("type", f.IssueType),
			zap.String("severity", string(f.Severity)))
	} else {
		s.logger.Debug("issue re-detected",
			zap.Int64("issue_id", res.Issue.ID),
			zap.Int64("detection_count", res.Issue.DetectionCount),
			zap.Bool("viewed_reset", res.ViewedReset))
	}
	return out, nil
}

// GetIssue returns an issue by id.
func (s *Service) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	issue, err := s.issues.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", id, err)
	}
	if issue == nil {
		return nil, fmt.Errorf("%w: %d", ErrIssueNotFound, id)
	}
	return issue, nil
}

// GetIssues returns one page of issues and the total number matching filter.
func (s *Service) GetIssues(ctx context.Context, filter *models.IssueFilter) ([]*models.Issue, int64, error) {
	if filter == nil {
		filter = &models.IssueFilter{}
	}
	filter.Normalize()
	return s.issues.List(ctx, filter)
}

// GetStats summarises all issues; Last24h counts issues seen in the last day.
func (s *Service) GetStats(ctx context.Context) (*models.IssueStats, error) {
	return s.issues.Stats(ctx, s.now().UTC().Add(-24*time.Hour))
}

// MarkViewed records that user looked at the issue. The next re-detection
// clears the view and notifies again.
func (s *Service) MarkViewed(ctx context.Context, id int64, user string) (*models.Issue, error) {
	if _, err := s.GetIssue(ctx, id); err != nil {
		return nil, err
	}
	if err := s.issues.MarkViewed(ctx, id, user, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("mark issue %d viewed: %w", id, err)
	}
	return s.GetIssue(ctx, id)
}

// StartInvestigation moves a new issue to investigating.
func (s *Service) StartInvestigation(ctx context.Context, id int64, user string) (*models.Issue, error) {
	return s.transition(ctx, id, models.StatusInvestigating, user, func(i *models.Issue, now time.Time) {})
}

// RuleSpec asks IgnoreIssue to also create a standing ignore rule.
type RuleSpec struct {
	Type      models.RuleType
	ExpiresAt *time.Time
}

// IgnoreResult is the outcome of IgnoreIssue.
type IgnoreResult struct {
	Issue *models.Issue
	Rule  *models.IgnoreRule `json:"rule,omitempty"`
}

// IgnoreIssue marks the issue ignored. When spec is not nil an ignore rule
// built from the issue is created too; an existing identical rule is reused.
func (s *Service) IgnoreIssue(ctx context.Context, id int64, user, reason string, spec *RuleSpec) (*IgnoreResult, error) {
	issue, err := s.transition(ctx, id, models.StatusIgnored, user, func(i *models.Issue, now time.Time) {
		i.IsIgnored = true
		i.IgnoredBy = user
		i.IgnoredAt = &now
		i.IgnoreReason = reason
	})
	if err != nil {
		return nil, err
	}

	res := &IgnoreResult{Issue: issue}
	if spec != nil {
		rule, err := s.CreateIgnoreRuleFromIssue(ctx, id, spec.Type, user, reason, spec.ExpiresAt)
		if err != nil {
			return res, err
		}
		res.Rule = rule
	}
	return res, nil
}

// UnignoreIssue returns an ignored issue to new and clears the ignore fields.
func (s *Service) UnignoreIssue(ctx context.Context, id int64, user string) (*models.Issue, error) {
	return s.transition(ctx, id, models.StatusNew, user, func(i *models.Issue, now time.Time) {
		clearIgnore(i)
	})
}

// ResolveIssue closes the issue as fixed.
func (s *Service) ResolveIssue(ctx context.Context, id int64, user, notes string) (*models.Issue, error) {
	return s.transition(ctx, id, models.StatusResolved, user, func(i *models.Issue, now time.Time) {
		clearIgnore(i)
		i.ResolvedBy = user
		i.ResolvedAt = &now
		i.ResolvedNotes = notes
	})
}

// MarkFalsePositive closes the issue as not a real problem.
func (s *Service) MarkFalsePositive(ctx context.Context, id int64, user, notes string) (*models.Issue, error) {
	return s.transition(ctx, id, models.StatusFalsePositive, user, func(i *models.Issue, now time.Time) {
		clearIgnore(i)
		i.ResolvedBy = user
		i.ResolvedAt = &now
		i.ResolvedNotes = notes
	})
}

// SetStatus dispatches a generic status change to the matching operation.
func (s *Service) SetStatus(ctx context.Context, id int64, to models.IssueStatus, user, note string) (*models.Issue, error) {
	switch to {
	case models.StatusInvestigating:
		return s.StartInvestigation(ctx, id, user)
	case models.StatusIgnored:
		res, err := s.IgnoreIssue(ctx, id, user, note, nil)
		if err != nil {
			return nil, err
		}
		return res.Issue, nil
	case models.StatusNew:
		return s.UnignoreIssue(ctx, id, user)
	case models.StatusResolved:
		return s.ResolveIssue(ctx, id, user, note)
	case models.StatusFalsePositive:
		return s.MarkFalsePositive(ctx, id, user, note)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
}

// CreateIgnoreRuleFromIssue promotes an issue into a standing ignore rule.
// Hash rules prefer the line hash so only the matched line is ignored.
func (s *Service) CreateIgnoreRuleFromIssue(ctx context.Context, id int64, ruleType models.RuleType, user, reason string, expiresAt *time.Time) (*models.IgnoreRule, error) {
	if s.rules == nil {
		return nil, ErrSuppressionMissing
	}
	issue, err := s.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}

	rule := &models.IgnoreRule{
		RuleType:  ruleType,
		Reason:    reason,
		CreatedBy: user,
		ExpiresAt: expiresAt,
	}
	switch ruleType {
	case models.RuleTypeHash:
		rule.RuleValue = issue.IssueHash
		if issue.LineCodeHash != "" {
			rule.RuleValue = issue.LineCodeHash
		}
		rule.IssuerName = issue.IssuerName
	case models.RuleTypeFile:
		rule.RuleValue = issue.FilePath
		rule.IssuerName = issue.IssuerName
	case models.RuleTypeIP:
		rule.RuleValue = issue.IPAddress
		rule.IssuerName = issue.IssuerName
	case models.RuleTypeIssuer:
		rule.RuleValue = issue.IssuerName
	case models.RuleTypePattern:
		rule.RuleValue = issue.Title
		rule.IssuerName = issue.IssuerName
		rule.IssueType = issue.IssueType
	case models.RuleTypeRegex:
		if issue.Title != "" {
			rule.RuleValue = "^" + regexp.QuoteMeta(issue.Title) + "$"
		}
		rule.IssuerName = issue.IssuerName
		rule.IssueType = issue.IssueType
	default:
		return nil, fmt.Errorf("%w: %q", suppression.ErrInvalidRule, ruleType)
	}
	if rule.RuleValue == "" {
		return nil, fmt.Errorf("%w: %s rule for issue %d", ErrRuleNotApplicable, ruleType, id)
	}

	created, err := s.rules.CreateRule(ctx, rule)
	if errors.Is(err, suppression.ErrDuplicateRule) {
		return created, nil
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteIssue removes the issue and its notifications.
func (s *Service) DeleteIssue(ctx context.Context, id int64) error {
	if _, err := s.GetIssue(ctx, id); err != nil {
		return err
	}
	if err := s.issues.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete issue %d: %w", id, err)
	}
	s.logger.Info("issue deleted", zap.Int64("issue_id", id))
	return nil
}

// transition applies an admin status change with compare-and-swap on the
// current status, retrying when a concurrent writer got there first.
func (s *Service) transition(ctx context.Context, id int64, to models.IssueStatus, user string, apply func(*models.Issue, time.Time)) (*models.Issue, error) {
	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		issue, err := s.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		from := issue.Status
		if !CanTransition(from, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		issue.Status = to
		apply(issue, s.now().UTC())

		ok, err := s.issues.UpdateStatus(ctx, issue, from)
		if err != nil {
			return nil, fmt.Errorf("update issue %d status: %w", id, err)
		}
		if ok {
			s.logger.Info("issue status changed",
				zap.Int64("issue_id", id),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.String("by", user))
			return issue, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrConcurrentUpdate, id)
}

func clearIgnore(i *models.Issue) {
	i.IsIgnored = false
	i.IgnoredBy = ""
	i.IgnoredAt = nil
	i.IgnoreReason = ""
}
