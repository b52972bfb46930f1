// Package suppression evaluates admin-authored ignore rules against findings
// before they are fingerprinted.
package suppression

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// Errors returned by rule administration.
var (
	ErrRuleNotFound  = errors.New("ignore rule not found")
	ErrInvalidRule   = errors.New("invalid ignore rule")
	ErrDuplicateRule = errors.New("ignore rule already exists")
)

// Engine decides whether a finding is suppressed.
type Engine struct {
	repo    storage.IgnoreRuleRepository
	matcher *matcher
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates an engine over repo.
func NewEngine(repo storage.IgnoreRuleRepository, logger *zap.Logger) *Engine {
	return &Engine{
		repo:    repo,
		matcher: newMatcher(),
		logger:  logging.OrNop(logger).Named("suppression"),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ShouldSuppress reports whether any effective rule matches f. Storage
// errors let the finding through.
func (e *Engine) ShouldSuppress(ctx context.Context, f *models.RawFinding) bool {
	rule, err := e.Match(ctx, f)
	if err != nil {
		e.logger.Error("load ignore rules", zap.Error(err))
		return false
	}
	return rule != nil
}

// Match returns the first effective rule matching f, or nil. On a match the
// rule's usage_count and last_used_at are bumped in storage and reflected in
// the returned copy.
func (e *Engine) Match(ctx context.Context, f *models.RawFinding) (*models.IgnoreRule, error) {
	rules, err := e.repo.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list ignore rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	sortRules(rules)

	now := e.now().UTC()
	s := subject{f: f, issueHash: fingerprint.IssueHash(f)}

	for _, rule := range rules {
		if rule.IsExpired(now) {
			e.expire(ctx, rule)
			continue
		}
		if !rule.Applies(f) {
			continue
		}
		ok, err := e.matcher.match(rule, s)
		if err != nil {
			e.logger.Warn("ignore rule failed to evaluate, skipping",
				zap.Int64("rule_id", rule.ID),
				zap.String("rule_type", string(rule.RuleType)),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		if err := e.repo.RecordUsage(ctx, rule.ID, now); err != nil {
			e.logger.Error("record rule usage", zap.Int64("rule_id", rule.ID), zap.Error(err))
		} else {
			rule.UsageCount++
			rule.LastUsedAt = &now
		}
		metrics.RuleMatches.WithLabelValues(string(rule.RuleType)).Inc()
		return rule, nil
	}
	return nil, nil
}

// expire lazily deactivates a rule whose expiry has passed.
func (e *Engine) expire(ctx context.Context, rule *models.IgnoreRule) {
	if err := e.repo.SetActive(ctx, rule.ID, false); err != nil {
		e.logger.Warn("deactivate expired rule", zap.Int64("rule_id", rule.ID), zap.Error(err))
		return
	}
	e.logger.Info("ignore rule expired", zap.Int64("rule_id", rule.ID))
}

func sortRules(rules []*models.IgnoreRule) {
	sort.SliceStable(rules, func(a, b int) bool {
		oa, ob := typeOrder[rules[a].RuleType], typeOrder[rules[b].RuleType]
		if oa != ob {
			return oa < ob
		}
		return rules[a].ID < rules[b].ID
	})
}

// Validate checks a rule before it is stored. Regex, CIDR and IP values are
// parsed here so malformed rules are rejected at creation time.
func Validate(rule *models.IgnoreRule) error {
	if _, err := models.ParseRuleType(string(rule.RuleType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rule.RuleValue = strings.TrimSpace(rule.RuleValue)
	if rule.RuleValue == "" {
		return fmt.Errorf("%w: rule_value is required", ErrInvalidRule)
	}

	switch rule.RuleType {
	case models.RuleTypeHash:
		rule.RuleValue = strings.ToLower(rule.RuleValue)
	case models.RuleTypeIP:
		if strings.Contains(rule.RuleValue, "/") {
			if _, err := netip.ParsePrefix(rule.RuleValue); err != nil {
				return fmt.Errorf("%w: invalid cidr %q: %v", ErrInvalidRule, rule.RuleValue, err)
			}
		} else if _, err := netip.ParseAddr(rule.RuleValue); err != nil {
			return fmt.Errorf("%w: invalid ip %q: %v", ErrInvalidRule, rule.RuleValue, err)
		}
	case models.RuleTypeRegex:
		if _, err := regexp.Compile(rule.RuleValue); err != nil {
			return fmt.Errorf("%w: invalid regex %q: %v", ErrInvalidRule, rule.RuleValue, err)
		}
	case models.RuleTypePattern:
		if _, err := wildcardRegexp(rule.RuleValue); err != nil {
			return fmt.Errorf("%w: invalid pattern %q: %v", ErrInvalidRule, rule.RuleValue, err)
		}
	}
	return nil
}

// CreateRule validates and stores a new active rule.
func (e *Engine) CreateRule(ctx context.Context, rule *models.IgnoreRule) (*models.IgnoreRule, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}
	existing, err := e.repo.Find(ctx, rule.RuleType, rule.RuleValue, rule.IssuerName, rule.IssueType)
	if err != nil {
		return nil, fmt.Errorf("find ignore rule: %w", err)
	}
	if existing != nil {
		return existing, fmt.Errorf("%w: id %d", ErrDuplicateRule, existing.ID)
	}

	rule.IsActive = true
	rule.UsageCount = 0
	rule.LastUsedAt = nil
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = e.now().UTC()
	}
	if err := e.repo.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("create ignore rule: %w", err)
	}
	e.logger.Info("ignore rule created",
		zap.Int64("rule_id", rule.ID),
		zap.String("rule_type", string(rule.RuleType)),
		zap.String("created_by", rule.CreatedBy))
	return rule, nil
}

// AddIgnoredHash is the shortcut for ignoring one content, line or issue
// hash from an issuer. Repeating the call returns the existing rule and
// reactivates it if needed.
func (e *Engine) AddIgnoredHash(ctx context.Context, hash, issuerName, reason, user string) (*models.IgnoreRule, error) {
	rule := &models.IgnoreRule{
		RuleType:   models.RuleTypeHash,
		RuleValue:  hash,
		IssuerName: issuerName,
		Reason:     reason,
		CreatedBy:  user,
	}
	created, err := e.CreateRule(ctx, rule)
	if errors.Is(err, ErrDuplicateRule) {
		if !created.IsActive {
			if err := e.repo.SetActive(ctx, created.ID, true); err != nil {
				return nil, fmt.Errorf("reactivate ignore rule: %w", err)
			}
			created.IsActive = true
		}
		return created, nil
	}
	return created, err
}

// GetRule returns a rule by id.
func (e *Engine) GetRule(ctx context.Context, id int64) (*models.IgnoreRule, error) {
	rule, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get ignore rule: %w", err)
	}
	if rule == nil {
		return nil, fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	return rule, nil
}

// ListRules returns rules ordered by id.
func (e *Engine) ListRules(ctx context.Context, activeOnly bool) ([]*models.IgnoreRule, error) {
	return e.repo.List(ctx, activeOnly)
}

// DeactivateRule turns a rule off without deleting its usage history.
func (e *Engine) DeactivateRule(ctx context.Context, id int64) error {
	if _, err := e.GetRule(ctx, id); err != nil {
		return err
	}
	if err := e.repo.SetActive(ctx, id, false); err != nil {
		return fmt.Errorf("deactivate ignore rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if _, err := e.GetRule(ctx, id); err != nil {
		return err
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete ignore rule: %w", err)
	}
	return nil
}

// DeactivateExpired turns off every active rule whose expiry has passed.
func (e *Engine) DeactivateExpired(ctx context.Context) (int64, error) {
	return e.repo.DeactivateExpired(ctx, e.now().UTC())
}

// DeactivateUnused turns off active rules that never matched and are older
// than maxAge. A zero maxAge disables the sweep.
func (e *Engine) DeactivateUnused(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	return e.repo.DeactivateUnused(ctx, e.now().UTC().Add(-maxAge))
}
