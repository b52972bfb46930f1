// Package retention prunes data that has outlived its usefulness: hourly
// rate buckets, expired or unused ignore rules, old audit entries, delivered
// notifications and archived findings.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/logging"
)

// RateBuckets drops rate limit buckets older than their window.
type RateBuckets interface {
	Prune(ctx context.Context) (int64, error)
}

// Rules deactivates ignore rules.
type Rules interface {
	DeactivateExpired(ctx context.Context) (int64, error)
	DeactivateUnused(ctx context.Context, maxAge time.Duration) (int64, error)
}

// AuditLog deletes audit entries by age.
type AuditLog interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Notifications deletes delivered notification rows.
type Notifications interface {
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
}

// Archive deletes archived findings.
type Archive interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Config holds retention periods. A zero period disables that task.
type Config struct {
	AuditDays        int           `yaml:"audit_days"`
	NotificationDays int           `yaml:"notification_days"`
	ArchiveDays      int           `yaml:"archive_days"`
	UnusedRuleMaxAge time.Duration `yaml:"unused_rule_max_age"`
}

// DefaultConfig returns default retention periods.
func DefaultConfig() Config {
	return Config{
		AuditDays:        90,
		NotificationDays: 30,
		ArchiveDays:      0,
		UnusedRuleMaxAge: 0,
	}
}

// Deps are the stores retention prunes. Nil members are skipped.
type Deps struct {
	RateBuckets   RateBuckets
	Rules         Rules
	AuditLog      AuditLog
	Notifications Notifications
	Archive       Archive
}

// Result holds the outcome of one retention run.
type Result struct {
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration"`
	Tasks       map[string]int64 `json:"tasks"`
	TotalRows   int64            `json:"total_rows"`
	Errors      []string         `json:"errors,omitempty"`
}

// Service runs retention tasks.
type Service struct {
	deps   Deps
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a retention service.
func New(deps Deps, config Config, logger *zap.Logger) *Service {
	return &Service{
		deps:   deps,
		config: config,
		logger: logging.OrNop(logger).Named("retention"),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type task struct {
	name string
	fn   func(ctx context.Context) (int64, error)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func (s *Service) tasks() []task {
	var tasks []task
	if s.deps.RateBuckets != nil {
		tasks = append(tasks, task{"rate_buckets", s.deps.RateBuckets.Prune})
	}
	if s.deps.Rules != nil {
		tasks = append(tasks, task{"expired_rules", s.deps.Rules.DeactivateExpired})
		if s.config.UnusedRuleMaxAge > 0 {
			tasks = append(tasks, task{"unused_rules", func(ctx context.Context) (int64, error) {
				return s.deps.Rules.DeactivateUnused(ctx, s.config.UnusedRuleMaxAge)
			}})
		}
	}
	if s.deps.AuditLog != nil && s.config.AuditDays > 0 {
		tasks = append(tasks, task{"audit_log", func(ctx context.Context) (int64, error) {
			return s.deps.AuditLog.Purge(ctx, days(s.config.AuditDays))
		}})
	}
	if s.deps.Notifications != nil && s.config.NotificationDays > 0 {
		tasks = append(tasks, task{"sent_notifications", func(ctx context.Context) (int64, error) {
			return s.deps.Notifications.PurgeSent(ctx, s.now().Add(-days(s.config.NotificationDays)))
		}})
	}
	if s.deps.Archive != nil && s.config.ArchiveDays > 0 {
		tasks = append(tasks, task{"archived_findings", func(ctx context.Context) (int64, error) {
			return s.deps.Archive.DeleteBefore(ctx, s.now().Add(-days(s.config.ArchiveDays)))
		}})
	}
	return tasks
}

// Run executes every configured task. A failing task is recorded in the
// result and the remaining tasks still run.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		StartedAt: s.now(),
		Tasks:     make(map[string]int64),
	}

	for _, t := range s.tasks() {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("retention cancelled: %w", err)
		}
		n, err := t.fn(ctx)
		if err != nil {
			s.logger.Error("retention task failed", zap.String("task", t.name), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", t.name, err))
			continue
		}
		result.Tasks[t.name] = n
		result.TotalRows += n
		if n > 0 {
			s.logger.Info("retention task completed", zap.String("task", t.name), zap.Int64("rows", n))
		}
	}

	result.CompletedAt = s.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	s.logger.Debug("retention finished",
		zap.Int64("rows", result.TotalRows),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.Duration))
	return result, nil
}
