// Package pipeline funnels every finding through rate limiting, suppression,
// domain reputation, deduplication and notification in a fixed order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/lifecycle"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/reputation"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// Errors returned by the dispatcher.
var (
	ErrInvalidFinding = errors.New("invalid finding")
	ErrScanInProgress = errors.New("scan already in progress")
)

// Outcome is what the pipeline did with a finding.
type Outcome string

const (
	OutcomeRecorded    Outcome = "recorded"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeSuppressed  Outcome = "suppressed"
	OutcomeWhitelisted Outcome = "whitelisted"
)

// RateLimiter caps findings per issuer.
type RateLimiter interface {
	Check(ctx context.Context, issuer string) (bool, error)
}

// Suppressor finds the ignore rule matching a finding.
type Suppressor interface {
	Match(ctx context.Context, f *models.RawFinding) (*models.IgnoreRule, error)
}

// Reputation classifies redirect target domains.
type Reputation interface {
	Observe(ctx context.Context, domain string, c models.DomainContext) (reputation.Verdict, error)
}

// Recorder deduplicates findings into issues.
type Recorder interface {
	RecordIssue(ctx context.Context, f *models.RawFinding) (*lifecycle.RecordResult, error)
}

// Enqueuer creates notification rows for an issue.
type Enqueuer interface {
	Enqueue(ctx context.Context, issue *models.Issue) ([]*models.Notification, error)
}

// Archiver receives one record per submitted finding.
type Archiver interface {
	Add(rec *storage.FindingRecord) error
}

// Deps are the stages the dispatcher drives. Limiter, Domains, Queue and
// Archive may be nil to skip that stage.
type Deps struct {
	Issuers   *issuer.Registry
	Limiter   RateLimiter
	Rules     Suppressor
	Domains   Reputation
	Lifecycle Recorder
	Queue     Enqueuer
	Archive   Archiver
	Logger    *zap.Logger
}

// Config configures the dispatcher.
type Config struct {
	// ScanTimeout bounds one issuer's Detect call. 0 means no bound.
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// Result describes the fate of one submitted finding.
type Result struct {
	Outcome Outcome
	// Issue is set for recorded findings.
	Issue *models.Issue
	// Created is true when the finding opened a new issue.
	Created bool
	// Notified is true when notification rows were enqueued.
	Notified bool
	// Rule is the matching ignore rule for suppressed findings.
	Rule *models.IgnoreRule
	// Verdict is the domain reputation verdict for redirect findings.
	Verdict reputation.Verdict
}

// Stats tracks dispatcher counters using atomic operations.
type Stats struct {
	Submitted      atomic.Int64
	Recorded       atomic.Int64
	Throttled      atomic.Int64
	Suppressed     atomic.Int64
	Whitelisted    atomic.Int64
	Errors         atomic.Int64
	DetectorErrors atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Submitted      int64 `json:"submitted"`
	Recorded       int64 `json:"recorded"`
	Throttled      int64 `json:"throttled"`
	Suppressed     int64 `json:"suppressed"`
	Whitelisted    int64 `json:"whitelisted"`
	Errors         int64 `json:"errors"`
	DetectorErrors int64 `json:"detector_errors"`
}

// Dispatcher is the single entry point for findings.
type Dispatcher struct {
	deps   Deps
	config Config
	logger *zap.Logger
	now    func() time.Time
	stats  Stats
	scanMu sync.Mutex
}

// NewDispatcher creates a dispatcher over deps. Issuers, Rules and
// Lifecycle are required.
func NewDispatcher(deps Deps, config Config) (*Dispatcher, error) {
	if deps.Issuers == nil || deps.Rules == nil || deps.Lifecycle == nil {
		return nil, errors.New("dispatcher requires issuers, rules and lifecycle")
	}
	return &Dispatcher{
		deps:   deps,
		config: config,
		logger: logging.OrNop(deps.Logger).Named("dispatcher"),
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source. Used by tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return StatsSnapshot{
		Submitted:      d.stats.Submitted.Load(),
		Recorded:       d.stats.Recorded.Load(),
		Throttled:      d.stats.Throttled.Load(),
		Suppressed:     d.stats.Suppressed.Load(),
		Whitelisted:    d.stats.Whitelisted.Load(),
		Errors:         d.stats.Errors.Load(),
		DetectorErrors: d.stats.DetectorErrors.Load(),
	}
}

// Submit runs f through rate limiting, suppression, domain reputation,
// deduplication and notification, in that order. An error means the
// finding was lost to a storage failure; it has already been logged.
func (d *Dispatcher) Submit(ctx context.Context, f *models.RawFinding) (*Result, error) {
	if err := d.normalize(f); err != nil {
		return nil, err
	}
	d.stats.Submitted.Add(1)

	if d.deps.Limiter != nil {
		// A store error is logged by the limiter and lets the finding through.
		allowed, _ := d.deps.Limiter.Check(ctx, f.IssuerName)
		if !allowed {
			d.stats.Throttled.Add(1)
			return d.finish(f, &Result{Outcome: OutcomeThrottled}, ""), nil
		}
	}

	rule, err := d.deps.Rules.Match(ctx, f)
	if err != nil {
		d.logger.Error("suppression check failed, keeping finding",
			zap.String("issuer", f.IssuerName), zap.Error(err))
	}
	if rule != nil {
		d.stats.Suppressed.Add(1)
		d.logger.Debug("finding suppressed",
			zap.String("issuer", f.IssuerName),
			zap.Int64("rule_id", rule.ID),
			zap.String("rule_type", string(rule.RuleType)))
		return d.finish(f, &Result{Outcome: OutcomeSuppressed, Rule: rule}, ""), nil
	}

	var verdict reputation.Verdict
	if f.Domain != "" && d.deps.Domains != nil {
		verdict, err = d.deps.Domains.Observe(ctx, f.Domain, models.DomainContext{
			Source:      f.IssuerName,
			RedirectURL: f.RedirectURL,
			Timestamp:   f.DetectedAt,
		})
		switch {
		case err != nil:
			d.logger.Error("domain reputation check failed, keeping finding",
				zap.String("domain", f.Domain), zap.Error(err))
		case verdict.Suppresses():
			d.stats.Whitelisted.Add(1)
			return d.finish(f, &Result{Outcome: OutcomeWhitelisted, Verdict: verdict}, ""), nil
		default:
			f.SetMeta("domain", f.Domain)
			f.SetMeta("domain_status", string(verdict))
		}
	}

	rec, err := d.deps.Lifecycle.RecordIssue(ctx, f)
	if err != nil {
		d.stats.Errors.Add(1)
		metrics.PipelineErrors.WithLabelValues("record").Inc()
		d.logger.Error("finding lost: issue upsert failed",
			zap.String("finding_id", f.ID),
			zap.String("issuer", f.IssuerName),
			zap.String("type", f.IssueType),
			zap.Error(err))
		return nil, err
	}
	d.stats.Recorded.Add(1)

	res := &Result{Outcome: OutcomeRecorded, Issue: rec.Issue, Created: rec.Created, Verdict: verdict}
	if rec.ShouldNotify && d.deps.Queue != nil {
		rows, err := d.deps.Queue.Enqueue(ctx, rec.Issue)
		if err != nil {
			metrics.PipelineErrors.WithLabelValues("enqueue").Inc()
			d.logger.Error("enqueue notifications failed",
				zap.Int64("issue_id", rec.Issue.ID), zap.Error(err))
		}
		res.Notified = len(rows) > 0
	}
	return d.finish(f, res, rec.Issue.IssueHash), nil
}

// normalize fills defaults and rejects findings that cannot be fingerprinted.
func (d *Dispatcher) normalize(f *models.RawFinding) error {
	if f == nil {
		return fmt.Errorf("%w: nil finding", ErrInvalidFinding)
	}
	if f.IssuerName == "" || f.IssueType == "" {
		return fmt.Errorf("%w: issuer name and issue type are required", ErrInvalidFinding)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if !f.Severity.IsValid() {
		f.Severity = models.SeverityMedium
	}
	if f.Title == "" {
		f.Title = f.IssueType
	}
	if f.DetectedAt.IsZero() {
		f.DetectedAt = d.now().UTC()
	}
	switch {
	case f.Domain != "":
		f.Domain = reputation.ExtractDomain(f.Domain)
	case f.RedirectURL != "":
		f.Domain = reputation.ExtractDomain(f.RedirectURL)
	}
	return nil
}

// finish records the outcome in metrics and the archive.
func (d *Dispatcher) finish(f *models.RawFinding, res *Result, issueHash string) *Result {
	metrics.FindingsTotal.WithLabelValues(f.IssuerName, string(res.Outcome)).Inc()
	if d.deps.Archive == nil {
		return res
	}

	rec := &storage.FindingRecord{
		ID:         f.ID,
		DetectedAt: f.DetectedAt,
		IssuerName: f.IssuerName,
		IssueType:  f.IssueType,
		Severity:   string(f.Severity),
		Outcome:    string(res.Outcome),
		Title:      f.Title,
		FilePath:   f.FilePath,
		IPAddress:  f.IPAddress,
		Domain:     f.Domain,
		RawData:    f.RawData,
		Metadata:   f.Metadata,
	}
	if res.Issue != nil {
		rec.IssueHash = issueHash
		rec.IssueID = res.Issue.ID
	} else {
		rec.IssueHash = fingerprint.IssueHash(f)
	}
	if res.Rule != nil {
		rec.RuleID = res.Rule.ID
	}
	if err := d.deps.Archive.Add(rec); err != nil {
		d.logger.Warn("archive finding failed", zap.String("finding_id", f.ID), zap.Error(err))
	}
	return res
}
