// Package reputation tracks redirect-target domains through the
// pending, whitelisted and rejected states.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// Errors returned by admin operations.
var (
	ErrInvalidDomain    = errors.New("invalid domain")
	ErrDomainNotFound   = errors.New("domain not found")
	ErrDomainNotPending = errors.New("domain is not pending review")
)

// DefaultMaxContexts is how many recent occurrences a domain row keeps.
const DefaultMaxContexts = 10

// Verdict is the outcome of observing a redirect to a domain.
type Verdict string

const (
	// VerdictWhitelisted means the finding must be suppressed.
	VerdictWhitelisted Verdict = "whitelisted"
	// VerdictPending means the domain is awaiting review.
	VerdictPending Verdict = "pending"
	// VerdictRejected means the domain was reviewed and rejected.
	VerdictRejected Verdict = "rejected"
)

// Suppresses reports whether findings with this verdict are dropped.
func (v Verdict) Suppresses() bool {
	return v == VerdictWhitelisted
}

// Config configures the workflow.
type Config struct {
	MaxContexts int `yaml:"max_contexts"`
}

// Workflow applies the domain reputation rules.
type Workflow struct {
	repo        storage.DomainRepository
	maxContexts int
	logger      *zap.Logger
	now         func() time.Time
}

// NewWorkflow creates a workflow over repo.
func NewWorkflow(repo storage.DomainRepository, cfg Config, logger *zap.Logger) *Workflow {
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = DefaultMaxContexts
	}
	return &Workflow{
		repo:        repo,
		maxContexts: cfg.MaxContexts,
		logger:      logging.OrNop(logger).Named("reputation"),
		now:         time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (w *Workflow) SetClock(now func() time.Time) {
	w.now = now
}

// ExtractDomain returns the lowercased host of rawURL without port, trailing
// dot or a leading "www." label. URLs without a scheme are accepted. It
// returns "" when no host can be found.
func ExtractDomain(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") && !strings.HasPrefix(s, "//") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	host = strings.TrimPrefix(host, "www.")
	return host
}

// NormalizeDomain cleans admin input: either a bare domain or a URL.
func NormalizeDomain(domain string) (string, error) {
	d := ExtractDomain(domain)
	if d == "" || strings.ContainsAny(d, " /") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return d, nil
}

// Observe records one detected redirect to domain and returns the verdict.
// Only a whitelisted domain suppresses the finding. Rejected domains count
// the detection on their rejected row; all others are upserted as pending.
func (w *Workflow) Observe(ctx context.Context, domain string, c models.DomainContext) (Verdict, error) {
	if c.Timestamp.IsZero() {
		c.Timestamp = w.now().UTC()
	}

	ok, err := w.repo.TouchWhitelist(ctx, domain, c.Timestamp)
	if err != nil {
		return "", fmt.Errorf("check whitelist %s: %w", domain, err)
	}
	if ok {
		metrics.DomainObservations.WithLabelValues(string(VerdictWhitelisted)).Inc()
		return VerdictWhitelisted, nil
	}

	ok, err = w.repo.TouchRejected(ctx, domain, c, w.maxContexts)
	if err != nil {
		return "", fmt.Errorf("check rejected %s: %w", domain, err)
	}
	if ok {
		metrics.DomainObservations.WithLabelValues(string(VerdictRejected)).Inc()
		return VerdictRejected, nil
	}

	if err := w.repo.UpsertPending(ctx, domain, c, w.maxContexts); err != nil {
		return "", fmt.Errorf("track pending %s: %w", domain, err)
	}
	metrics.DomainObservations.WithLabelValues(string(VerdictPending)).Inc()
	return VerdictPending, nil
}

// ApprovePendingDomain moves a pending domain to the whitelist.
func (w *Workflow) ApprovePendingDomain(ctx context.Context, domain, reason, user string) (*models.WhitelistDomain, error) {
	d, err := w.requirePending(ctx, domain)
	if err != nil {
		return nil, err
	}
	entry := &models.WhitelistDomain{Domain: d, Reason: reason, AddedBy: user, AddedAt: w.now().UTC()}
	if err := w.repo.Approve(ctx, entry); err != nil {
		return nil, fmt.Errorf("approve %s: %w", d, err)
	}
	w.logger.Info("domain approved", zap.String("domain", d), zap.String("by", user))
	return entry, nil
}

// RejectPendingDomain moves a pending domain to the rejected list. The
// pending detection count and contexts carry over.
func (w *Workflow) RejectPendingDomain(ctx context.Context, domain, reason, user string) (*models.RejectedDomain, error) {
	d, err := w.requirePending(ctx, domain)
	if err != nil {
		return nil, err
	}
	entry := &models.RejectedDomain{Domain: d, RejectReason: reason, RejectedBy: user, RejectedAt: w.now().UTC()}
	if err := w.repo.Reject(ctx, entry); err != nil {
		return nil, fmt.Errorf("reject %s: %w", d, err)
	}
	w.logger.Info("domain rejected", zap.String("domain", d), zap.String("by", user))
	return entry, nil
}

// RemoveFromRejected deletes the rejected record so the next detection starts
// a fresh pending cycle.
func (w *Workflow) RemoveFromRejected(ctx context.Context, domain string) error {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	ok, err := w.repo.RemoveRejected(ctx, d)
	if err != nil {
		return fmt.Errorf("allow %s again: %w", d, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, d)
	}
	w.logger.Info("domain allowed again", zap.String("domain", d))
	return nil
}

// AddToWhitelist whitelists a domain directly, whatever its current state.
func (w *Workflow) AddToWhitelist(ctx context.Context, domain, reason, user string) (*models.WhitelistDomain, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	entry := &models.WhitelistDomain{Domain: d, Reason: reason, AddedBy: user, AddedAt: w.now().UTC()}
	if err := w.repo.Approve(ctx, entry); err != nil {
		return nil, fmt.Errorf("whitelist %s: %w", d, err)
	}
	w.logger.Info("domain whitelisted", zap.String("domain", d), zap.String("by", user))
	return entry, nil
}

// RemoveFromWhitelist deletes a whitelist entry. Later redirects to the
// domain are tracked as pending again.
func (w *Workflow) RemoveFromWhitelist(ctx context.Context, domain string) error {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	ok, err := w.repo.RemoveWhitelist(ctx, d)
	if err != nil {
		return fmt.Errorf("remove %s from whitelist: %w", d, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, d)
	}
	w.logger.Info("domain removed from whitelist", zap.String("domain", d))
	return nil
}

// ListPending returns pending rows with the given status; "" means all.
func (w *Workflow) ListPending(ctx context.Context, status models.DomainStatus) ([]*models.PendingDomain, error) {
	return w.repo.ListPending(ctx, status)
}

// ListWhitelist returns every whitelisted domain.
func (w *Workflow) ListWhitelist(ctx context.Context) ([]*models.WhitelistDomain, error) {
	return w.repo.ListWhitelist(ctx)
}

// ListRejected returns every rejected domain.
func (w *Workflow) ListRejected(ctx context.Context) ([]*models.RejectedDomain, error) {
	return w.repo.ListRejected(ctx)
}

// State is the reputation of one domain.
type State struct {
	Domain    string                  `json:"domain"`
	List      models.DomainList       `json:"list,omitempty"`
	Whitelist *models.WhitelistDomain `json:"whitelist,omitempty"`
	Pending   *models.PendingDomain   `json:"pending,omitempty"`
	Rejected  *models.RejectedDomain  `json:"rejected,omitempty"`
}

// DomainState reports which list currently holds domain. List is empty for
// a domain never seen, or one whose pending row was already reviewed.
func (w *Workflow) DomainState(ctx context.Context, domain string) (*State, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	st := &State{Domain: d}
	if st.Whitelist, err = w.repo.GetWhitelist(ctx, d); err != nil {
		return nil, err
	}
	if st.Pending, err = w.repo.GetPending(ctx, d); err != nil {
		return nil, err
	}
	if st.Rejected, err = w.repo.GetRejected(ctx, d); err != nil {
		return nil, err
	}
	switch {
	case st.Whitelist != nil:
		st.List = models.ListWhitelist
	case st.Rejected != nil:
		st.List = models.ListRejected
	case st.Pending != nil && st.Pending.Status == models.DomainPending:
		st.List = models.ListPending
	}
	return st, nil
}

func (w *Workflow) requirePending(ctx context.Context, domain string) (string, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	p, err := w.repo.GetPending(ctx, d)
	if err != nil {
		return "", fmt.Errorf("get pending %s: %w", d, err)
	}
	if p == nil {
		return "", fmt.Errorf("%w: %s", ErrDomainNotFound, d)
	}
	if p.Status != models.DomainPending {
		return "", fmt.Errorf("%w: %s is %s", ErrDomainNotPending, d, p.Status)
	}
	return d, nil
}
