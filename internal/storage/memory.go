package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// MemoryStorage implements Storage in process memory. It mirrors the SQLite
// semantics closely enough to test the engine without a database file.
type MemoryStorage struct {
	mu sync.Mutex

	nextID int64

	issues        map[int64]*models.Issue
	issueByHash   map[string]int64
	rules         map[int64]*models.IgnoreRule
	whitelist     map[string]*models.WhitelistDomain
	pending       map[string]*models.PendingDomain
	rejected      map[string]*models.RejectedDomain
	notifications map[int64]*memNotification
	audit         []*models.AuditLog
	buckets       map[string]map[int64]int64
}

type memNotification struct {
	n          *models.Notification
	leaseUntil int64
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		issues:        make(map[int64]*models.Issue),
		issueByHash:   make(map[string]int64),
		rules:         make(map[int64]*models.IgnoreRule),
		whitelist:     make(map[string]*models.WhitelistDomain),
		pending:       make(map[string]*models.PendingDomain),
		rejected:      make(map[string]*models.RejectedDomain),
		notifications: make(map[int64]*memNotification),
		buckets:       make(map[string]map[int64]int64),
	}
}

func (s *MemoryStorage) Open() error    { return nil }
func (s *MemoryStorage) Close() error   { return nil }
func (s *MemoryStorage) Migrate() error { return nil }

func (s *MemoryStorage) Issues() IssueRepository               { return memIssues{s} }
func (s *MemoryStorage) IgnoreRules() IgnoreRuleRepository     { return memRules{s} }
func (s *MemoryStorage) Domains() DomainRepository             { return memDomains{s} }
func (s *MemoryStorage) Notifications() NotificationRepository { return memNotifications{s} }
func (s *MemoryStorage) AuditLogs() AuditLogRepository         { return memAudit{s} }
func (s *MemoryStorage) RateLimits() RateLimitRepository       { return memRateLimits{s} }

func (s *MemoryStorage) id() int64 {
	s.nextID++
	return s.nextID
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneIssue(i *models.Issue) *models.Issue {
	c := *i
	c.Metadata = copyMap(i.Metadata)
	c.ViewedAt = copyTime(i.ViewedAt)
	c.IgnoredAt = copyTime(i.IgnoredAt)
	c.ResolvedAt = copyTime(i.ResolvedAt)
	return &c
}

// Issues

type memIssues struct{ s *MemoryStorage }

func (r memIssues) Upsert(ctx context.Context, issue *models.Issue) (*UpsertResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if id, ok := r.s.issueByHash[issue.IssueHash]; ok {
		stored := r.s.issues[id]
		if issue.LastDetected.After(stored.LastDetected) {
			stored.LastDetected = issue.LastDetected.UTC()
		}
		stored.DetectionCount++
		if len(issue.Metadata) > 0 {
			if stored.Metadata == nil {
				stored.Metadata = make(map[string]any)
			}
			for k, v := range issue.Metadata {
				stored.Metadata[k] = v
			}
		}
		reset := stored.Viewed
		stored.Viewed = false
		stored.ViewedBy = ""
		stored.ViewedAt = nil
		return &UpsertResult{Issue: cloneIssue(stored), ViewedReset: reset}, nil
	}

	stored := cloneIssue(issue)
	stored.ID = r.s.id()
	stored.Status = models.StatusNew
	stored.IsIgnored = false
	stored.Viewed = false
	stored.DetectionCount = 1
	stored.FirstDetected = issue.FirstDetected.UTC()
	stored.LastDetected = issue.LastDetected.UTC()
	r.s.issues[stored.ID] = stored
	r.s.issueByHash[stored.IssueHash] = stored.ID
	return &UpsertResult{Issue: cloneIssue(stored), Created: true}, nil
}

func (r memIssues) GetByID(ctx context.Context, id int64) (*models.Issue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if i, ok := r.s.issues[id]; ok {
		return cloneIssue(i), nil
	}
	return nil, nil
}

func (r memIssues) GetByHash(ctx context.Context, hash string) (*models.Issue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if id, ok := r.s.issueByHash[hash]; ok {
		return cloneIssue(r.s.issues[id]), nil
	}
	return nil, nil
}

func (r memIssues) List(ctx context.Context, filter *models.IssueFilter) ([]*models.Issue, int64, error) {
	if filter == nil {
		filter = &models.IssueFilter{}
	}
	filter.Normalize()

	r.s.mu.Lock()
	var matched []*models.Issue
	for _, i := range r.s.issues {
		if issueMatches(i, filter) {
			matched = append(matched, cloneIssue(i))
		}
	}
	r.s.mu.Unlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].LastDetected.Equal(matched[b].LastDetected) {
			return matched[a].LastDetected.After(matched[b].LastDetected)
		}
		return matched[a].ID > matched[b].ID
	})

	total := int64(len(matched))
	start := filter.Offset()
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + filter.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func issueMatches(i *models.Issue, f *models.IssueFilter) bool {
	switch {
	case f.Status != "" && i.Status != f.Status:
		return false
	case f.Severity != "" && i.Severity != f.Severity:
		return false
	case f.IssuerName != "" && i.IssuerName != f.IssuerName:
		return false
	case f.IssueType != "" && i.IssueType != f.IssueType:
		return false
	case f.Viewed != nil && i.Viewed != *f.Viewed:
		return false
	case f.Ignored != nil && i.IsIgnored != *f.Ignored:
		return false
	case !f.Since.IsZero() && i.LastDetected.Before(f.Since):
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(i.Title), q) &&
			!strings.Contains(strings.ToLower(i.Description), q) &&
			!strings.Contains(strings.ToLower(i.FilePath), q) {
			return false
		}
	}
	return true
}

func (r memIssues) Stats(ctx context.Context, since time.Time) (*models.IssueStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stats := models.NewIssueStats()
	for _, i := range r.s.issues {
		stats.Total++
		if !i.Viewed {
			stats.Unviewed++
		}
		if !i.LastDetected.Before(since) {
			stats.Last24h++
		}
		stats.ByStatus[i.Status]++
		stats.BySeverity[i.Severity]++
		stats.ByIssuer[i.IssuerName]++
	}
	return stats, nil
}

func (r memIssues) MarkViewed(ctx context.Context, id int64, by string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.issues[id]
	if !ok {
		return fmt.Errorf("issue not found: %d", id)
	}
	at = at.UTC()
	i.Viewed = true
	i.ViewedBy = by
	i.ViewedAt = &at
	return nil
}

func (r memIssues) UpdateStatus(ctx context.Context, issue *models.Issue, from models.IssueStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.issues[issue.ID]
	if !ok || i.Status != from {
		return false, nil
	}
	i.Status = issue.Status
	i.IsIgnored = issue.IsIgnored
	i.IgnoredBy = issue.IgnoredBy
	i.IgnoredAt = copyTime(issue.IgnoredAt)
	i.IgnoreReason = issue.IgnoreReason
	i.ResolvedBy = issue.ResolvedBy
	i.ResolvedAt = copyTime(issue.ResolvedAt)
	i.ResolvedNotes = issue.ResolvedNotes
	return true, nil
}

func (r memIssues) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.issues[id]
	if !ok {
		return fmt.Errorf("issue not found: %d", id)
	}
	delete(r.s.issues, id)
	delete(r.s.issueByHash, i.IssueHash)
	for nid, n := range r.s.notifications {
		if n.n.IssueID == id {
			delete(r.s.notifications, nid)
		}
	}
	return nil
}

// Ignore rules

type memRules struct{ s *MemoryStorage }

func cloneRule(r *models.IgnoreRule) *models.IgnoreRule {
	c := *r
	c.ExpiresAt = copyTime(r.ExpiresAt)
	c.LastUsedAt = copyTime(r.LastUsedAt)
	return &c
}

func (r memRules) Create(ctx context.Context, rule *models.IgnoreRule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.rules {
		if existing.RuleType == rule.RuleType && existing.RuleValue == rule.RuleValue &&
			existing.IssuerName == rule.IssuerName && existing.IssueType == rule.IssueType {
			return fmt.Errorf("insert ignore rule: duplicate rule %s %q", rule.RuleType, rule.RuleValue)
		}
	}
	rule.ID = r.s.id()
	stored := cloneRule(rule)
	stored.UsageCount = 0
	r.s.rules[rule.ID] = stored
	return nil
}

func (r memRules) GetByID(ctx context.Context, id int64) (*models.IgnoreRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rule, ok := r.s.rules[id]; ok {
		return cloneRule(rule), nil
	}
	return nil, nil
}

func (r memRules) Find(ctx context.Context, ruleType models.RuleType, value, issuerName, issueType string) (*models.IgnoreRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rule := range r.s.rules {
		if rule.RuleType == ruleType && rule.RuleValue == value &&
			rule.IssuerName == issuerName && rule.IssueType == issueType {
			return cloneRule(rule), nil
		}
	}
	return nil, nil
}

func (r memRules) List(ctx context.Context, activeOnly bool) ([]*models.IgnoreRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.IgnoreRule
	for _, rule := range r.s.rules {
		if activeOnly && !rule.IsActive {
			continue
		}
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (r memRules) RecordUsage(ctx context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[id]
	if !ok {
		return fmt.Errorf("ignore rule not found: %d", id)
	}
	at = at.UTC()
	rule.UsageCount++
	rule.LastUsedAt = &at
	return nil
}

func (r memRules) SetActive(ctx context.Context, id int64, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[id]
	if !ok {
		return fmt.Errorf("ignore rule not found: %d", id)
	}
	rule.IsActive = active
	return nil
}

func (r memRules) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rules[id]; !ok {
		return fmt.Errorf("ignore rule not found: %d", id)
	}
	delete(r.s.rules, id)
	return nil
}

func (r memRules) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, rule := range r.s.rules {
		if rule.IsActive && rule.IsExpired(now) {
			rule.IsActive = false
			n++
		}
	}
	return n, nil
}

func (r memRules) DeactivateUnused(ctx context.Context, createdBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, rule := range r.s.rules {
		if rule.IsActive && rule.UsageCount == 0 && rule.CreatedAt.Before(createdBefore) {
			rule.IsActive = false
			n++
		}
	}
	return n, nil
}

// Domains

type memDomains struct{ s *MemoryStorage }

func appendCapped(list []models.DomainContext, c models.DomainContext, max int) []models.DomainContext {
	out := make([]models.DomainContext, 0, len(list)+1)
	out = append(out, list...)
	if max > 0 && len(out) >= max {
		out = out[1:]
	}
	return append(out, c)
}

func (r memDomains) GetWhitelist(ctx context.Context, domain string) (*models.WhitelistDomain, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if w, ok := r.s.whitelist[domain]; ok {
		c := *w
		c.LastUsed = copyTime(w.LastUsed)
		return &c, nil
	}
	return nil, nil
}

func (r memDomains) GetPending(ctx context.Context, domain string) (*models.PendingDomain, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.pending[domain]; ok {
		c := *p
		c.Contexts = append([]models.DomainContext(nil), p.Contexts...)
		return &c, nil
	}
	return nil, nil
}

func (r memDomains) GetRejected(ctx context.Context, domain string) (*models.RejectedDomain, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rj, ok := r.s.rejected[domain]; ok {
		c := *rj
		c.Contexts = append([]models.DomainContext(nil), rj.Contexts...)
		return &c, nil
	}
	return nil, nil
}

func (r memDomains) TouchWhitelist(ctx context.Context, domain string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.whitelist[domain]
	if !ok {
		return false, nil
	}
	at = at.UTC()
	w.UsageCount++
	w.LastUsed = &at
	return true, nil
}

func (r memDomains) TouchRejected(ctx context.Context, domain string, c models.DomainContext, maxContexts int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rj, ok := r.s.rejected[domain]
	if !ok {
		return false, nil
	}
	rj.DetectionCount++
	rj.Contexts = appendCapped(rj.Contexts, c, maxContexts)
	return true, nil
}

func (r memDomains) UpsertPending(ctx context.Context, domain string, c models.DomainContext, maxContexts int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	at := c.Timestamp.UTC()
	p, ok := r.s.pending[domain]
	if !ok {
		r.s.pending[domain] = &models.PendingDomain{
			ID:             r.s.id(),
			Domain:         domain,
			FirstDetected:  at,
			LastDetected:   at,
			DetectionCount: 1,
			Status:         models.DomainPending,
			Contexts:       []models.DomainContext{c},
		}
		return nil
	}
	if p.Status != models.DomainPending {
		return nil
	}
	if at.After(p.LastDetected) {
		p.LastDetected = at
	}
	p.DetectionCount++
	p.Contexts = appendCapped(p.Contexts, c, maxContexts)
	return nil
}

func (r memDomains) Approve(ctx context.Context, entry *models.WhitelistDomain) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.rejected, entry.Domain)
	if existing, ok := r.s.whitelist[entry.Domain]; ok {
		existing.Reason = entry.Reason
		existing.AddedBy = entry.AddedBy
		existing.AddedAt = entry.AddedAt.UTC()
		entry.ID = existing.ID
	} else {
		entry.ID = r.s.id()
		c := *entry
		c.AddedAt = entry.AddedAt.UTC()
		r.s.whitelist[entry.Domain] = &c
	}
	if p, ok := r.s.pending[entry.Domain]; ok {
		p.Status = models.DomainApproved
	}
	return nil
}

func (r memDomains) Reject(ctx context.Context, entry *models.RejectedDomain) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry.DetectionCount = 0
	entry.Contexts = nil
	if p, ok := r.s.pending[entry.Domain]; ok {
		entry.DetectionCount = p.DetectionCount
		entry.Contexts = append([]models.DomainContext(nil), p.Contexts...)
		p.Status = models.DomainRejected
	}
	delete(r.s.whitelist, entry.Domain)
	if existing, ok := r.s.rejected[entry.Domain]; ok {
		existing.RejectReason = entry.RejectReason
		existing.RejectedBy = entry.RejectedBy
		existing.RejectedAt = entry.RejectedAt.UTC()
		entry.ID = existing.ID
		return nil
	}
	entry.ID = r.s.id()
	c := *entry
	c.RejectedAt = entry.RejectedAt.UTC()
	r.s.rejected[entry.Domain] = &c
	return nil
}

func (r memDomains) RemoveRejected(ctx context.Context, domain string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.rejected[domain]
	delete(r.s.rejected, domain)
	if p, exists := r.s.pending[domain]; exists && p.Status == models.DomainRejected {
		delete(r.s.pending, domain)
	}
	return ok, nil
}

func (r memDomains) RemoveWhitelist(ctx context.Context, domain string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.whitelist[domain]
	delete(r.s.whitelist, domain)
	if p, exists := r.s.pending[domain]; exists && p.Status == models.DomainApproved {
		delete(r.s.pending, domain)
	}
	return ok, nil
}

func (r memDomains) ListPending(ctx context.Context, status models.DomainStatus) ([]*models.PendingDomain, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.PendingDomain
	for _, p := range r.s.pending {
		if status != "" && p.Status != status {
			continue
		}
		c := *p
		c.Contexts = append([]models.DomainContext(nil), p.Contexts...)
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].DetectionCount != out[b].DetectionCount {
			return out[a].DetectionCount > out[b].DetectionCount
		}
		return out[a].Domain < out[b].Domain
	})
	return out, nil
}

func (r memDomains) ListWhitelist(ctx context.Context) ([]*models.WhitelistDomain, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.WhitelistDomain
	for _, w := range r.s.whitelist {
		c := *w
		c.LastUsed = copyTime(w.LastUsed)
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Domain < out[b].Domain })
	return out, nil
}

func (r memDomains) ListRejected(ctx context.Context) ([]*models.RejectedDomain, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.RejectedDomain
	for _, rj := range r.s.rejected {
		c := *rj
		c.Contexts = append([]models.DomainContext(nil), rj.Contexts...)
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Domain < out[b].Domain })
	return out, nil
}

// Notifications

type memNotifications struct{ s *MemoryStorage }

func cloneNotification(n *models.Notification) *models.Notification {
	c := *n
	c.Context = copyMap(n.Context)
	c.LastAttempt = copyTime(n.LastAttempt)
	c.NextAttempt = copyTime(n.NextAttempt)
	c.SentAt = copyTime(n.SentAt)
	return &c
}

func (r memNotifications) Create(ctx context.Context, n *models.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.issues[n.IssueID]; !ok {
		return fmt.Errorf("insert notification: issue %d does not exist", n.IssueID)
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = models.DefaultMaxRetries
	}
	if n.Status == "" {
		n.Status = models.NotificationPending
	}
	n.ID = r.s.id()
	n.RetryCount = 0
	r.s.notifications[n.ID] = &memNotification{n: cloneNotification(n)}
	return nil
}

func (r memNotifications) GetByID(ctx context.Context, id int64) (*models.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m, ok := r.s.notifications[id]; ok {
		return cloneNotification(m.n), nil
	}
	return nil, nil
}

func (r memNotifications) sorted(keep func(*models.Notification) bool, asc bool) []*models.Notification {
	var out []*models.Notification
	for _, m := range r.s.notifications {
		if keep(m.n) {
			out = append(out, cloneNotification(m.n))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if asc {
			return out[a].ID < out[b].ID
		}
		return out[a].ID > out[b].ID
	})
	return out
}

func (r memNotifications) ListDue(ctx context.Context, now time.Time, perChannel int) ([]*models.Notification, error) {
	if perChannel <= 0 {
		perChannel = 100
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	due := func(n *models.Notification) bool {
		m := r.s.notifications[n.ID]
		return n.IsDeliverable() && m.leaseUntil < now.UnixNano() &&
			(n.NextAttempt == nil || !n.NextAttempt.After(now))
	}
	perName := make(map[string]int)
	var out []*models.Notification
	for _, n := range r.sorted(due, true) {
		if perName[n.ChannelName] >= perChannel {
			continue
		}
		perName[n.ChannelName]++
		out = append(out, n)
	}
	return out, nil
}

func (r memNotifications) Claim(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.notifications[id]
	if !ok || !m.n.IsDeliverable() || m.leaseUntil >= now.UnixNano() {
		return false, nil
	}
	m.leaseUntil = leaseUntil.UnixNano()
	return true, nil
}

func (r memNotifications) MarkSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.notifications[id]
	if !ok || !m.n.IsDeliverable() {
		return false, nil
	}
	at = at.UTC()
	m.n.Status = models.NotificationSent
	m.n.SentAt = &at
	attempt := at
	m.n.LastAttempt = &attempt
	m.leaseUntil = 0
	return true, nil
}

func (r memNotifications) MarkFailed(ctx context.Context, id int64, errMsg string, at, nextAttempt time.Time) (models.NotificationStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.notifications[id]
	if !ok || !m.n.IsDeliverable() {
		return "", fmt.Errorf("notification %d is not deliverable", id)
	}
	at = at.UTC()
	next := nextAttempt.UTC()
	m.n.RetryCount++
	m.n.LastAttempt = &at
	m.n.NextAttempt = &next
	m.n.ErrorMessage = errMsg
	m.leaseUntil = 0
	if m.n.RetryCount >= m.n.MaxRetries {
		m.n.Status = models.NotificationFailed
	} else {
		m.n.Status = models.NotificationRetry
	}
	return m.n.Status, nil
}

func (r memNotifications) Requeue(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.notifications[id]
	if !ok || m.n.Status != models.NotificationFailed {
		return false, nil
	}
	m.n.Status = models.NotificationPending
	m.n.RetryCount = 0
	m.n.NextAttempt = nil
	m.n.ErrorMessage = ""
	m.leaseUntil = 0
	return true, nil
}

func (r memNotifications) List(ctx context.Context, filter *models.NotificationFilter) ([]*models.Notification, int64, error) {
	if filter == nil {
		filter = &models.NotificationFilter{}
	}
	r.s.mu.Lock()
	out := r.sorted(func(n *models.Notification) bool {
		return (filter.Status == "" || n.Status == filter.Status) &&
			(filter.ChannelName == "" || n.ChannelName == filter.ChannelName) &&
			(filter.IssueID == 0 || n.IssueID == filter.IssueID)
	}, false)
	r.s.mu.Unlock()

	total := int64(len(out))
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r memNotifications) CountByStatus(ctx context.Context) (map[models.NotificationStatus]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[models.NotificationStatus]int64)
	for _, m := range r.s.notifications {
		counts[m.n.Status]++
	}
	return counts, nil
}

func (r memNotifications) DeleteSentBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.notifications {
		if m.n.Status == models.NotificationSent && m.n.SentAt != nil && m.n.SentAt.Before(before) {
			delete(r.s.notifications, id)
			n++
		}
	}
	return n, nil
}

// Audit logs

type memAudit struct{ s *MemoryStorage }

func (r memAudit) Append(ctx context.Context, entry *models.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry.ID = r.s.id()
	c := *entry
	c.EventData = copyMap(entry.EventData)
	c.CreatedAt = entry.CreatedAt.UTC()
	r.s.audit = append(r.s.audit, &c)
	return nil
}

func (r memAudit) List(ctx context.Context, filter *models.AuditFilter) ([]*models.AuditLog, int64, error) {
	if filter == nil {
		filter = &models.AuditFilter{}
	}
	r.s.mu.Lock()
	var out []*models.AuditLog
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		e := r.s.audit[i]
		if (filter.EventType != "" && e.EventType != filter.EventType) ||
			(filter.UserID != "" && e.UserID != filter.UserID) ||
			(filter.IPAddress != "" && e.IPAddress != filter.IPAddress) ||
			(!filter.Since.IsZero() && e.CreatedAt.Before(filter.Since)) {
			continue
		}
		c := *e
		c.EventData = copyMap(e.EventData)
		out = append(out, &c)
	}
	r.s.mu.Unlock()

	total := int64(len(out))
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r memAudit) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.audit[:0]
	var n int64
	for _, e := range r.s.audit {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.s.audit = kept
	return n, nil
}

// Rate limits

type memRateLimits struct{ s *MemoryStorage }

func (r memRateLimits) Acquire(ctx context.Context, key string, bucket int64, limit int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.buckets[key]
	if !ok {
		b = make(map[int64]int64)
		r.s.buckets[key] = b
	}
	if b[bucket] >= int64(limit) {
		return false, nil
	}
	b[bucket]++
	return true, nil
}

func (r memRateLimits) Count(ctx context.Context, key string, bucket int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.buckets[key][bucket], nil
}

func (r memRateLimits) DeleteBefore(ctx context.Context, bucket int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for key, b := range r.s.buckets {
		for k := range b {
			if k < bucket {
				delete(b, k)
				n++
			}
		}
		if len(b) == 0 {
			delete(r.s.buckets, key)
		}
	}
	return n, nil
}
