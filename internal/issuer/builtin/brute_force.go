package builtin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// BruteForceIssuer counts recent failed logins in the audit log and reports
// every address over the threshold.
type BruteForceIssuer struct {
	*issuer.Base
	audit storage.AuditLogRepository
	now   func() time.Time

	mu         sync.RWMutex
	window     time.Duration
	threshold  int
	maxEntries int
}

// NewBruteForceIssuer creates the brute force issuer reading from audit.
func NewBruteForceIssuer(audit storage.AuditLogRepository) *BruteForceIssuer {
	return &BruteForceIssuer{
		Base:       issuer.NewBase(NameBruteForce, issuer.KindScan, 20),
		audit:      audit,
		now:        time.Now,
		window:     15 * time.Minute,
		threshold:  10,
		maxEntries: 5000,
	}
}

// SetClock replaces the time source.
func (i *BruteForceIssuer) SetClock(now func() time.Time) {
	i.now = now
}

// Configure reads "window", "threshold" and "max_entries".
func (i *BruteForceIssuer) Configure(opts map[string]any) error {
	if err := i.ApplyCommon(opts); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	window, err := issuer.Duration(opts, "window", i.window)
	if err != nil {
		return err
	}
	threshold, err := issuer.Int(opts, "threshold", i.threshold)
	if err != nil {
		return err
	}
	maxEntries, err := issuer.Int(opts, "max_entries", i.maxEntries)
	if err != nil {
		return err
	}
	if window <= 0 || threshold <= 0 || maxEntries <= 0 {
		return fmt.Errorf("%w: window, threshold and max_entries must be positive", issuer.ErrInvalidOption)
	}
	i.window, i.threshold, i.maxEntries = window, threshold, maxEntries
	return nil
}

type loginAttempts struct {
	count     int
	usernames map[string]bool
	userAgent string
	first     time.Time
	last      time.Time
}

// Detect groups login failures inside the window by address.
func (i *BruteForceIssuer) Detect(ctx context.Context) ([]*models.RawFinding, error) {
	if i.audit == nil {
		return nil, nil
	}

	i.mu.RLock()
	window, threshold, maxEntries := i.window, i.threshold, i.maxEntries
	i.mu.RUnlock()

	entries, _, err := i.audit.List(ctx, &models.AuditFilter{
		EventType: models.AuditLoginFailed,
		Since:     i.now().Add(-window),
		Limit:     maxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("list login failures: %w", err)
	}

	byIP := make(map[string]*loginAttempts)
	for _, e := range entries {
		if e.IPAddress == "" {
			continue
		}
		a, ok := byIP[e.IPAddress]
		if !ok {
			a = &loginAttempts{usernames: map[string]bool{}, first: e.CreatedAt, last: e.CreatedAt}
			byIP[e.IPAddress] = a
		}
		a.count++
		if u, ok := e.EventData["username"].(string); ok && u != "" {
			a.usernames[u] = true
		}
		if a.userAgent == "" {
			a.userAgent = e.UserAgent
		}
		if e.CreatedAt.Before(a.first) {
			a.first = e.CreatedAt
		}
		if e.CreatedAt.After(a.last) {
			a.last = e.CreatedAt
		}
	}

	ips := make([]string, 0, len(byIP))
	for ip, a := range byIP {
		if a.count >= threshold {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)

	findings := make([]*models.RawFinding, 0, len(ips))
	for _, ip := range ips {
		a := byIP[ip]
		sev := models.SeverityHigh
		if a.count >= threshold*5 {
			sev = models.SeverityCritical
		}

		users := make([]string, 0, len(a.usernames))
		for u := range a.usernames {
			users = append(users, u)
		}
		sort.Strings(users)

		f := models.NewFinding(i.Name(), "brute_force", sev, "Brute force login attempts from "+ip)
		f.Description = fmt.Sprintf("%d failed logins in %s", a.count, window)
		f.IPAddress = ip
		f.UserAgent = a.userAgent
		f.Identity = []string{ip}
		f.SetMeta("attempts", a.count)
		f.SetMeta("usernames", users)
		f.SetMeta("window", window.String())
		f.SetMeta("first_attempt", a.first.UTC().Format(time.RFC3339))
		f.SetMeta("last_attempt", a.last.UTC().Format(time.RFC3339))
		findings = append(findings, f)
	}
	return findings, nil
}
