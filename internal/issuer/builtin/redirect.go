package builtin

import (
	"context"
	"strings"
	"sync"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/reputation"
)

// RedirectIssuer reports redirects that leave the site's own hosts. The
// finding carries the target domain for the reputation stage.
type RedirectIssuer struct {
	*issuer.Base

	mu       sync.RWMutex
	ownHosts []string
}

// NewRedirectIssuer creates the redirect issuer.
func NewRedirectIssuer() *RedirectIssuer {
	return &RedirectIssuer{Base: issuer.NewBase(NameRedirect, issuer.KindTrigger, 30)}
}

// Configure reads "own_hosts". Subdomains of an own host are internal too.
func (i *RedirectIssuer) Configure(opts map[string]any) error {
	if err := i.ApplyCommon(opts); err != nil {
		return err
	}
	hosts, err := issuer.Strings(opts, "own_hosts", nil)
	if err != nil || hosts == nil {
		return err
	}
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if d := reputation.ExtractDomain(h); d != "" {
			normalized = append(normalized, d)
		}
	}
	i.mu.Lock()
	i.ownHosts = normalized
	i.mu.Unlock()
	return nil
}

func (i *RedirectIssuer) Events() []events.Kind {
	return []events.Kind{events.KindSuspiciousRedirect}
}

func (i *RedirectIssuer) Handle(ctx context.Context, ev events.Event) []*models.RawFinding {
	redirect, ok := ev.(*events.SuspiciousRedirect)
	if !ok {
		return nil
	}
	domain := reputation.ExtractDomain(redirect.RedirectURL)
	if domain == "" || i.isOwn(domain) {
		return nil
	}

	f := redirect.ToFinding(i.Name())
	f.Domain = domain
	return []*models.RawFinding{f}
}

func (i *RedirectIssuer) isOwn(domain string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, h := range i.ownHosts {
		if domain == h || strings.HasSuffix(domain, "."+h) {
			return true
		}
	}
	return false
}
