package builtin

import (
	"context"
	"strings"
	"sync"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// FailedLoginIssuer records each rejected login as an issue identified by
// source address and username.
type FailedLoginIssuer struct {
	*issuer.Base

	mu          sync.RWMutex
	severity    models.Severity
	ignoreUsers map[string]bool
}

// NewFailedLoginIssuer creates the failed login issuer.
func NewFailedLoginIssuer() *FailedLoginIssuer {
	return &FailedLoginIssuer{
		Base:        issuer.NewBase(NameFailedLogin, issuer.KindTrigger, 20),
		severity:    models.SeverityMedium,
		ignoreUsers: map[string]bool{},
	}
}

// Configure reads "severity" and "ignore_users".
func (i *FailedLoginIssuer) Configure(opts map[string]any) error {
	if err := i.ApplyCommon(opts); err != nil {
		return err
	}
	sev, err := severityOption(opts, "severity", i.severity)
	if err != nil {
		return err
	}
	users, err := issuer.Strings(opts, "ignore_users", nil)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.severity = sev
	if users != nil {
		i.ignoreUsers = make(map[string]bool, len(users))
		for _, u := range users {
			i.ignoreUsers[strings.ToLower(u)] = true
		}
	}
	return nil
}

func (i *FailedLoginIssuer) Events() []events.Kind {
	return []events.Kind{events.KindFailedLogin}
}

func (i *FailedLoginIssuer) Handle(ctx context.Context, ev events.Event) []*models.RawFinding {
	login, ok := ev.(*events.FailedLogin)
	if !ok {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.ignoreUsers[strings.ToLower(login.Username)] {
		return nil
	}

	f := login.ToFinding(i.Name())
	if !login.Severity.IsValid() {
		f.Severity = i.severity
	}
	return []*models.RawFinding{f}
}
