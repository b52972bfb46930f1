package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// defaultEventKinds are the kinds the generic issuer converts when no
// "events" option is given. Failed logins, redirects and uploads have
// dedicated issuers.
var defaultEventKinds = []events.Kind{
	events.KindPHPError,
	events.KindSlowRequest,
	events.KindAdminActivity,
	events.KindUserRegistration,
}

// EventIssuer turns host events into their default findings.
type EventIssuer struct {
	*issuer.Base

	mu    sync.RWMutex
	kinds []events.Kind
}

// NewEventIssuer creates the generic event issuer.
func NewEventIssuer() *EventIssuer {
	return &EventIssuer{
		Base:  issuer.NewBase(NameEvents, issuer.KindTrigger, 50),
		kinds: append([]events.Kind(nil), defaultEventKinds...),
	}
}

// Configure reads "events", a list of event kind names.
func (i *EventIssuer) Configure(opts map[string]any) error {
	if err := i.ApplyCommon(opts); err != nil {
		return err
	}
	names, err := issuer.Strings(opts, "events", nil)
	if err != nil || names == nil {
		return err
	}
	kinds := make([]events.Kind, 0, len(names))
	for _, n := range names {
		k, err := events.ParseKind(n)
		if err != nil {
			return fmt.Errorf("%w: events: %v", issuer.ErrInvalidOption, err)
		}
		kinds = append(kinds, k)
	}
	i.mu.Lock()
	i.kinds = kinds
	i.mu.Unlock()
	return nil
}

// Events returns the subscribed kinds.
func (i *EventIssuer) Events() []events.Kind {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]events.Kind(nil), i.kinds...)
}

// Handle converts ev into its default finding.
func (i *EventIssuer) Handle(ctx context.Context, ev events.Event) []*models.RawFinding {
	return []*models.RawFinding{ev.ToFinding(i.Name())}
}
