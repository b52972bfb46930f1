package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// Subscribe attaches the dispatcher to bus for every event kind.
func (d *Dispatcher) Subscribe(bus *events.Bus) {
	bus.SubscribeAll(d.HandleEvent)
}

// HandleEvent fans ev out to every enabled trigger issuer subscribed to its
// kind and submits the resulting findings. It runs inline with the host
// request, so failures are logged and never returned.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev events.Event) error {
	for _, t := range d.deps.Issuers.Triggers(ev.Kind()) {
		findings := d.handle(ctx, t, ev)
		for _, f := range findings {
			if _, err := d.Submit(ctx, f); err != nil {
				d.logger.Warn("event finding not recorded",
					zap.String("issuer", t.Name()),
					zap.String("kind", string(ev.Kind())),
					zap.Error(err))
			}
		}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, t issuer.Trigger, ev events.Event) (findings []*models.RawFinding) {
	defer func() {
		if r := recover(); r != nil {
			d.stats.DetectorErrors.Add(1)
			metrics.DetectorErrors.WithLabelValues(t.Name()).Inc()
			d.logger.Error("trigger issuer panicked",
				zap.String("issuer", t.Name()),
				zap.String("kind", string(ev.Kind())),
				zap.Any("panic", r))
			findings = []*models.RawFinding{d.errorFinding(t.Name(), fmt.Errorf("panic handling %s: %v", ev.Kind(), r))}
		}
	}()
	return t.Handle(ctx, ev)
}
