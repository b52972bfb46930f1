package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/metrics"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(ctx context.Context, ev Event) error

// Bus is an in-process callback registry keyed by event kind.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Kind][]Handler),
		logger:   logger.Named("events"),
	}
}

// Subscribe registers h for one kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers ev to every matching handler in registration order and
// returns the number of handlers that failed. Handler errors and panics are
// logged and never reach the publisher.
func (b *Bus) Publish(ctx context.Context, ev Event) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[ev.Kind()])+len(b.all))
	handlers = append(handlers, b.handlers[ev.Kind()]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()

	failed := 0
	for _, h := range handlers {
		if err := b.call(ctx, h, ev); err != nil {
			failed++
			metrics.HandlerFailures.WithLabelValues(string(ev.Kind())).Inc()
			b.logger.Error("event handler failed",
				zap.String("kind", string(ev.Kind())),
				zap.Error(err),
			)
		}
	}
	return failed
}

func (b *Bus) call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
