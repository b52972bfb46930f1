// Package issuer defines the contract every detector implements and the
// registry the dispatcher resolves detectors from.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// Common errors returned by issuers and the registry.
var (
	ErrDuplicateIssuer = errors.New("issuer already registered")
	ErrUnknownIssuer   = errors.New("unknown issuer")
	ErrInvalidOption   = errors.New("invalid issuer option")
)

// Kind describes how an issuer is driven.
type Kind string

const (
	// KindTrigger issuers react to host events.
	KindTrigger Kind = "trigger"
	// KindScan issuers run on a schedule.
	KindScan Kind = "scan"
	// KindHybrid issuers do both.
	KindHybrid Kind = "hybrid"
)

// ParseKind converts a string to Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindTrigger, KindScan, KindHybrid:
		return Kind(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("invalid issuer kind: %q", s)
	}
}

// Scans reports whether issuers of this kind take part in scheduled scans.
func (k Kind) Scans() bool {
	return k == KindScan || k == KindHybrid
}

// Triggers reports whether issuers of this kind react to events.
func (k Kind) Triggers() bool {
	return k == KindTrigger || k == KindHybrid
}

// Issuer is the interface that all detectors must implement.
type Issuer interface {
	// Name is the stable identifier used in findings, config and rate limits.
	Name() string
	// Priority orders issuers in a scan pass; lower runs first.
	Priority() int
	Kind() Kind
	Enabled() bool
	// Configure applies the issuer's option map. Unknown keys are ignored.
	Configure(opts map[string]any) error
	// Detect runs one scan pass. Trigger-only issuers return nil, nil.
	Detect(ctx context.Context) ([]*models.RawFinding, error)
}

// Trigger is implemented by issuers that react to host events.
type Trigger interface {
	Issuer
	// Events lists the event kinds the issuer subscribes to.
	Events() []events.Kind
	// Handle converts one event into zero or more findings.
	Handle(ctx context.Context, ev events.Event) []*models.RawFinding
}

// Base provides common functionality for issuers.
type Base struct {
	name     string
	priority int
	kind     Kind

	mu      sync.RWMutex
	enabled bool
}

// NewBase creates a new enabled Base.
func NewBase(name string, kind Kind, priority int) *Base {
	return &Base{name: name, kind: kind, priority: priority, enabled: true}
}

// Name returns the issuer name.
func (b *Base) Name() string { return b.name }

// Priority returns the scan priority.
func (b *Base) Priority() int { return b.priority }

// Kind returns the issuer kind.
func (b *Base) Kind() Kind { return b.kind }

// Enabled reports whether the issuer is active.
func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled toggles the issuer.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

// ApplyCommon reads the options shared by every issuer: enabled and priority.
func (b *Base) ApplyCommon(opts map[string]any) error {
	enabled, err := Bool(opts, "enabled", b.Enabled())
	if err != nil {
		return err
	}
	priority, err := Int(opts, "priority", b.priority)
	if err != nil {
		return err
	}
	b.SetEnabled(enabled)
	b.priority = priority
	return nil
}

// Detect is the no-op scan for trigger-only issuers.
func (b *Base) Detect(ctx context.Context) ([]*models.RawFinding, error) {
	return nil, nil
}

// Bool reads a boolean option, accepting bools and "true"/"false" strings.
func Bool(opts map[string]any, key string, def bool) (bool, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return def, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		return b, nil
	default:
		return def, fmt.Errorf("%w: %s: want bool, got %T", ErrInvalidOption, key, v)
	}
}

// Int reads an integer option. YAML and JSON decoders produce int, int64 or
// float64 depending on the source, so all three are accepted.
func Int(opts map[string]any, key string, def int) (int, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		return n, nil
	default:
		return def, fmt.Errorf("%w: %s: want int, got %T", ErrInvalidOption, key, v)
	}
}

// String reads a string option.
func String(opts map[string]any, key, def string) (string, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, fmt.Errorf("%w: %s: want string, got %T", ErrInvalidOption, key, v)
	}
	return s, nil
}

// Strings reads a list of strings. A single string is treated as a one-element list.
func Strings(opts map[string]any, key string, def []string) ([]string, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return def, fmt.Errorf("%w: %s: want string list, got %T element", ErrInvalidOption, key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return def, fmt.Errorf("%w: %s: want string list, got %T", ErrInvalidOption, key, v)
	}
}

// Duration reads a duration option given as a Go duration string or seconds.
func Duration(opts map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return def, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		return d, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	default:
		return def, fmt.Errorf("%w: %s: want duration, got %T", ErrInvalidOption, key, v)
	}
}

// Registry holds all registered issuers.
type Registry struct {
	mu      sync.RWMutex
	issuers map[string]Issuer
}

// NewRegistry creates a new issuer registry.
func NewRegistry() *Registry {
	return &Registry{
		issuers: make(map[string]Issuer),
	}
}

// Register adds an issuer to the registry. Names must be unique.
func (r *Registry) Register(i Issuer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.issuers[i.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIssuer, i.Name())
	}
	r.issuers[i.Name()] = i
	return nil
}

// Get returns an issuer by name.
func (r *Registry) Get(name string) (Issuer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.issuers[name]
	return i, ok
}

// All returns every registered issuer ordered by priority, then name.
func (r *Registry) All() []Issuer {
	r.mu.RLock()
	result := make([]Issuer, 0, len(r.issuers))
	for _, i := range r.issuers {
		result = append(result, i)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(a, b int) bool {
		if result[a].Priority() != result[b].Priority() {
			return result[a].Priority() < result[b].Priority()
		}
		return result[a].Name() < result[b].Name()
	})
	return result
}

// Names returns the registered issuer names in priority order.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, is := range all {
		names[i] = is.Name()
	}
	return names
}

// Scanners returns enabled scan-capable issuers in priority order.
func (r *Registry) Scanners() []Issuer {
	var out []Issuer
	for _, i := range r.All() {
		if i.Enabled() && i.Kind().Scans() {
			out = append(out, i)
		}
	}
	return out
}

// Triggers returns enabled trigger-capable issuers subscribed to kind, in
// priority order.
func (r *Registry) Triggers(kind events.Kind) []Trigger {
	var out []Trigger
	for _, i := range r.All() {
		if !i.Enabled() || !i.Kind().Triggers() {
			continue
		}
		t, ok := i.(Trigger)
		if !ok {
			continue
		}
		for _, k := range t.Events() {
			if k == kind {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// EventKinds returns the union of event kinds enabled triggers subscribe to.
func (r *Registry) EventKinds() []events.Kind {
	seen := make(map[events.Kind]bool)
	var out []events.Kind
	for _, i := range r.All() {
		t, ok := i.(Trigger)
		if !ok || !i.Kind().Triggers() {
			continue
		}
		for _, k := range t.Events() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// ConfigureAll applies per-issuer option maps. A map for a name that is not
// registered is an error so typos in config surface at startup.
func (r *Registry) ConfigureAll(configs map[string]map[string]any) error {
	for name, opts := range configs {
		i, ok := r.Get(name)
		if !ok {
			return fmt.Errorf("configure %s: %w", name, ErrUnknownIssuer)
		}
		if err := i.Configure(opts); err != nil {
			return fmt.Errorf("configure %s: %w", name, err)
		}
	}
	return nil
}
