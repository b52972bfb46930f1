package issuer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/events"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

type stubIssuer struct {
	*Base
	kinds []events.Kind
	opts  map[string]any
}

func newStub(name string, kind Kind, priority int, kinds ...events.Kind) *stubIssuer {
	return &stubIssuer{Base: NewBase(name, kind, priority), kinds: kinds}
}

func (s *stubIssuer) Configure(opts map[string]any) error {
	s.opts = opts
	return s.ApplyCommon(opts)
}

func (s *stubIssuer) Events() []events.Kind { return s.kinds }

func (s *stubIssuer) Handle(ctx context.Context, ev events.Event) []*models.RawFinding {
	return []*models.RawFinding{ev.ToFinding(s.Name())}
}

func TestRegistry_OrderAndFilters(t *testing.T) {
	r := NewRegistry()
	for _, is := range []Issuer{
		newStub("zeta", KindScan, 10),
		newStub("alpha", KindScan, 10),
		newStub("logins", KindTrigger, 5, events.KindFailedLogin),
		newStub("uploads", KindHybrid, 1, events.KindMaliciousUpload),
	} {
		if err := r.Register(is); err != nil {
			t.Fatalf("Register(%s) error = %v", is.Name(), err)
		}
	}

	got := r.Names()
	want := []string{"uploads", "logins", "alpha", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}

	scanners := r.Scanners()
	if len(scanners) != 3 || scanners[0].Name() != "uploads" {
		t.Fatalf("Scanners() = %d issuers, first %q", len(scanners), scanners[0].Name())
	}

	triggers := r.Triggers(events.KindFailedLogin)
	if len(triggers) != 1 || triggers[0].Name() != "logins" {
		t.Fatalf("Triggers(failed_login) = %v", triggers)
	}
	if len(r.Triggers(events.KindSlowRequest)) != 0 {
		t.Fatal("expected no triggers for slow_request")
	}

	kinds := r.EventKinds()
	if len(kinds) != 2 || kinds[0] != events.KindFailedLogin || kinds[1] != events.KindMaliciousUpload {
		t.Fatalf("EventKinds() = %v", kinds)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newStub("a", KindScan, 0)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(newStub("a", KindScan, 0)); !errors.Is(err, ErrDuplicateIssuer) {
		t.Fatalf("Register() error = %v, want ErrDuplicateIssuer", err)
	}
}

func TestRegistry_DisabledExcluded(t *testing.T) {
	r := NewRegistry()
	s := newStub("logins", KindHybrid, 0, events.KindFailedLogin)
	_ = r.Register(s)

	if err := r.ConfigureAll(map[string]map[string]any{"logins": {"enabled": false}}); err != nil {
		t.Fatalf("ConfigureAll() error = %v", err)
	}
	if len(r.Scanners()) != 0 || len(r.Triggers(events.KindFailedLogin)) != 0 {
		t.Fatal("disabled issuer should not be returned")
	}
}

func TestRegistry_ConfigureUnknown(t *testing.T) {
	r := NewRegistry()
	err := r.ConfigureAll(map[string]map[string]any{"missing": {}})
	if !errors.Is(err, ErrUnknownIssuer) {
		t.Fatalf("ConfigureAll() error = %v, want ErrUnknownIssuer", err)
	}
}

func TestOptionHelpers(t *testing.T) {
	opts := map[string]any{
		"flag":     "true",
		"count":    float64(7),
		"name":     "x",
		"list":     []any{"a", "b"},
		"single":   "only",
		"interval": "90s",
		"seconds":  30,
		"bad":      3.5,
	}

	if b, err := Bool(opts, "flag", false); err != nil || !b {
		t.Errorf("Bool() = %v, %v", b, err)
	}
	if n, err := Int(opts, "count", 0); err != nil || n != 7 {
		t.Errorf("Int() = %v, %v", n, err)
	}
	if n, _ := Int(opts, "missing", 3); n != 3 {
		t.Errorf("Int(missing) = %d, want default", n)
	}
	if s, err := String(opts, "name", ""); err != nil || s != "x" {
		t.Errorf("String() = %q, %v", s, err)
	}
	if l, err := Strings(opts, "list", nil); err != nil || len(l) != 2 || l[1] != "b" {
		t.Errorf("Strings() = %v, %v", l, err)
	}
	if l, _ := Strings(opts, "single", nil); len(l) != 1 || l[0] != "only" {
		t.Errorf("Strings(single) = %v", l)
	}
	if d, err := Duration(opts, "interval", 0); err != nil || d != 90*time.Second {
		t.Errorf("Duration() = %v, %v", d, err)
	}
	if d, _ := Duration(opts, "seconds", 0); d != 30*time.Second {
		t.Errorf("Duration(seconds) = %v", d)
	}
	if _, err := String(opts, "bad", ""); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("String(bad) error = %v, want ErrInvalidOption", err)
	}
	if _, err := Bool(opts, "name", false); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("Bool(name) error = %v, want ErrInvalidOption", err)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("HYBRID")
	if err != nil || k != KindHybrid {
		t.Fatalf("ParseKind() = %v, %v", k, err)
	}
	if !k.Scans() || !k.Triggers() {
		t.Fatal("hybrid should scan and trigger")
	}
	if KindTrigger.Scans() || KindScan.Triggers() {
		t.Fatal("trigger/scan kinds crossed")
	}
	if _, err := ParseKind("cron"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
