package retention

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubBuckets struct{ n int64 }

func (s stubBuckets) Prune(ctx context.Context) (int64, error) { return s.n, nil }

type stubRules struct {
	expired   int64
	unusedAge time.Duration
}

func (s *stubRules) DeactivateExpired(ctx context.Context) (int64, error) { return s.expired, nil }

func (s *stubRules) DeactivateUnused(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.unusedAge = maxAge
	return 1, nil
}

type stubAudit struct{ age time.Duration }

func (s *stubAudit) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.age = olderThan
	return 7, nil
}

type stubNotifications struct{ before time.Time }

func (s *stubNotifications) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	s.before = before
	return 0, errors.New("database is locked")
}

func TestRun(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	rules := &stubRules{expired: 2}
	audit := &stubAudit{}
	notifications := &stubNotifications{}

	s := New(Deps{
		RateBuckets:   stubBuckets{n: 3},
		Rules:         rules,
		AuditLog:      audit,
		Notifications: notifications,
	}, Config{AuditDays: 30, NotificationDays: 7, UnusedRuleMaxAge: 90 * 24 * time.Hour}, nil)
	s.SetClock(func() time.Time { return now })

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[string]int64{"rate_buckets": 3, "expired_rules": 2, "unused_rules": 1, "audit_log": 7}
	for name, n := range want {
		if result.Tasks[name] != n {
			t.Errorf("task %s = %d, want %d", name, result.Tasks[name], n)
		}
	}
	if result.TotalRows != 13 {
		t.Errorf("TotalRows = %d, want 13", result.TotalRows)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want the notification failure", result.Errors)
	}
	if audit.age != 30*24*time.Hour {
		t.Errorf("audit age = %v", audit.age)
	}
	if rules.unusedAge != 90*24*time.Hour {
		t.Errorf("unused rule age = %v", rules.unusedAge)
	}
	if want := now.Add(-7 * 24 * time.Hour); !notifications.before.Equal(want) {
		t.Errorf("notification cutoff = %v, want %v", notifications.before, want)
	}
}

func TestRun_DisabledTasks(t *testing.T) {
	audit := &stubAudit{}
	rules := &stubRules{}
	s := New(Deps{Rules: rules, AuditLog: audit}, Config{}, nil)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := result.Tasks["audit_log"]; ok {
		t.Error("audit_log ran with retention disabled")
	}
	if _, ok := result.Tasks["unused_rules"]; ok {
		t.Error("unused_rules ran with max age 0")
	}
	if _, ok := result.Tasks["expired_rules"]; !ok {
		t.Error("expired_rules did not run")
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(Deps{RateBuckets: stubBuckets{}}, DefaultConfig(), nil)
	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
