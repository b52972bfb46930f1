package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/lifecycle"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/notification"
	"github.com/good-yellow-bee/blazeguard/internal/notifier"
	"github.com/good-yellow-bee/blazeguard/internal/ratelimit"
	"github.com/good-yellow-bee/blazeguard/internal/reputation"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
	"github.com/good-yellow-bee/blazeguard/internal/suppression"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type nopChannel struct{ name string }

func (c nopChannel) Name() string                                          { return c.name }
func (c nopChannel) Send(ctx context.Context, msg *notifier.Message) error { return nil }
func (c nopChannel) Close() error                                          { return nil }

type memArchive struct {
	mu      sync.Mutex
	records []*storage.FindingRecord
}

func (a *memArchive) Add(rec *storage.FindingRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memArchive) outcomes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.records))
	for i, r := range a.records {
		out[i] = r.Outcome
	}
	return out
}

type fixture struct {
	d         *Dispatcher
	store     *storage.MemoryStorage
	issuers   *issuer.Registry
	rules     *suppression.Engine
	lifecycle *lifecycle.Service
	domains   *reputation.Workflow
	archive   *memArchive
	clock     *clock
}

func newFixture(t *testing.T, limits ratelimit.Config) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStorage()

	rules := suppression.NewEngine(store.IgnoreRules(), nil)
	rules.SetClock(c.now)
	lc := lifecycle.NewService(store.Issues(), rules, nil)
	lc.SetClock(c.now)
	limiter := ratelimit.New(store.RateLimits(), limits, nil)
	limiter.SetClock(c.now)
	domains := reputation.NewWorkflow(store.Domains(), reputation.Config{}, nil)
	domains.SetClock(c.now)

	channels := notifier.NewRegistry()
	channels.Register(nopChannel{name: "slack"}, notifier.RateLimitConfig{})
	queue, err := notification.NewQueue(store.Notifications(), channels, notification.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	queue.SetClock(c.now)

	fx := &fixture{
		store:     store,
		issuers:   issuer.NewRegistry(),
		rules:     rules,
		lifecycle: lc,
		domains:   domains,
		archive:   &memArchive{},
		clock:     c,
	}
	fx.d, err = NewDispatcher(Deps{
		Issuers:   fx.issuers,
		Limiter:   limiter,
		Rules:     rules,
		Domains:   domains,
		Lifecycle: lc,
		Queue:     queue,
		Archive:   fx.archive,
	}, Config{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	fx.d.SetClock(c.now)
	return fx
}

func loginFinding() *models.RawFinding {
	f := models.NewFinding("failed_login", "failed_login", models.SeverityMedium, "Failed login for admin")
	f.IPAddress = "203.0.113.5"
	f.Identity = []string{"203.0.113.5", "admin"}
	return f
}

func (fx *fixture) submit(t *testing.T, f *models.RawFinding) *Result {
	t.Helper()
	res, err := fx.d.Submit(context.Background(), f)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return res
}

func (fx *fixture) notifications(t *testing.T, issueID int64) int64 {
	t.Helper()
	_, total, err := fx.store.Notifications().List(context.Background(), &models.NotificationFilter{IssueID: issueID})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return total
}

func TestSubmit_DedupIdempotence(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{})
	first := fx.clock.now()

	var last *Result
	for n := 0; n < 3; n++ {
		last = fx.submit(t, loginFinding())
		fx.clock.advance(time.Minute)
	}

	if last.Outcome != OutcomeRecorded || last.Created {
		t.Fatalf("last result = %+v, want recorded re-detection", last)
	}
	issue := last.Issue
	if issue.DetectionCount != 3 {
		t.Errorf("detection_count = %d, want 3", issue.DetectionCount)
	}
	if !issue.FirstDetected.Equal(first) {
		t.Errorf("first_detected = %v, want %v", issue.FirstDetected, first)
	}
	if want := first.Add(2 * time.Minute); !issue.LastDetected.Equal(want) {
		t.Errorf("last_detected = %v, want %v", issue.LastDetected, want)
	}

	_, total, err := fx.store.Issues().List(context.Background(), &models.IssueFilter{})
	if err != nil || total != 1 {
		t.Fatalf("issues = %d (err %v), want 1", total, err)
	}
	if got := fx.notifications(t, issue.ID); got != 1 {
		t.Errorf("notifications = %d, want 1 (only on insert)", got)
	}
}

func TestSubmit_ViewedReset(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	res := fx.submit(t, loginFinding())
	if !res.Notified {
		t.Fatal("first detection did not notify")
	}
	if _, err := fx.lifecycle.MarkViewed(ctx, res.Issue.ID, "alice"); err != nil {
		t.Fatalf("MarkViewed() error = %v", err)
	}

	res = fx.submit(t, loginFinding())
	if res.Issue.Viewed || res.Issue.ViewedBy != "" || res.Issue.ViewedAt != nil {
		t.Errorf("viewed fields not cleared: %+v", res.Issue)
	}
	if !res.Notified {
		t.Error("viewed issue recurring did not notify")
	}
	if got := fx.notifications(t, res.Issue.ID); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}

func TestSubmit_IgnoredIssueStaysIgnored(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	res := fx.submit(t, loginFinding())
	if _, err := fx.lifecycle.IgnoreIssue(ctx, res.Issue.ID, "alice", "known scanner", nil); err != nil {
		t.Fatalf("IgnoreIssue() error = %v", err)
	}
	if _, err := fx.lifecycle.MarkViewed(ctx, res.Issue.ID, "alice"); err != nil {
		t.Fatalf("MarkViewed() error = %v", err)
	}

	res = fx.submit(t, loginFinding())
	if res.Issue.Status != models.StatusIgnored || !res.Issue.IsIgnored {
		t.Errorf("status = %s ignored=%v, want ignored", res.Issue.Status, res.Issue.IsIgnored)
	}
	if res.Issue.DetectionCount != 2 {
		t.Errorf("detection_count = %d, want 2", res.Issue.DetectionCount)
	}
	if res.Notified {
		t.Error("ignored issue enqueued a notification")
	}
}

func TestSubmit_SuppressionShortCircuits(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	rule, err := fx.rules.CreateRule(ctx, &models.IgnoreRule{
		RuleType:  models.RuleTypeIP,
		RuleValue: "203.0.113.0/24",
		Reason:    "office range",
	})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	res := fx.submit(t, loginFinding())
	if res.Outcome != OutcomeSuppressed || res.Rule == nil || res.Rule.ID != rule.ID {
		t.Fatalf("result = %+v, want suppressed by rule %d", res, rule.ID)
	}

	_, total, _ := fx.store.Issues().List(ctx, &models.IssueFilter{})
	if total != 0 {
		t.Errorf("issues = %d, want 0", total)
	}
	stored, _ := fx.rules.GetRule(ctx, rule.ID)
	if stored.UsageCount != 1 {
		t.Errorf("usage_count = %d, want 1", stored.UsageCount)
	}
}

func TestSubmit_ThrottleRunsBeforeSuppression(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{PerIssuer: map[string]int{"failed_login": 2}})
	ctx := context.Background()

	rule, err := fx.rules.CreateRule(ctx, &models.IgnoreRule{RuleType: models.RuleTypeIssuer, RuleValue: "failed_login"})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	var outcomes []Outcome
	for n := 0; n < 4; n++ {
		outcomes = append(outcomes, fx.submit(t, loginFinding()).Outcome)
	}
	want := []Outcome{OutcomeSuppressed, OutcomeSuppressed, OutcomeThrottled, OutcomeThrottled}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", outcomes, want)
		}
	}
	stored, _ := fx.rules.GetRule(ctx, rule.ID)
	if stored.UsageCount != 2 {
		t.Errorf("usage_count = %d, want 2 (throttled findings never reach rules)", stored.UsageCount)
	}

	// The next hour opens a fresh bucket.
	fx.clock.advance(time.Hour)
	if got := fx.submit(t, loginFinding()).Outcome; got != OutcomeSuppressed {
		t.Errorf("next hour outcome = %s, want suppressed", got)
	}

	st := fx.d.Stats()
	if st.Submitted != 5 || st.Throttled != 2 || st.Suppressed != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSubmit_DomainReputation(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	if _, err := fx.domains.AddToWhitelist(ctx, "partner.example", "payment provider", "alice"); err != nil {
		t.Fatalf("AddToWhitelist() error = %v", err)
	}

	redirect := func(target string) *models.RawFinding {
		f := models.NewFinding("redirect", "external_redirect", models.SeverityMedium, "Redirect to "+target)
		f.RedirectURL = target
		f.Identity = []string{target}
		return f
	}

	res := fx.submit(t, redirect("https://www.partner.example/pay"))
	if res.Outcome != OutcomeWhitelisted {
		t.Fatalf("whitelisted domain outcome = %s", res.Outcome)
	}

	res = fx.submit(t, redirect("https://unknown.example/x"))
	if res.Outcome != OutcomeRecorded || res.Verdict != reputation.VerdictPending {
		t.Fatalf("unknown domain result = %s/%s", res.Outcome, res.Verdict)
	}
	if res.Issue.Metadata["domain_status"] != "pending" {
		t.Errorf("metadata = %v", res.Issue.Metadata)
	}
	pending, err := fx.domains.ListPending(ctx, models.DomainPending)
	if err != nil || len(pending) != 1 || pending[0].Domain != "unknown.example" {
		t.Fatalf("pending = %+v, err %v", pending, err)
	}

	if got := fx.archive.outcomes(); len(got) != 2 || got[0] != "whitelisted" || got[1] != "recorded" {
		t.Errorf("archived outcomes = %v", got)
	}
}

func TestSubmit_CallerDomainIsNormalized(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{})
	ctx := context.Background()

	if _, err := fx.domains.AddToWhitelist(ctx, "good.com", "own storefront", "alice"); err != nil {
		t.Fatalf("AddToWhitelist() error = %v", err)
	}

	for _, domain := range []string{"WWW.Good.COM", "good.com.", "https://Good.com/checkout"} {
		f := models.NewFinding("redirect", "external_redirect", models.SeverityMedium, "Redirect to "+domain)
		f.Domain = domain
		f.RedirectURL = "https://elsewhere.example/"
		f.Identity = []string{domain}

		res := fx.submit(t, f)
		if res.Outcome != OutcomeWhitelisted {
			t.Errorf("Domain %q outcome = %s, want whitelisted", domain, res.Outcome)
		}
		if f.Domain != "good.com" {
			t.Errorf("Domain %q normalized to %q", domain, f.Domain)
		}
	}

	pending, err := fx.domains.ListPending(ctx, models.DomainPending)
	if err != nil || len(pending) != 0 {
		t.Errorf("pending = %+v, err %v", pending, err)
	}
}

func TestSubmit_InvalidFinding(t *testing.T) {
	fx := newFixture(t, ratelimit.Config{})
	for _, f := range []*models.RawFinding{nil, {IssueType: "x"}, {IssuerName: "x"}} {
		if _, err := fx.d.Submit(context.Background(), f); !errors.Is(err, ErrInvalidFinding) {
			t.Errorf("Submit(%+v) error = %v, want ErrInvalidFinding", f, err)
		}
	}

	// Missing optional fields are filled in.
	res := fx.submit(t, &models.RawFinding{IssuerName: "host", IssueType: "custom"})
	if res.Issue.Severity != models.SeverityMedium || res.Issue.Title != "custom" {
		t.Errorf("defaults = %s %q", res.Issue.Severity, res.Issue.Title)
	}
}

type failingRecorder struct{}

func (failingRecorder) RecordIssue(ctx context.Context, f *models.RawFinding) (*lifecycle.RecordResult, error) {
	return nil, errors.New("disk I/O error")
}

func TestSubmit_PersistenceErrorSurfaces(t *testing.T) {
	store := storage.NewMemoryStorage()
	d, err := NewDispatcher(Deps{
		Issuers:   issuer.NewRegistry(),
		Rules:     suppression.NewEngine(store.IgnoreRules(), nil),
		Lifecycle: failingRecorder{},
	}, Config{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if _, err := d.Submit(context.Background(), loginFinding()); err == nil {
		t.Fatal("Submit() expected persistence error")
	}
	if d.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", d.Stats().Errors)
	}

	if _, err := NewDispatcher(Deps{}, Config{}); err == nil {
		t.Fatal("NewDispatcher(empty deps) expected error")
	}
}
