package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/notifier"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeChannel records messages and fails while failing is true.
type fakeChannel struct {
	name    string
	mu      sync.Mutex
	failing bool
	sent    []*notifier.Message
	calls   int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, msg *notifier.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errors.New("connection refused")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

type fixture struct {
	queue    *Queue
	store    *storage.MemoryStorage
	registry *notifier.Registry
	clock    *clock
}

func newFixture(t *testing.T, config Config, channels ...*fakeChannel) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	registry := notifier.NewRegistry()
	for _, ch := range channels {
		registry.Register(ch, notifier.RateLimitConfig{})
	}
	q, err := NewQueue(store.Notifications(), registry, config, nil)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	c := &clock{t: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)}
	q.SetClock(c.now)
	return &fixture{queue: q, store: store, registry: registry, clock: c}
}

func (fx *fixture) issue(t *testing.T, severity models.Severity, issuer string) *models.Issue {
	t.Helper()
	f := models.NewFinding(issuer, issuer+"_hit", severity, "Suspicious "+issuer)
	f.FilePath = "/var/www/html/index.php"
	res, err := fx.store.Issues().Upsert(context.Background(), models.NewIssueFromFinding(f, issuer+string(severity), fx.clock.now()))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	return res.Issue
}

func (fx *fixture) process(t *testing.T) ProcessStats {
	t.Helper()
	stats, err := fx.queue.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	return stats
}

func (fx *fixture) get(t *testing.T, id int64) *models.Notification {
	t.Helper()
	n, err := fx.store.Notifications().GetByID(context.Background(), id)
	if err != nil || n == nil {
		t.Fatalf("GetByID(%d) = %v, %v", id, n, err)
	}
	return n
}

func TestEnqueueOneRowPerAcceptingChannel(t *testing.T) {
	slack := &fakeChannel{name: "slack"}
	email := &fakeChannel{name: "email"}
	fx := newFixture(t, Config{
		Channels: map[string]ChannelOptions{
			"email": {Filter: `severity_rank >= 3`, MaxRetries: 5},
		},
	}, slack, email)

	low := fx.issue(t, models.SeverityLow, "php_log")
	rows, err := fx.queue.Enqueue(context.Background(), low)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ChannelName != "slack" {
		t.Fatalf("low severity rows = %+v, want slack only", rows)
	}
	if rows[0].MaxRetries != models.DefaultMaxRetries || rows[0].Status != models.NotificationPending {
		t.Errorf("row = %+v", rows[0])
	}
	if !strings.Contains(rows[0].Message, "Suspicious php_log") {
		t.Errorf("message = %q", rows[0].Message)
	}

	high := fx.issue(t, models.SeverityHigh, "uploads")
	rows, err = fx.queue.Enqueue(context.Background(), high)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("high severity rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.ChannelName == "email" && r.MaxRetries != 5 {
			t.Errorf("email MaxRetries = %d, want 5", r.MaxRetries)
		}
	}
}

func TestNewQueueRejectsBadFilter(t *testing.T) {
	_, err := NewQueue(storage.NewMemoryStorage().Notifications(), notifier.NewRegistry(), Config{
		Channels: map[string]ChannelOptions{"slack": {Filter: `severity ==`}},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("NewQueue() error = %v, want compile error", err)
	}
}

func TestFilterEnvironment(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{``, true},
		{`issuer == "uploads"`, true},
		{`issuer in ["php_log", "brute_force"]`, false},
		{`file_path startsWith "/var/www/wp-content"`, true},
		{`recurring`, true},
		{`detection_count > 5`, false},
		{`metadata.extension == "php"`, true},
	}
	issue := &models.Issue{
		IssuerName:     "uploads",
		Severity:       models.SeverityCritical,
		FilePath:       "/var/www/wp-content/uploads/x.php",
		DetectionCount: 2,
		Metadata:       map[string]any{"extension": "php"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := NewFilter(tt.expr)
			if err != nil {
				t.Fatalf("NewFilter(%q) error = %v", tt.expr, err)
			}
			got, err := f.Match(issue)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestProcessPendingDelivers(t *testing.T) {
	slack := &fakeChannel{name: "slack"}
	fx := newFixture(t, Config{}, slack)
	issue := fx.issue(t, models.SeverityHigh, "redirect")

	rows, err := fx.queue.Enqueue(context.Background(), issue)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	stats := fx.process(t)
	if stats.Sent != 1 || stats.Retrying != 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 1 sent", stats)
	}
	if len(slack.sent) != 1 || slack.sent[0].Title != "Suspicious redirect" || slack.sent[0].IssueID != issue.ID {
		t.Fatalf("sent = %+v", slack.sent)
	}

	n := fx.get(t, rows[0].ID)
	if n.Status != models.NotificationSent || n.SentAt == nil || !n.SentAt.Equal(fx.clock.t) {
		t.Errorf("row after delivery = %+v", n)
	}

	// Sent rows are never picked up again.
	if stats := fx.process(t); stats.Sent != 0 {
		t.Errorf("second pass sent %d rows", stats.Sent)
	}
}

func TestProcessPendingRetryBackoffAndFailure(t *testing.T) {
	slack := &fakeChannel{name: "slack", failing: true}
	teams := &fakeChannel{name: "teams"}
	fx := newFixture(t, Config{
		Backoff: Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
	}, slack, teams)
	issue := fx.issue(t, models.SeverityCritical, "uploads")

	rows, err := fx.queue.Enqueue(context.Background(), issue)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	var slackID int64
	for _, r := range rows {
		if r.ChannelName == "slack" {
			slackID = r.ID
		}
	}

	// First pass: slack fails, teams still delivers.
	stats := fx.process(t)
	if stats.Sent != 1 || stats.Retrying != 1 {
		t.Fatalf("pass 1 stats = %+v", stats)
	}
	n := fx.get(t, slackID)
	if n.Status != models.NotificationRetry || n.RetryCount != 1 || n.ErrorMessage != "connection refused" {
		t.Fatalf("slack row after pass 1 = %+v", n)
	}

	if n.NextAttempt == nil || !n.NextAttempt.Equal(fx.clock.t.Add(time.Minute)) {
		t.Fatalf("next attempt = %v, want now+1m", n.NextAttempt)
	}

	// Inside the backoff window the row is not picked up.
	fx.clock.advance(30 * time.Second)
	if stats := fx.process(t); stats != (ProcessStats{}) || slack.calls != 1 {
		t.Fatalf("pass 2 stats = %+v, calls = %d", stats, slack.calls)
	}

	// Second failure after 1m, third after a further 2m.
	fx.clock.advance(31 * time.Second)
	if stats := fx.process(t); stats.Retrying != 1 {
		t.Fatalf("pass 3 stats = %+v", stats)
	}
	fx.clock.advance(time.Minute)
	if stats := fx.process(t); stats != (ProcessStats{}) || slack.calls != 2 {
		t.Fatalf("pass 4 stats = %+v, calls = %d, want nothing due (2m backoff)", stats, slack.calls)
	}
	fx.clock.advance(time.Minute + time.Second)
	if stats := fx.process(t); stats.Failed != 1 {
		t.Fatalf("pass 5 stats = %+v, want failed", stats)
	}

	n = fx.get(t, slackID)
	if n.Status != models.NotificationFailed || n.RetryCount != models.DefaultMaxRetries {
		t.Fatalf("slack row = %+v, want failed after %d attempts", n, models.DefaultMaxRetries)
	}
	if slack.calls != models.DefaultMaxRetries {
		t.Errorf("slack calls = %d, want %d", slack.calls, models.DefaultMaxRetries)
	}

	// Failed rows stay put.
	fx.clock.advance(24 * time.Hour)
	if stats := fx.process(t); stats.Sent+stats.Retrying+stats.Failed != 0 {
		t.Errorf("failed row was attempted again: %+v", stats)
	}
}

func TestRequeue(t *testing.T) {
	slack := &fakeChannel{name: "slack", failing: true}
	fx := newFixture(t, Config{MaxRetries: 1}, slack)
	issue := fx.issue(t, models.SeverityMedium, "failed_login")
	rows, _ := fx.queue.Enqueue(context.Background(), issue)
	id := rows[0].ID
	ctx := context.Background()

	if _, err := fx.queue.Requeue(ctx, id); !errors.Is(err, ErrNotRequeueable) {
		t.Fatalf("Requeue(pending) error = %v, want ErrNotRequeueable", err)
	}
	if _, err := fx.queue.Requeue(ctx, 9999); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("Requeue(missing) error = %v, want ErrNotificationNotFound", err)
	}

	if stats := fx.process(t); stats.Failed != 1 {
		t.Fatalf("stats = %+v, want one failed with max_retries 1", stats)
	}

	n, err := fx.queue.Requeue(ctx, id)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if n.Status != models.NotificationPending || n.RetryCount != 0 {
		t.Errorf("requeued row = %+v", n)
	}

	slack.setFailing(false)
	if stats := fx.process(t); stats.Sent != 1 {
		t.Fatalf("stats after requeue = %+v", stats)
	}
}

func TestProcessPendingSkipsClaimedRows(t *testing.T) {
	slack := &fakeChannel{name: "slack"}
	fx := newFixture(t, Config{}, slack)
	issue := fx.issue(t, models.SeverityHigh, "redirect")
	rows, _ := fx.queue.Enqueue(context.Background(), issue)

	// Another pass holds the lease.
	ok, err := fx.store.Notifications().Claim(context.Background(), rows[0].ID, fx.clock.t, fx.clock.t.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	stats := fx.process(t)
	if stats != (ProcessStats{}) || len(slack.sent) != 0 {
		t.Fatalf("stats = %+v, sent = %d", stats, len(slack.sent))
	}

	fx.clock.advance(2 * time.Minute)
	if stats := fx.process(t); stats.Sent != 1 {
		t.Fatalf("stats after lease expiry = %+v", stats)
	}
}

func TestProcessPendingFailingBacklogDoesNotStarveOtherChannels(t *testing.T) {
	telegram := &fakeChannel{name: "telegram", failing: true}
	slack := &fakeChannel{name: "slack"}
	fx := newFixture(t, Config{BatchSize: 5, MaxRetries: 10}, telegram, slack)
	ctx := context.Background()
	issue := fx.issue(t, models.SeverityHigh, "uploads")

	for i := 0; i < 20; i++ {
		err := fx.store.Notifications().Create(ctx, &models.Notification{
			ChannelName: "telegram", IssueID: issue.ID, Message: "m", MaxRetries: 10, CreatedAt: fx.clock.t,
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	// Four passes put every telegram row into backoff.
	for i := 0; i < 4; i++ {
		if stats := fx.process(t); stats.Retrying != 5 {
			t.Fatalf("telegram pass %d stats = %+v, want 5 retrying", i+1, stats)
		}
	}

	slackRow := &models.Notification{ChannelName: "slack", IssueID: issue.ID, Message: "m", CreatedAt: fx.clock.t}
	if err := fx.store.Notifications().Create(ctx, slackRow); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats := fx.process(t)
	if stats.Sent != 1 || telegram.calls != 20 {
		t.Fatalf("stats = %+v, telegram calls = %d, want slack delivered behind the backlog", stats, telegram.calls)
	}
	if n := fx.get(t, slackRow.ID); n.Status != models.NotificationSent {
		t.Errorf("slack row status = %s, want sent", n.Status)
	}
}

func TestProcessPendingCapsRowsPerChannel(t *testing.T) {
	teams := &fakeChannel{name: "teams"}
	slack := &fakeChannel{name: "slack"}
	fx := newFixture(t, Config{BatchSize: 3}, teams, slack)
	ctx := context.Background()
	issue := fx.issue(t, models.SeverityHigh, "redirect")

	for i := 0; i < 10; i++ {
		if err := fx.store.Notifications().Create(ctx, &models.Notification{
			ChannelName: "teams", IssueID: issue.ID, Message: "m", CreatedAt: fx.clock.t,
		}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := fx.store.Notifications().Create(ctx, &models.Notification{
		ChannelName: "slack", IssueID: issue.ID, Message: "m", CreatedAt: fx.clock.t,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats := fx.process(t)
	if stats.Sent != 4 || len(teams.sent) != 3 || len(slack.sent) != 1 {
		t.Fatalf("stats = %+v, teams = %d, slack = %d", stats, len(teams.sent), len(slack.sent))
	}
}

func TestProcessPendingRespectsSendWindow(t *testing.T) {
	slack := &fakeChannel{name: "slack"}
	store := storage.NewMemoryStorage()
	registry := notifier.NewRegistry()
	registry.Register(slack, notifier.RateLimitConfig{MaxPerWindow: 1, Window: time.Hour, Enabled: true})
	q, err := NewQueue(store.Notifications(), registry, Config{}, nil)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	fx := &fixture{queue: q, store: store, registry: registry, clock: &clock{t: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)}}
	q.SetClock(fx.clock.now)

	for _, issuer := range []string{"uploads", "php_log"} {
		if _, err := q.Enqueue(context.Background(), fx.issue(t, models.SeverityHigh, issuer)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	stats := fx.process(t)
	if stats.Sent != 1 || stats.Deferred != 1 {
		t.Fatalf("stats = %+v, want 1 sent 1 deferred", stats)
	}
	counts, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if counts[models.NotificationPending] != 1 || counts[models.NotificationSent] != 1 || counts[models.NotificationFailed] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestUnregisteredChannelCountsAsFailure(t *testing.T) {
	fx := newFixture(t, Config{MaxRetries: 1})
	issue := fx.issue(t, models.SeverityHigh, "uploads")
	err := fx.store.Notifications().Create(context.Background(), &models.Notification{
		ChannelName: "pager",
		IssueID:     issue.ID,
		MaxRetries:  1,
		CreatedAt:   fx.clock.t,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if stats := fx.process(t); stats.Failed != 1 {
		t.Fatalf("stats = %+v, want failed", stats)
	}
	rows, _, _ := fx.queue.List(context.Background(), &models.NotificationFilter{ChannelName: "pager"})
	if len(rows) != 1 || !strings.Contains(rows[0].ErrorMessage, "unknown notification channel") {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestPurgeSent(t *testing.T) {
	slack := &fakeChannel{name: "slack"}
	fx := newFixture(t, Config{}, slack)
	issue := fx.issue(t, models.SeverityHigh, "uploads")
	if _, err := fx.queue.Enqueue(context.Background(), issue); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	fx.process(t)

	n, err := fx.queue.PurgeSent(context.Background(), fx.clock.t)
	if err != nil || n != 0 {
		t.Fatalf("PurgeSent(now) = %d, %v, want 0", n, err)
	}
	n, err = fx.queue.PurgeSent(context.Background(), fx.clock.t.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("PurgeSent(later) = %d, %v, want 1", n, err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Minute, Max: 5 * time.Minute, Multiplier: 2}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
