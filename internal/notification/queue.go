// Package notification queues issue notifications per channel and delivers
// them with bounded retries.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/notifier"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// Errors returned by the queue.
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNotRequeueable       = errors.New("only failed notifications can be requeued")
)

const maxErrorMessage = 1000

// ChannelOptions routes one channel. Send volume is capped by the
// channel's window in the notifier registry.
type ChannelOptions struct {
	// Filter is an expr-lang expression over the issue; empty accepts all.
	Filter     string `yaml:"filter"`
	MaxRetries int    `yaml:"max_retries"` // overrides Config.MaxRetries when > 0
}

// Config holds queue settings.
type Config struct {
	MaxRetries  int                       `yaml:"max_retries"`
	BatchSize   int                       `yaml:"batch_size"`
	SendTimeout time.Duration             `yaml:"send_timeout"`
	Backoff     Backoff                   `yaml:"backoff"`
	Channels    map[string]ChannelOptions `yaml:"channels"`
}

// DefaultConfig returns default queue settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  models.DefaultMaxRetries,
		BatchSize:   50,
		SendTimeout: 30 * time.Second,
		Backoff:     DefaultBackoff(),
	}
}

type channel struct {
	filter     *Filter
	maxRetries int
}

// Queue creates notification rows and delivers them through the registry.
type Queue struct {
	repo     storage.NotificationRepository
	registry *notifier.Registry
	config   Config
	channels map[string]*channel
	logger   *zap.Logger
	now      func() time.Time
}

// NewQueue creates a queue. Channel filters are compiled here so a bad
// expression fails at startup.
func NewQueue(repo storage.NotificationRepository, registry *notifier.Registry, config Config, logger *zap.Logger) (*Queue, error) {
	d := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = d.MaxRetries
	}
	if config.BatchSize <= 0 {
		config.BatchSize = d.BatchSize
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = d.SendTimeout
	}
	config.Backoff = config.Backoff.withDefaults()

	q := &Queue{
		repo:     repo,
		registry: registry,
		config:   config,
		channels: make(map[string]*channel, len(config.Channels)),
		logger:   logging.OrNop(logger).Named("notification"),
		now:      time.Now,
	}

	for name, opts := range config.Channels {
		filter, err := NewFilter(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		q.channels[name] = &channel{filter: filter, maxRetries: opts.MaxRetries}
	}

	return q, nil
}

// SetClock replaces the time source. Used by tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) channel(name string) *channel {
	if ch, ok := q.channels[name]; ok {
		return ch
	}
	return &channel{}
}

// Enqueue creates one pending row per registered channel whose filter
// accepts the issue. A channel whose filter fails to evaluate is skipped.
func (q *Queue) Enqueue(ctx context.Context, issue *models.Issue) ([]*models.Notification, error) {
	msg := notifier.NewMessage(issue, issue.DetectionCount > 1)
	text, err := notifier.RenderText(msg)
	if err != nil {
		return nil, fmt.Errorf("render notification: %w", err)
	}

	var created []*models.Notification
	var errs []error
	for _, name := range q.registry.Names() {
		ch := q.channel(name)
		ok, err := ch.filter.Match(issue)
		if err != nil {
			q.logger.Warn("channel filter failed, skipping channel",
				zap.String("channel", name),
				zap.Int64("issue_id", issue.ID),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		n := &models.Notification{
			ChannelName: name,
			IssueID:     issue.ID,
			Message:     text,
			Context:     msg.Context(),
			Status:      models.NotificationPending,
			MaxRetries:  q.config.MaxRetries,
			CreatedAt:   q.now().UTC(),
		}
		if ch.maxRetries > 0 {
			n.MaxRetries = ch.maxRetries
		}
		if err := q.repo.Create(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", name, err))
			continue
		}
		metrics.NotificationsEnqueued.WithLabelValues(name).Inc()
		created = append(created, n)
	}

	return created, errors.Join(errs...)
}

// ProcessStats summarizes one delivery pass.
type ProcessStats struct {
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	// Deferred rows were due but the channel's send window was full.
	Deferred int `json:"deferred"`
	// Skipped rows were claimed by an overlapping pass.
	Skipped int `json:"skipped"`
}

func (s *ProcessStats) add(o ProcessStats) {
	s.Sent += o.Sent
	s.Retrying += o.Retrying
	s.Failed += o.Failed
	s.Deferred += o.Deferred
	s.Skipped += o.Skipped
}

// ProcessPending delivers due rows. Channels run concurrently and rows of
// one channel run in order, so a slow or failing channel never holds up
// another.
func (q *Queue) ProcessPending(ctx context.Context) (ProcessStats, error) {
	due, err := q.repo.ListDue(ctx, q.now(), q.config.BatchSize)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("list due notifications: %w", err)
	}

	byChannel := make(map[string][]*models.Notification)
	var order []string
	for _, n := range due {
		if _, ok := byChannel[n.ChannelName]; !ok {
			order = append(order, n.ChannelName)
		}
		byChannel[n.ChannelName] = append(byChannel[n.ChannelName], n)
	}

	var (
		mu    sync.Mutex
		total ProcessStats
		g     errgroup.Group
	)
	for _, name := range order {
		rows := byChannel[name]
		g.Go(func() error {
			stats, err := q.deliverChannel(ctx, name, rows)
			mu.Lock()
			total.add(stats)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	q.refreshGauge(ctx)

	if total.Sent+total.Retrying+total.Failed > 0 {
		q.logger.Info("delivery pass complete",
			zap.Int("sent", total.Sent),
			zap.Int("retrying", total.Retrying),
			zap.Int("failed", total.Failed),
			zap.Int("deferred", total.Deferred))
	}
	return total, err
}

func (q *Queue) deliverChannel(ctx context.Context, name string, rows []*models.Notification) (ProcessStats, error) {
	var stats ProcessStats
	attempted := 0

	for _, n := range rows {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if attempted >= q.config.BatchSize {
			break
		}

		now := q.now()
		sender, registered := q.registry.Get(name)
		if registered && !q.registry.Allow(name) {
			stats.Deferred++
			continue
		}

		claimed, err := q.repo.Claim(ctx, n.ID, now, now.Add(2*q.config.SendTimeout))
		if err != nil {
			if registered {
				q.registry.Release(name)
			}
			return stats, fmt.Errorf("claim notification %d: %w", n.ID, err)
		}
		if !claimed {
			if registered {
				q.registry.Release(name)
			}
			stats.Skipped++
			continue
		}
		attempted++

		var sendErr error
		if !registered {
			sendErr = fmt.Errorf("%w: %s", notifier.ErrUnknownChannel, name)
		} else {
			sendErr = q.send(ctx, sender, n)
		}

		if sendErr == nil {
			if _, err := q.repo.MarkSent(ctx, n.ID, q.now()); err != nil {
				q.logger.Error("failed to mark notification sent",
					zap.Int64("notification_id", n.ID), zap.Error(err))
				return stats, fmt.Errorf("mark sent %d: %w", n.ID, err)
			}
			metrics.NotificationAttempts.WithLabelValues(name, "sent").Inc()
			stats.Sent++
			continue
		}

		failedAt := q.now()
		next := failedAt.Add(q.config.Backoff.Delay(n.RetryCount + 1))
		status, err := q.repo.MarkFailed(ctx, n.ID, truncateError(sendErr.Error()), failedAt, next)
		if err != nil {
			q.logger.Error("failed to record delivery failure",
				zap.Int64("notification_id", n.ID), zap.Error(err))
			return stats, fmt.Errorf("mark failed %d: %w", n.ID, err)
		}
		metrics.NotificationAttempts.WithLabelValues(name, string(status)).Inc()
		if status == models.NotificationFailed {
			stats.Failed++
			q.logger.Error("notification failed permanently",
				zap.String("channel", name),
				zap.Int64("notification_id", n.ID),
				zap.Int64("issue_id", n.IssueID),
				zap.Error(sendErr))
		} else {
			stats.Retrying++
			q.logger.Warn("notification send failed, will retry",
				zap.String("channel", name),
				zap.Int64("notification_id", n.ID),
				zap.Int("attempt", n.RetryCount+1),
				zap.Time("next_attempt", next),
				zap.Error(sendErr))
		}
	}
	return stats, nil
}

func (q *Queue) send(ctx context.Context, sender notifier.Notifier, n *models.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", sender.Name(), r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, q.config.SendTimeout)
	defer cancel()

	start := time.Now()
	err = sender.Send(sendCtx, notifier.MessageFromNotification(n))
	metrics.NotificationDuration.WithLabelValues(sender.Name()).Observe(time.Since(start).Seconds())
	return err
}

func truncateError(s string) string {
	if len(s) <= maxErrorMessage {
		return s
	}
	return s[:maxErrorMessage-3] + "..."
}

// Requeue moves a failed row back to pending with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id int64) (*models.Notification, error) {
	n, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	if n == nil {
		return nil, ErrNotificationNotFound
	}
	if n.Status != models.NotificationFailed {
		return nil, fmt.Errorf("%w: notification %d is %s", ErrNotRequeueable, id, n.Status)
	}
	ok, err := q.repo.Requeue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("requeue notification: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: notification %d changed concurrently", ErrNotRequeueable, id)
	}
	q.logger.Info("notification requeued", zap.Int64("notification_id", id), zap.String("channel", n.ChannelName))
	return q.repo.GetByID(ctx, id)
}

// Stats returns row counts per status.
func (q *Queue) Stats(ctx context.Context) (map[models.NotificationStatus]int64, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	for _, s := range []models.NotificationStatus{
		models.NotificationPending, models.NotificationRetry, models.NotificationSent, models.NotificationFailed,
	} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

func (q *Queue) refreshGauge(ctx context.Context) {
	counts, err := q.Stats(ctx)
	if err != nil {
		q.logger.Warn("failed to refresh queue gauge", zap.Error(err))
		return
	}
	for status, n := range counts {
		metrics.NotificationQueue.WithLabelValues(string(status)).Set(float64(n))
	}
}

// List returns notification rows, newest first.
func (q *Queue) List(ctx context.Context, filter *models.NotificationFilter) ([]*models.Notification, int64, error) {
	rows, total, err := q.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return rows, total, nil
}

// PurgeSent deletes sent rows older than before.
func (q *Queue) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.repo.DeleteSentBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge sent notifications: %w", err)
	}
	return n, nil
}
