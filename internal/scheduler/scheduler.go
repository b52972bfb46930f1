// Package scheduler runs the periodic pipeline jobs (scans, notification
// delivery, retention) on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/logging"
)

// Errors returned by the scheduler.
var (
	ErrDuplicateJob = errors.New("job already scheduled")
	ErrUnknownJob   = errors.New("unknown job")
	ErrRunning      = errors.New("scheduler already running")
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Config holds the cron specs of the built-in jobs. Specs use the standard
// five-field syntax or descriptors such as "@every 1m". An empty spec
// disables the job.
type Config struct {
	Scan       string        `yaml:"scan"`
	Deliver    string        `yaml:"deliver"`
	Retention  string        `yaml:"retention"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		Scan:       "*/5 * * * *",
		Deliver:    "@every 1m",
		Retention:  "@hourly",
		JobTimeout: 10 * time.Minute,
	}
}

type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	id      cron.EntryID
}

// EntryInfo describes a scheduled job.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Scheduler wraps a cron runner. A job still running when its next tick
// arrives is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped scheduler.
func New(logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger).Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     context.Background(),
	}
}

// Add schedules job under name. timeout bounds each run; 0 means none.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	e := &entry{name: name, spec: spec, timeout: timeout, job: job}
	id, err := s.cron.AddFunc(spec, func() { s.run(e) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	e.id = id
	s.entries[name] = e
	return nil
}

// Remove unschedules a job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, name)
	}
}

// Start begins running jobs. Jobs receive a context derived from ctx that
// is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.entries)))
	return nil
}

// Stop cancels running jobs and waits for them to return or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// RunNow runs a scheduled job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e)
}

// Entries lists scheduled jobs by name.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, EntryInfo{Name: e.name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) run(e *entry) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if err := s.execute(ctx, e); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", e.name), zap.Error(err))
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	err := e.job(ctx)
	s.logger.Debug("job finished",
		zap.String("job", e.name),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
