// Package ratelimit throttles findings per issuer in hourly buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

// Retention is how long hourly buckets are kept.
const Retention = 24 * time.Hour

// Config holds rate limiter configuration.
type Config struct {
	// MaxAlertsPerHour is the default cap per issuer. 0 means unlimited.
	MaxAlertsPerHour int `yaml:"max_alerts_per_hour"`
	// PerIssuer overrides the default for named issuers. 0 means unlimited.
	PerIssuer map[string]int `yaml:"per_issuer"`
}

// DefaultConfig returns default rate limit settings.
func DefaultConfig() Config {
	return Config{
		MaxAlertsPerHour: 100,
		PerIssuer:        map[string]int{},
	}
}

// Limiter counts allowed findings per (issuer, UTC hour). The counter lives in
// storage so overlapping processes share it.
type Limiter struct {
	repo   storage.RateLimitRepository
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastBucket int64
	dropped    map[string]int64
	failures   int64
}

// New creates a limiter over repo.
func New(repo storage.RateLimitRepository, config Config, logger *zap.Logger) *Limiter {
	if config.MaxAlertsPerHour < 0 {
		config.MaxAlertsPerHour = 0
	}
	return &Limiter{
		repo:    repo,
		config:  config,
		logger:  logging.OrNop(logger).Named("ratelimit"),
		now:     time.Now,
		dropped: make(map[string]int64),
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Bucket returns the hour bucket for t.
func Bucket(t time.Time) int64 {
	return t.UTC().Unix() / 3600
}

// Limit returns the hourly cap for issuer; 0 means unlimited.
func (l *Limiter) Limit(issuer string) int {
	if n, ok := l.config.PerIssuer[issuer]; ok {
		if n < 0 {
			return 0
		}
		return n
	}
	return l.config.MaxAlertsPerHour
}

// Check reports whether issuer may submit another finding this hour and
// counts it if so. The increment is a single conditional write, so
// concurrent callers never push the bucket past the cap. A store error
// allows the finding and is returned for the caller to record.
func (l *Limiter) Check(ctx context.Context, issuer string) (bool, error) {
	limit := l.Limit(issuer)
	if limit == 0 {
		return true, nil
	}

	bucket := Bucket(l.now())
	l.rollover(ctx, bucket)

	ok, err := l.repo.Acquire(ctx, issuer, bucket, limit)
	if err != nil {
		l.mu.Lock()
		l.failures++
		l.mu.Unlock()
		l.logger.Error("rate limit store failed, allowing finding",
			zap.String("issuer", issuer), zap.Error(err))
		return true, err
	}
	if !ok {
		l.mu.Lock()
		l.dropped[issuer]++
		l.mu.Unlock()
		l.logger.Debug("finding throttled", zap.String("issuer", issuer), zap.Int("limit", limit))
	}
	return ok, nil
}

// rollover prunes expired buckets the first time a new hour is seen.
func (l *Limiter) rollover(ctx context.Context, bucket int64) {
	l.mu.Lock()
	if bucket <= l.lastBucket {
		l.mu.Unlock()
		return
	}
	first := l.lastBucket == 0
	l.lastBucket = bucket
	l.mu.Unlock()

	if first {
		return
	}
	if _, err := l.Prune(ctx); err != nil {
		l.logger.Warn("prune rate limit buckets", zap.Error(err))
	}
}

// Prune deletes buckets older than Retention and returns how many were removed.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	cutoff := Bucket(l.now().Add(-Retention))
	return l.repo.DeleteBefore(ctx, cutoff)
}

// Usage returns how many findings issuer has used in the current hour and its cap.
func (l *Limiter) Usage(ctx context.Context, issuer string) (int64, int, error) {
	n, err := l.repo.Count(ctx, issuer, Bucket(l.now()))
	if err != nil {
		return 0, 0, err
	}
	return n, l.Limit(issuer), nil
}

// Stats contains rate limiter statistics.
type Stats struct {
	Dropped       map[string]int64 `json:"dropped"`
	StoreFailures int64            `json:"store_failures"`
	DefaultLimit  int              `json:"default_limit"`
}

// Stats returns findings dropped per issuer since the limiter was created.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := make(map[string]int64, len(l.dropped))
	for k, v := range l.dropped {
		dropped[k] = v
	}
	return Stats{
		Dropped:       dropped,
		StoreFailures: l.failures,
		DefaultLimit:  l.config.MaxAlertsPerHour,
	}
}
