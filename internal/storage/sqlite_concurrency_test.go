package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// openSharedDB opens two handles on one database file, the way two
// blazeguard processes sharing a data directory would.
func openSharedDB(t *testing.T) (*SQLiteStorage, *SQLiteStorage) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.db")

	var stores [2]*SQLiteStorage
	for i := range stores {
		s := NewSQLiteStorage(path)
		if err := s.Open(); err != nil {
			t.Fatalf("open handle %d: %v", i, err)
		}
		t.Cleanup(func() { s.Close() })
		if err := s.Migrate(); err != nil {
			t.Fatalf("migrate handle %d: %v", i, err)
		}
		stores[i] = s
	}
	return stores[0], stores[1]
}

// hammer runs fn perWorker times on each of workers goroutines per handle.
func hammer(t *testing.T, stores []*SQLiteStorage, workers, perWorker int, fn func(s *SQLiteStorage) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, len(stores)*workers*perWorker)
	for _, s := range stores {
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if err := fn(s); err != nil {
						errs <- err
					}
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent call: %v", err)
	}
}

func TestSQLiteConcurrency_IssueUpsertCountsEveryDetection(t *testing.T) {
	a, b := openSharedDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var created atomic.Int64
	hammer(t, []*SQLiteStorage{a, b}, 5, 8, func(s *SQLiteStorage) error {
		res, err := s.Issues().Upsert(ctx, testIssue("shared-fingerprint", now))
		if err != nil {
			return err
		}
		if res.Created {
			created.Add(1)
		}
		return nil
	})

	if n := created.Load(); n != 1 {
		t.Errorf("created = %d, want exactly one insert", n)
	}
	issues, total, err := a.Issues().List(ctx, &models.IssueFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Fatalf("issues = %d, want 1", total)
	}
	if issues[0].DetectionCount != 80 {
		t.Errorf("detection_count = %d, want 80", issues[0].DetectionCount)
	}
}

func TestSQLiteConcurrency_RateBucketNeverExceedsLimit(t *testing.T) {
	a, b := openSharedDB(t)
	ctx := context.Background()
	const limit = 15

	var allowed atomic.Int64
	hammer(t, []*SQLiteStorage{a, b}, 4, 5, func(s *SQLiteStorage) error {
		ok, err := s.RateLimits().Acquire(ctx, "uploads", 100, limit)
		if ok {
			allowed.Add(1)
		}
		return err
	})

	if n := allowed.Load(); n != limit {
		t.Errorf("allowed = %d, want %d", n, limit)
	}
	count, err := b.RateLimits().Count(ctx, "uploads", 100)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != limit {
		t.Errorf("bucket count = %d, want %d", count, limit)
	}
}

func TestSQLiteConcurrency_RuleUsageIsExact(t *testing.T) {
	a, b := openSharedDB(t)
	ctx := context.Background()

	rule := &models.IgnoreRule{
		RuleType:  models.RuleTypeIP,
		RuleValue: "198.51.100.7",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.IgnoreRules().Create(ctx, rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	hammer(t, []*SQLiteStorage{a, b}, 5, 6, func(s *SQLiteStorage) error {
		return s.IgnoreRules().RecordUsage(ctx, rule.ID, time.Now())
	})

	got, err := b.IgnoreRules().GetByID(ctx, rule.ID)
	if err != nil || got == nil {
		t.Fatalf("get rule = %v, %v", got, err)
	}
	if got.UsageCount != 60 {
		t.Errorf("usage_count = %d, want 60", got.UsageCount)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set")
	}
}

func TestSQLiteConcurrency_NotificationClaimedOnce(t *testing.T) {
	a, b := openSharedDB(t)
	ctx := context.Background()
	issueID := createIssueForNotifications(t, a)
	now := time.Now().UTC()

	n := &models.Notification{ChannelName: "slack", IssueID: issueID, Message: "m", CreatedAt: now}
	if err := a.Notifications().Create(ctx, n); err != nil {
		t.Fatalf("create: %v", err)
	}

	var claims atomic.Int64
	hammer(t, []*SQLiteStorage{a, b}, 6, 1, func(s *SQLiteStorage) error {
		ok, err := s.Notifications().Claim(ctx, n.ID, now, now.Add(time.Minute))
		if ok {
			claims.Add(1)
		}
		return err
	})
	if c := claims.Load(); c != 1 {
		t.Errorf("claims = %d, want 1", c)
	}
}
