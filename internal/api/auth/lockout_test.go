package auth

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker(threshold int, d time.Duration) (*LockoutTracker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)}
	tr := NewLockoutTracker(threshold, d)
	tr.SetClock(clk.now)
	return tr, clk
}

func TestLockoutTracker_Basic(t *testing.T) {
	tracker, _ := newTracker(3, time.Minute)
	ip := "203.0.113.7"

	if tracker.IsLocked(ip) {
		t.Error("should not be locked initially")
	}
	tracker.RecordFailure(ip)
	tracker.RecordFailure(ip)
	if tracker.IsLocked(ip) {
		t.Error("should not be locked after 2 failures (threshold=3)")
	}
	if !tracker.RecordFailure(ip) || !tracker.IsLocked(ip) {
		t.Error("should be locked after 3 failures")
	}
	if got := tracker.RemainingLockoutTime(ip); got != time.Minute {
		t.Errorf("RemainingLockoutTime() = %v, want 1m", got)
	}
}

func TestLockoutTracker_LockoutExpires(t *testing.T) {
	tracker, clk := newTracker(2, time.Minute)
	ip := "203.0.113.7"

	tracker.RecordFailure(ip)
	tracker.RecordFailure(ip)
	if !tracker.IsLocked(ip) {
		t.Fatal("should be locked")
	}

	clk.advance(61 * time.Second)
	if tracker.IsLocked(ip) {
		t.Error("lockout should have expired")
	}
	if tracker.RecordFailure(ip) {
		t.Error("first failure after expiry should start a new count")
	}
	if removed := tracker.Cleanup(); removed != 0 {
		t.Errorf("Cleanup() removed %d, want 0 (entry restarted)", removed)
	}
}

func TestLockoutTracker_ClearFailures(t *testing.T) {
	tracker, _ := newTracker(3, time.Hour)
	ip := "203.0.113.7"

	tracker.RecordFailure(ip)
	tracker.RecordFailure(ip)
	tracker.RecordFailure(ip)
	tracker.ClearFailures(ip)
	if tracker.IsLocked(ip) {
		t.Error("should not be locked after ClearFailures")
	}
}

func TestLockoutTracker_Disabled(t *testing.T) {
	tracker, _ := newTracker(0, time.Hour)
	for i := 0; i < 10; i++ {
		if tracker.RecordFailure("x") {
			t.Fatal("disabled tracker should never lock")
		}
	}
}

func TestLockoutTracker_Cleanup(t *testing.T) {
	tracker, clk := newTracker(1, time.Minute)
	tracker.RecordFailure("a")
	tracker.RecordFailure("b")
	clk.advance(2 * time.Minute)
	if removed := tracker.Cleanup(); removed != 2 {
		t.Errorf("Cleanup() removed %d, want 2", removed)
	}
}
