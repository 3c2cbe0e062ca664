package window

import (
	"testing"
	"time"
)

func TestTryReserveWithinLimit(t *testing.T) {
	c := New(10, MinuteMs)

	ok, _ := c.TryReserve(4)
	if !ok {
		t.Fatalf("expected reservation to succeed")
	}

	if stats := c.Stats(); stats.Count != 4 {
		t.Fatalf("count = %d, want 4", stats.Count)
	}

	ok, _ = c.TryReserve(7)
	if ok {
		t.Fatalf("expected reservation of 7 to fail: count=4 limit=10")
	}
}

func TestReleaseSameWindow(t *testing.T) {
	c := New(10, MinuteMs)

	_, snap := c.TryReserve(5)
	c.Release(5, snap)

	if stats := c.Stats(); stats.Count != 0 {
		t.Fatalf("count = %d, want 0 after release", stats.Count)
	}
}

func TestReleaseAcrossRolloverIsNoop(t *testing.T) {
	fakeNow := time.UnixMilli(0)
	c := New(10, MinuteMs)
	c.now = func() time.Time { return fakeNow }

	_, snap := c.TryReserve(5)

	// Simulate a minute passing: bump the fake clock into the next window.
	fakeNow = time.UnixMilli(MinuteMs)

	c.Release(5, snap)

	if stats := c.Stats(); stats.Count != 0 {
		t.Fatalf("count = %d, want 0 (fresh window, release was a no-op)", stats.Count)
	}
}

func TestCommitDeltaOverrunTolerated(t *testing.T) {
	c := New(10, MinuteMs)

	_, snap := c.TryReserve(8)
	c.CommitDelta(5, snap) // actual exceeded estimate by 5

	if stats := c.Stats(); stats.Count != 13 {
		t.Fatalf("count = %d, want 13 (overrun tolerated)", stats.Count)
	}
}

func TestSetLimitPreservesInFlight(t *testing.T) {
	c := New(10, MinuteMs)
	_, _ = c.TryReserve(8)

	c.SetLimit(20)

	ok, _ := c.TryReserve(10)
	if !ok {
		t.Fatalf("expected reservation after raising limit to succeed")
	}
}
