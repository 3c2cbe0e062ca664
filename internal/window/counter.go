// Package window implements a lazy-reset, time-windowed counter used to
// enforce per-minute and per-day rate limits without background sweeps.
package window

import (
	"sync"
	"time"
)

// Window sizes in milliseconds.
const (
	MinuteMs = 60_000
	DayMs    = 86_400_000
)

// Snapshot names the window a reservation or commit was debited against, so
// a later Release/CommitDelta can tell whether the window already rolled.
type Snapshot struct {
	WindowID int64
}

// Stats is a read-only view of a counter's current state.
type Stats struct {
	WindowID int64
	Count    int64
	Limit    int64
}

// Counter is a single (limit, window) pair. Reads and writes lazily reset on
// window rollover: there is no timer and no I/O on the rollover itself, only
// a windowId comparison on the next touch.
type Counter struct {
	mu       sync.Mutex
	limit    int64
	windowMs int64
	windowID int64
	count    int64
	now      func() time.Time
}

// New creates a counter for the given limit and window size. now defaults to
// time.Now; tests may override it.
func New(limit int64, windowMs int64) *Counter {
	return &Counter{limit: limit, windowMs: windowMs, now: time.Now}
}

// NewMinute creates a 60-second-window counter.
func NewMinute(limit int64) *Counter { return New(limit, MinuteMs) }

// NewDay creates an 86400-second-window counter.
func NewDay(limit int64) *Counter { return New(limit, DayMs) }

func (c *Counter) currentWindowID() int64 {
	return c.now().UnixMilli() / c.windowMs
}

// resetIfStale must be called with c.mu held.
func (c *Counter) resetIfStale() int64 {
	cur := c.currentWindowID()
	if cur != c.windowID {
		c.windowID = cur
		c.count = 0
	}
	return cur
}

// TryReserve attempts to debit n units from the current window. On success it
// returns the snapshot identifying which window was debited, for later
// Release/CommitDelta calls.
func (c *Counter) TryReserve(n int64) (ok bool, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.resetIfStale()
	if c.count+n > c.limit {
		return false, Snapshot{}
	}
	c.count += n
	return true, Snapshot{WindowID: cur}
}

// Release reverses a prior TryReserve of n units, but only if the window has
// not rolled since the reservation; a release spanning a rollover is a
// silent no-op, since the counter already reset to zero on its own.
func (c *Counter) Release(n int64, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.resetIfStale()
	if cur != snap.WindowID {
		return
	}
	c.count -= n
	if c.count < 0 {
		c.count = 0
	}
}

// CommitDelta adjusts the counter by actual-estimated after reconciliation,
// using the same rollover guard as Release. A positive delta may push count
// above limit; that overrun is tolerated and reported elsewhere (via an
// overage callback), never retried or undone.
func (c *Counter) CommitDelta(delta int64, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.resetIfStale()
	if cur != snap.WindowID {
		return
	}
	c.count += delta
	if c.count < 0 {
		c.count = 0
	}
}

// Stats returns the counter's current state, resetting it first if its
// window has rolled.
func (c *Counter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.resetIfStale()
	return Stats{WindowID: cur, Count: c.count, Limit: c.limit}
}

// SetLimit hot-reconfigures the limit without disturbing the current count
// or window, so in-flight reservations remain valid.
func (c *Counter) SetLimit(newLimit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = newLimit
}

// Available returns how many more units could be reserved right now.
func (c *Counter) Available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetIfStale()
	avail := c.limit - c.count
	if avail < 0 {
		return 0
	}
	return avail
}
