// Package cooldown models externally imposed quota pauses: a per-second
// countdown for short-window rejections and a session lock for long-window
// ones.
package cooldown

import (
	"time"
)

const (
	// Tick is the fixed countdown granularity.
	Tick = time.Second

	// DefaultSeconds is used when the server gave no usable retry hint.
	DefaultSeconds = 30
	// MaxSeconds caps server retry hints.
	MaxSeconds = 300
)

// Snapshot is the observable countdown state.
type Snapshot struct {
	Active    bool    `json:"active"`
	Remaining int     `json:"remaining"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`
	// Deferred is set when a start was requested during the countdown.
	Deferred bool `json:"deferred"`
}

// Countdown tracks one cooldown. The zero value is inactive.
type Countdown struct {
	remaining int
	total     int
	active    bool
	deferred  bool
}

// NormalizeSeconds applies the fallback and cap to a server retry hint.
func NormalizeSeconds(retryAfter int) int {
	if retryAfter <= 0 {
		return DefaultSeconds
	}
	if retryAfter > MaxSeconds {
		return MaxSeconds
	}
	return retryAfter
}

// Begin starts a countdown of retryAfter seconds, normalized.
func (c *Countdown) Begin(retryAfter int) {
	s := NormalizeSeconds(retryAfter)
	c.remaining = s
	c.total = s
	c.active = true
	c.deferred = false
}

// Step consumes one tick and reports whether the countdown reached zero.
func (c *Countdown) Step() (done bool) {
	if !c.active {
		return false
	}
	if c.remaining > 0 {
		c.remaining--
	}
	return c.remaining == 0
}

// Defer records a start request made during the countdown.
func (c *Countdown) Defer() {
	if c.active {
		c.deferred = true
	}
}

// Clear ends the countdown and reports whether a start was deferred.
func (c *Countdown) Clear() (deferred bool) {
	deferred = c.deferred
	*c = Countdown{}
	return deferred
}

// Active reports whether a countdown is running.
func (c *Countdown) Active() bool { return c.active }

// Snapshot returns the current state. Progress is remaining/total.
func (c *Countdown) Snapshot() Snapshot {
	s := Snapshot{
		Active:    c.active,
		Remaining: c.remaining,
		Total:     c.total,
		Deferred:  c.deferred,
	}
	if c.total > 0 {
		s.Progress = float64(c.remaining) / float64(c.total)
	}
	return s
}

// DailyLock disables starting for the rest of the quota day. It never
// changes scan state and has no countdown.
type DailyLock struct {
	until time.Time
}

// Engage locks until the next local midnight after now.
func (l *DailyLock) Engage(now time.Time) {
	l.until = NextLocalMidnight(now)
}

// Locked reports whether the lock holds at now.
func (l *DailyLock) Locked(now time.Time) bool {
	return !l.until.IsZero() && now.Before(l.until)
}

// Until returns when the lock lifts, or the zero time.
func (l *DailyLock) Until() time.Time { return l.until }

// NextLocalMidnight returns the first midnight strictly after t in t's location.
func NextLocalMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
