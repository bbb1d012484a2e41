package clock

import (
	"sync"
	"time"
)

// Manual is a deterministic Loop for tests. Time only moves through Advance,
// posted callbacks run on RunPending or Advance, and Go runs work inline.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
	posted []func()
}

// NewManual creates a manual loop starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	due   time.Time
	seq   uint64
	fn    func()
	state int32
	m     *Manual
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.state != timerPending {
		return false
	}
	t.state = timerStopped
	return true
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{due: m.now.Add(d), seq: m.seq, fn: fn, m: m}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

func (m *Manual) Go(fn func()) {
	fn()
}

// RunPending runs posted callbacks, including ones posted while draining.
func (m *Manual) RunPending() {
	for {
		m.mu.Lock()
		if len(m.posted) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves time forward by d, firing due timers in deadline order and
// draining posted callbacks after each one.
func (m *Manual) Advance(d time.Duration) {
	m.RunPending()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		next.fn()
		m.RunPending()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *manualTimer
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.state != timerPending {
			continue
		}
		live = append(live, t)
		if t.due.After(target) {
			continue
		}
		if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.seq < next.seq) {
			next = t
		}
	}
	m.timers = live

	if next != nil {
		next.state = timerFired
		if next.due.After(m.now) {
			m.now = next.due
		}
	}
	return next
}

// ActiveTimers reports how many timers are still pending.
func (m *Manual) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if t.state == timerPending {
			n++
		}
	}
	return n
}
