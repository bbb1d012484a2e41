package scan

import (
	"sync"
	"time"

	"visionscan/internal/analyzer"
	"visionscan/internal/cooldown"
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventStateChanged      EventKind = "state"
	EventStabilityProgress EventKind = "progress"
	EventDuplicateCount    EventKind = "duplicate"
	EventStatus            EventKind = "status"
	EventCooldownTick      EventKind = "cooldown"
	EventResult            EventKind = "result"
)

// StatusCode keys a status text to the transition edge that produced it.
type StatusCode string

const (
	StatusScanning         StatusCode = "scanning"
	StatusAnalyzing        StatusCode = "analyzing"
	StatusSkippedUnchanged StatusCode = "skipped_unchanged"
	StatusDone             StatusCode = "done"
	StatusDuplicatePaused  StatusCode = "duplicate_paused"
	StatusMotionResumed    StatusCode = "motion_resumed"
	StatusModeChanged      StatusCode = "mode_changed"
	StatusRetryScheduled   StatusCode = "retry_scheduled"
	StatusRetryResumed     StatusCode = "retry_resumed"
	StatusFailed           StatusCode = "failed"
	StatusRejected         StatusCode = "rejected"
	StatusCooldown         StatusCode = "cooldown"
	StatusCooldownDone     StatusCode = "cooldown_done"
	StatusStartDeferred    StatusCode = "start_deferred"
	StatusDailyLimit       StatusCode = "daily_limit"
	StatusStopped          StatusCode = "stopped"
)

// Status is a textual status update.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message"`
	// ErrorCode is the backend error code for rejections.
	ErrorCode string `json:"error_code,omitempty"`
}

// Result describes one successful analysis.
type Result struct {
	SessionID   string             `json:"session_id"`
	Mode        analyzer.Mode      `json:"mode"`
	Response    *analyzer.Response `json:"response"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Repeats     int                `json:"repeats"`
}

// StateChange is a committed transition.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Event is one notification from the orchestrator. Only the fields for Kind
// are set.
type Event struct {
	Kind EventKind `json:"kind"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`

	Change *StateChange `json:"change,omitempty"`

	Progress float64 `json:"progress"`

	Count     int `json:"count"`
	Threshold int `json:"threshold,omitempty"`

	Status   *Status            `json:"status,omitempty"`
	Cooldown *cooldown.Snapshot `json:"cooldown,omitempty"`
	Result   *Result            `json:"result,omitempty"`
}

// Handler receives events synchronously, in commit order.
type Handler interface {
	OnScanEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) OnScanEvent(e Event) { f(e) }

// Notifier fans events out to subscribers. Delivery is synchronous and
// follows subscription order so no subscriber ever sees events reordered.
type Notifier struct {
	mu   sync.RWMutex
	subs []*subscription
	seq  uint64
}

type subscription struct {
	handler Handler
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers h and returns an unsubscribe function.
func (n *Notifier) Subscribe(h Handler) func() {
	sub := &subscription{handler: h}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s == sub {
				n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps e with the next sequence number and delivers it.
func (n *Notifier) Publish(e Event) {
	n.mu.Lock()
	n.seq++
	e.Seq = n.seq
	subs := append([]*subscription(nil), n.subs...)
	n.mu.Unlock()

	for _, s := range subs {
		s.handler.OnScanEvent(e)
	}
}

// SubscriberCount returns the number of active subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
