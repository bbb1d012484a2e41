package ws

import (
	"time"

	"visionscan/internal/analyzer"
	"visionscan/internal/cooldown"
	"visionscan/internal/scan"
)

// Message types pushed to UI clients.
const (
	TypeState     = "state"
	TypeProgress  = "progress"
	TypeDuplicate = "duplicate"
	TypeStatus    = "status"
	TypeCooldown  = "cooldown"
	TypeResult    = "result"
)

// Message is one UI update. Only the fields for Type are set.
type Message struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	From  string `json:"from,omitempty"`
	State string `json:"state,omitempty"`

	Progress *float64 `json:"progress,omitempty"`

	Count     *int `json:"count,omitempty"`
	Threshold int  `json:"threshold,omitempty"`

	Status *scan.Status `json:"status,omitempty"`

	Cooldown *cooldown.Snapshot `json:"cooldown,omitempty"`

	Result *ResultPayload `json:"result,omitempty"`
}

// ResultPayload is the renderable part of a successful analysis.
type ResultPayload struct {
	Mode          analyzer.Mode       `json:"mode"`
	RequestID     string              `json:"request_id,omitempty"`
	Items         []analyzer.Item     `json:"items"`
	ImageSize     []int               `json:"image_size,omitempty"`
	LabelDetected *bool               `json:"label_detected,omitempty"`
	LabelReason   string              `json:"label_reason,omitempty"`
	WebDetail     *analyzer.WebDetail `json:"web_detail,omitempty"`
	Repeats       int                 `json:"repeats"`
}

// NewMessage converts an orchestrator event. It returns nil for events
// with nothing to show.
func NewMessage(e scan.Event) *Message {
	m := &Message{Seq: e.Seq, Timestamp: e.Time}

	switch e.Kind {
	case scan.EventStateChanged:
		if e.Change == nil {
			return nil
		}
		m.Type = TypeState
		m.From = e.Change.From.String()
		m.State = e.Change.To.String()
	case scan.EventStabilityProgress:
		p := e.Progress
		m.Type = TypeProgress
		m.Progress = &p
	case scan.EventDuplicateCount:
		c := e.Count
		m.Type = TypeDuplicate
		m.Count = &c
		m.Threshold = e.Threshold
	case scan.EventStatus:
		m.Type = TypeStatus
		m.Status = e.Status
	case scan.EventCooldownTick:
		m.Type = TypeCooldown
		m.Cooldown = e.Cooldown
	case scan.EventResult:
		if e.Result == nil || e.Result.Response == nil {
			return nil
		}
		r := e.Result.Response
		items := r.Data
		if items == nil {
			items = []analyzer.Item{}
		}
		m.Type = TypeResult
		m.Result = &ResultPayload{
			Mode:          e.Result.Mode,
			RequestID:     r.RequestID,
			Items:         items,
			ImageSize:     r.ImageSize,
			LabelDetected: r.LabelDetected,
			LabelReason:   r.LabelReason,
			WebDetail:     r.WebDetail,
			Repeats:       e.Result.Repeats,
		}
	default:
		return nil
	}
	return m
}

// Command is a control request sent by a UI client.
type Command struct {
	Action    string `json:"action"` // start, stop, mode, hint, threshold, network
	Mode      string `json:"mode,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Threshold int    `json:"threshold,omitempty"`

	EffectiveType string `json:"effective_type,omitempty"`
	SaveData      bool   `json:"save_data,omitempty"`
}
