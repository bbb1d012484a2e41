package analyzer

import (
	"fmt"
	"strings"
	"unicode"
)

// Mode selects the kind of analysis the backend runs.
type Mode string

const (
	ModeText     Mode = "text"
	ModeObject   Mode = "object"
	ModeLabel    Mode = "label"
	ModeFace     Mode = "face"
	ModeLogo     Mode = "logo"
	ModeClassify Mode = "classify"
	ModeWeb      Mode = "web"
)

// Modes lists every supported mode in display order.
var Modes = []Mode{ModeText, ModeObject, ModeLabel, ModeFace, ModeLogo, ModeClassify, ModeWeb}

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) String() string { return string(m) }

// MaxHintRunes bounds the context hint sent with a request.
const MaxHintRunes = 200

// SanitizeHint drops non-printable runes, trims and truncates to MaxHintRunes.
func SanitizeHint(hint string) string {
	var b strings.Builder
	for _, r := range hint {
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	out := []rune(strings.TrimSpace(b.String()))
	if len(out) > MaxHintRunes {
		out = out[:MaxHintRunes]
	}
	return string(out)
}

// Request is the body of POST /api/analyze.
type Request struct {
	Image string `json:"image"`
	Mode  Mode   `json:"mode"`
	Hint  string `json:"hint,omitempty"`
}

// Item is one detected entry. Bounds is a polygon of [x, y] vertices.
type Item struct {
	Label  string      `json:"label"`
	Bounds [][]float64 `json:"bounds,omitempty"`
	Score  *float64    `json:"score,omitempty"`
}

// WebEntity is a related entity in web-search mode.
type WebEntity struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// WebDetail carries the structured web-search result.
type WebDetail struct {
	BestGuess   string      `json:"best_guess"`
	Entities    []WebEntity `json:"entities,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Limit types reported with a 429.
const (
	LimitMinute = "minute"
	LimitDaily  = "daily"
)

// Response is the success or failure envelope returned by the backend.
type Response struct {
	OK         bool    `json:"ok"`
	Data       []Item  `json:"data"`
	ImageSize  []int   `json:"image_size"`
	ErrorCode  *string `json:"error_code"`
	Message    *string `json:"message"`
	RequestID  string  `json:"request_id"`
	RetryAfter *int    `json:"retry_after"`
	LimitType  string  `json:"limit_type,omitempty"`

	LabelDetected *bool      `json:"label_detected,omitempty"`
	LabelReason   string     `json:"label_reason,omitempty"`
	WebDetail     *WebDetail `json:"web_detail,omitempty"`
}

// Labels returns the item labels in response order.
func (r *Response) Labels() []string {
	out := make([]string, 0, len(r.Data))
	for _, it := range r.Data {
		out = append(out, it.Label)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
