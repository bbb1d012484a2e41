// Package fingerprint derives a semantic signature from an analysis result
// and counts consecutive repeats of it.
package fingerprint

import (
	"sort"
	"strconv"
	"strings"

	regexp "github.com/wasilibs/go-re2"

	"visionscan/internal/analyzer"
)

const (
	DefaultThreshold = 2
	MinThreshold     = 1
	MaxThreshold     = 5
)

// confidenceSuffix matches a trailing "- 93%" or "93%".
var confidenceSuffix = regexp.MustCompile(`\s*-?\s*\d+%\s*$`)

// StripConfidence removes a trailing confidence percentage from label.
func StripConfidence(label string) string {
	return strings.TrimSpace(confidenceSuffix.ReplaceAllString(label, ""))
}

// Of computes the fingerprint of resp under mode. ok is false when the
// result has nothing to compare, which never counts as a repeat.
func Of(mode analyzer.Mode, resp *analyzer.Response) (fp string, ok bool) {
	if resp == nil {
		return "", false
	}
	switch mode {
	case analyzer.ModeWeb:
		if resp.WebDetail == nil || resp.WebDetail.BestGuess == "" {
			return "", false
		}
		return resp.WebDetail.BestGuess, true
	case analyzer.ModeLabel:
		if resp.LabelDetected == nil {
			return "", false
		}
		return strconv.FormatBool(*resp.LabelDetected) + ":" + resp.LabelReason, true
	default:
		if len(resp.Data) == 0 {
			return "", false
		}
		labels := make([]string, 0, len(resp.Data))
		for _, it := range resp.Data {
			labels = append(labels, strings.ToLower(StripConfidence(it.Label)))
		}
		sort.Strings(labels)
		return "n" + strconv.Itoa(len(labels)) + ":" + strings.Join(labels, "|"), true
	}
}

// ClampThreshold bounds t to [MinThreshold, MaxThreshold].
func ClampThreshold(t int) int {
	if t < MinThreshold {
		return MinThreshold
	}
	if t > MaxThreshold {
		return MaxThreshold
	}
	return t
}

// Tracker counts consecutive identical fingerprints.
type Tracker struct {
	threshold int
	last      string
	hasLast   bool
	count     int
}

// NewTracker creates a tracker with the clamped threshold.
func NewTracker(threshold int) *Tracker {
	return &Tracker{threshold: ClampThreshold(threshold)}
}

// Observe records one successful result and reports whether the repeat
// count reached the threshold.
func (t *Tracker) Observe(fp string, ok bool) (pause bool) {
	switch {
	case !ok:
		t.last, t.hasLast, t.count = "", false, 0
		return false
	case t.hasLast && fp == t.last:
		t.count++
	default:
		t.last, t.hasLast, t.count = fp, true, 1
	}
	return t.count >= t.threshold
}

// Count returns the current repeat count.
func (t *Tracker) Count() int { return t.count }

// Threshold returns the pause threshold.
func (t *Tracker) Threshold() int { return t.threshold }

// SetThreshold changes the threshold, clamped to [MinThreshold, MaxThreshold].
func (t *Tracker) SetThreshold(threshold int) {
	t.threshold = ClampThreshold(threshold)
}

// Last returns the stored fingerprint.
func (t *Tracker) Last() (string, bool) { return t.last, t.hasLast }

// Reset forgets the stored fingerprint and count. Fingerprints from
// different modes are not comparable, so a mode change calls this.
func (t *Tracker) Reset() {
	t.last, t.hasLast, t.count = "", false, 0
}
