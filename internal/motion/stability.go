// Package motion decides when a live scene has stopped moving.
package motion

import (
	"image"

	"golang.org/x/image/draw"
)

const (
	DefaultStabilityThreshold = 20
	DefaultMotionThreshold    = 30.0
	DefaultSampleWidth        = 64
	DefaultSampleHeight       = 48
)

// Config holds the stability detector tuning.
type Config struct {
	// StabilityThreshold is the number of consecutive still ticks that make a scene stable.
	StabilityThreshold int
	// MotionThreshold is the per-pixel sum of R, G and B deltas at or above which a tick counts as motion.
	MotionThreshold float64
	SampleWidth     int
	SampleHeight    int
}

// DefaultConfig returns the reference tuning: 20 ticks, 30 delta units, 64×48 raster.
func DefaultConfig() Config {
	return Config{
		StabilityThreshold: DefaultStabilityThreshold,
		MotionThreshold:    DefaultMotionThreshold,
		SampleWidth:        DefaultSampleWidth,
		SampleHeight:       DefaultSampleHeight,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = d.StabilityThreshold
	}
	if c.MotionThreshold <= 0 {
		c.MotionThreshold = d.MotionThreshold
	}
	if c.SampleWidth <= 0 {
		c.SampleWidth = d.SampleWidth
	}
	if c.SampleHeight <= 0 {
		c.SampleHeight = d.SampleHeight
	}
	return c
}

// Reading is the outcome of observing one frame.
type Reading struct {
	// Primed is false for the first frame after a reset, which has nothing to compare against.
	Primed bool
	// AvgDiff is the mean per-pixel channel delta against the previous frame.
	AvgDiff float64
	// Progress is min(counter/threshold, 1).
	Progress float64
	// Stable is set exactly once per run of StabilityThreshold still ticks.
	Stable bool
	// Moved is set when AvgDiff reached the motion threshold.
	Moved bool
}

// Tracker keeps the previous downsampled frame and the consecutive-still counter.
// It is not safe for concurrent use; the orchestrator drives it from its loop.
type Tracker struct {
	cfg     Config
	sample  *image.RGBA
	prev    []uint8
	counter int
}

// NewTracker creates a stability tracker. Zero fields in cfg take defaults.
func NewTracker(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:    cfg,
		sample: image.NewRGBA(image.Rect(0, 0, cfg.SampleWidth, cfg.SampleHeight)),
	}
}

// Config returns the tracker's effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Counter returns the current consecutive-still tick count.
func (t *Tracker) Counter() int {
	return t.counter
}

// Progress returns min(counter/threshold, 1).
func (t *Tracker) Progress() float64 {
	p := float64(t.counter) / float64(t.cfg.StabilityThreshold)
	if p > 1 {
		return 1
	}
	return p
}

// Reset forgets the previous frame and zeroes the counter.
func (t *Tracker) Reset() {
	t.prev = nil
	t.counter = 0
}

// ResetCounter zeroes the counter but keeps the previous frame, so the next
// tick still measures motion.
func (t *Tracker) ResetCounter() {
	t.counter = 0
}

// Pin sets the counter to the threshold, as held during a duplicate pause.
func (t *Tracker) Pin() {
	t.counter = t.cfg.StabilityThreshold
}

// Observe downsamples frame, compares it against the previous one and
// advances the counter. With pinned set (duplicate-pause) the counter holds
// at the threshold and Stable never fires.
func (t *Tracker) Observe(frame image.Image, pinned bool) Reading {
	draw.ApproxBiLinear.Scale(t.sample, t.sample.Bounds(), frame, frame.Bounds(), draw.Src, nil)

	if t.prev == nil {
		t.prev = make([]uint8, len(t.sample.Pix))
		copy(t.prev, t.sample.Pix)
		return Reading{Progress: t.Progress()}
	}

	avg := meanChannelDelta(t.prev, t.sample.Pix)
	copy(t.prev, t.sample.Pix)

	r := Reading{Primed: true, AvgDiff: avg}
	if avg >= t.cfg.MotionThreshold {
		t.counter = 0
		r.Moved = true
		return r
	}

	t.counter++
	if t.counter >= t.cfg.StabilityThreshold {
		r.Progress = 1
		if pinned {
			t.counter = t.cfg.StabilityThreshold
			return r
		}
		r.Stable = true
		t.counter = 0
		return r
	}
	r.Progress = t.Progress()
	return r
}

// meanChannelDelta sums |ΔR|+|ΔG|+|ΔB| over RGBA pixel buffers of equal size
// and divides by the pixel count. Alpha is ignored.
func meanChannelDelta(a, b []uint8) float64 {
	var total int
	pixels := len(a) / 4
	for i := 0; i+3 < len(a); i += 4 {
		total += absDiff(a[i], b[i]) + absDiff(a[i+1], b[i+1]) + absDiff(a[i+2], b[i+2])
	}
	if pixels == 0 {
		return 0
	}
	return float64(total) / float64(pixels)
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
