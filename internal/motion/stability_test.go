package motion

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 128, 96))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestFirstFrameOnlyPrimes(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	r := tr.Observe(solid(color.RGBA{10, 10, 10, 255}), false)
	assert.False(t, r.Primed)
	assert.False(t, r.Stable)
	assert.Equal(t, 0, tr.Counter())
}

func TestStableFiresOnceAtThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	frame := solid(color.RGBA{100, 120, 140, 255})
	tr.Observe(frame, false)

	stableAt := []int{}
	for pair := 1; pair <= 39; pair++ {
		r := tr.Observe(frame, false)
		require.True(t, r.Primed)
		if r.Stable {
			stableAt = append(stableAt, pair)
			assert.Equal(t, 1.0, r.Progress)
			assert.Equal(t, 0, tr.Counter(), "counter resets right after the stable event")
		}
	}
	assert.Equal(t, []int{20}, stableAt)
}

func TestProgressRamps(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	frame := solid(color.RGBA{50, 50, 50, 255})
	tr.Observe(frame, false)

	r := tr.Observe(frame, false)
	assert.InDelta(t, 0.05, r.Progress, 1e-9)
	for i := 0; i < 9; i++ {
		r = tr.Observe(frame, false)
	}
	assert.InDelta(t, 0.5, r.Progress, 1e-9)
}

func TestMotionResetsCounter(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	dark := solid(color.RGBA{0, 0, 0, 255})
	bright := solid(color.RGBA{20, 20, 20, 255})

	tr.Observe(dark, false)
	for i := 0; i < 5; i++ {
		tr.Observe(dark, false)
	}
	require.Equal(t, 5, tr.Counter())

	// 20 per channel over three channels = 60 >= 30.
	r := tr.Observe(bright, false)
	assert.True(t, r.Moved)
	assert.InDelta(t, 60.0, r.AvgDiff, 1e-9)
	assert.Equal(t, 0, tr.Counter())
	assert.Equal(t, 0.0, r.Progress)
}

func TestSmallChangeCountsAsStill(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Observe(solid(color.RGBA{0, 0, 0, 255}), false)

	// 9 per channel = 27 < 30.
	r := tr.Observe(solid(color.RGBA{9, 9, 9, 255}), false)
	assert.False(t, r.Moved)
	assert.InDelta(t, 27.0, r.AvgDiff, 1e-9)
	assert.Equal(t, 1, tr.Counter())
}

func TestPinnedHoldsAtThresholdWithoutEvent(t *testing.T) {
	tr := NewTracker(Config{StabilityThreshold: 3})
	frame := solid(color.RGBA{1, 2, 3, 255})
	tr.Observe(frame, true)

	for i := 0; i < 10; i++ {
		r := tr.Observe(frame, true)
		assert.False(t, r.Stable)
	}
	assert.Equal(t, 3, tr.Counter())
	assert.Equal(t, 1.0, tr.Progress())
}

func TestResetForgetsPreviousFrame(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	frame := solid(color.RGBA{1, 2, 3, 255})
	tr.Observe(frame, false)
	tr.Observe(frame, false)
	tr.Reset()

	assert.Equal(t, 0, tr.Counter())
	r := tr.Observe(frame, false)
	assert.False(t, r.Primed)
}

func TestPinHoldsFullProgress(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	frame := solid(color.RGBA{9, 9, 9, 255})
	tr.Observe(frame, true)
	tr.Pin()
	assert.Equal(t, 1.0, tr.Progress())

	r := tr.Observe(frame, true)
	assert.False(t, r.Stable)
	assert.Equal(t, 1.0, r.Progress)
	assert.Equal(t, DefaultStabilityThreshold, tr.Counter())

	r = tr.Observe(solid(color.RGBA{200, 200, 200, 255}), true)
	assert.True(t, r.Moved)
	assert.Equal(t, 0, tr.Counter())
}
