package source

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"visionscan/internal/clock"
)

// Driver is the per-frame clock: it samples a source at a fixed interval
// and posts each frame onto the loop. At most one tick is queued at a time,
// so a busy loop skips frames instead of falling behind.
type Driver struct {
	loop     clock.Loop
	src      Source
	interval time.Duration
	onFrame  func(image.Image)
	logger   *slog.Logger

	queued  atomic.Bool
	ticks   atomic.Uint64
	skipped atomic.Uint64
}

// NewDriver creates a driver calling onFrame on the loop. interval defaults
// to 100ms.
func NewDriver(loop clock.Loop, src Source, interval time.Duration, onFrame func(image.Image), logger *slog.Logger) *Driver {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		loop:     loop,
		src:      src,
		interval: interval,
		onFrame:  onFrame,
		logger:   logger.With("component", "driver"),
	}
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Step()
		}
	}
}

// Step samples the source once and queues the frame. It reports whether a
// frame was queued.
func (d *Driver) Step() bool {
	frame, err := d.src.Frame()
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			d.logger.Warn("failed to read frame", "error", err)
		}
		return false
	}
	if !d.queued.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		return false
	}

	d.loop.Post(func() {
		d.queued.Store(false)
		d.ticks.Add(1)
		d.onFrame(frame)
	})
	return true
}

// Ticks returns the number of frames delivered to the loop.
func (d *Driver) Ticks() uint64 { return d.ticks.Load() }

// Skipped returns the number of frames dropped because a tick was pending.
func (d *Driver) Skipped() uint64 { return d.skipped.Load() }
