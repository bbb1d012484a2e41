package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"visionscan/internal/scan"
)

// CameraConfig describes a live capture device.
type CameraConfig struct {
	// Device is a V4L2 path, an rtsp:// or http(s):// stream, or an http(s)
	// snapshot URL ending in .jpg/.jpeg.
	Device string
	FPS    int
	Width  int
	Height int
	// FFmpegPath defaults to "ffmpeg" on PATH.
	FFmpegPath string
}

// CaptureStats counts camera activity.
type CaptureStats struct {
	FramesCaptured uint64    `json:"frames_captured"`
	DecodeErrors   uint64    `json:"decode_errors"`
	Restarts       uint64    `json:"restarts"`
	LastFrameTime  time.Time `json:"last_frame_time"`
}

// Camera keeps the most recent frame decoded from a live device.
type Camera struct {
	cfg    CameraConfig
	logger *slog.Logger
	client *http.Client

	mu     sync.RWMutex
	latest image.Image
	stats  CaptureStats

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	restartPolicy func() backoff.BackOff
}

func defaultRestartPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NewCamera creates a camera. Call Start to begin capturing.
func NewCamera(cfg CameraConfig, logger *slog.Logger) *Camera {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{
		cfg:    cfg,
		logger: logger.With("component", "camera", "device", cfg.Device),
		client: &http.Client{Timeout: 10 * time.Second},

		restartPolicy: defaultRestartPolicy,
	}
}

func (c *Camera) Kind() scan.SourceKind { return scan.SourceCamera }

// Start launches capture in the background. The capture process is
// restarted with exponential backoff until ctx ends or Close is called.
func (c *Camera) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("camera %s already started", c.cfg.Device)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)
	c.logger.Info("started capture", "fps", c.cfg.FPS)
	return nil
}

func (c *Camera) run(ctx context.Context) {
	defer close(c.done)
	defer c.running.Store(false)

	op := func() error {
		var err error
		if isSnapshotURL(c.cfg.Device) {
			err = c.pollSnapshots(ctx)
		} else {
			err = c.captureFFmpeg(ctx)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("capture ended")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.mu.Lock()
		c.stats.Restarts++
		c.mu.Unlock()
		c.logger.Warn("capture stopped, restarting", "error", err, "wait", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.restartPolicy(), ctx), notify)
	if err != nil && ctx.Err() == nil {
		c.logger.Error("capture gave up", "error", err)
	}
}

// Frame returns the most recent frame.
func (c *Camera) Frame() (image.Image, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil, ErrNoFrame
	}
	return c.latest, nil
}

// Stats returns a copy of the capture counters.
func (c *Camera) Stats() CaptureStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close stops capture and waits for it to exit.
func (c *Camera) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.logger.Info("stopped capture")
	return nil
}

func (c *Camera) publish(data []byte) {
	img, _, err := image.Decode(bytes.NewReader(data))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.DecodeErrors++
		return
	}
	c.latest = img
	c.stats.FramesCaptured++
	c.stats.LastFrameTime = time.Now()
}

func isSnapshotURL(device string) bool {
	if !strings.HasPrefix(device, "http://") && !strings.HasPrefix(device, "https://") {
		return false
	}
	return strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "snapshot")
}

func (c *Camera) pollSnapshots(ctx context.Context) error {
	interval := time.Second / time.Duration(c.cfg.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			data, err := c.fetchSnapshot(ctx)
			if err != nil {
				failures++
				c.logger.Debug("snapshot failed", "error", err)
				if failures >= 5 {
					return fmt.Errorf("snapshot endpoint unavailable: %w", err)
				}
				continue
			}
			failures = 0
			c.publish(data)
		}
	}
}

func (c *Camera) fetchSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Device, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Camera) ffmpegArgs() []string {
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}
	rate := fmt.Sprintf("%d", c.cfg.FPS)

	switch {
	case strings.HasPrefix(c.cfg.Device, "rtsp://"):
		return append([]string{"-rtsp_transport", "tcp", "-i", c.cfg.Device, "-r", rate}, out...)
	case strings.HasPrefix(c.cfg.Device, "http://"), strings.HasPrefix(c.cfg.Device, "https://"):
		return append([]string{"-i", c.cfg.Device, "-r", rate}, out...)
	default:
		return append([]string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
			"-framerate", rate,
			"-i", c.cfg.Device,
		}, out...)
	}
}

func (c *Camera) captureFFmpeg(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, c.ffmpegArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.logger.Debug("ffmpeg", "line", scanner.Text())
		}
	}()

	readErr := c.readMJPEG(stdout)
	waitErr := cmd.Wait()
	if readErr != nil {
		return readErr
	}
	return waitErr
}

// readMJPEG splits a concatenated JPEG stream and publishes each frame.
func (c *Camera) readMJPEG(r io.Reader) error {
	buf := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for {
			var frame []byte
			frame, buf = nextJPEG(buf)
			if frame == nil {
				break
			}
			c.publish(frame)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
	}
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// maxPending bounds the bytes kept while waiting for an end marker.
const maxPending = 10 * 1024 * 1024

// nextJPEG extracts the first complete JPEG from buf and returns it with the
// remaining bytes. Garbage before a start marker is discarded.
func nextJPEG(buf []byte) (frame, rest []byte) {
	start := bytes.Index(buf, jpegStart)
	if start < 0 {
		if len(buf) > 0 && buf[len(buf)-1] == 0xFF {
			return nil, buf[len(buf)-1:]
		}
		return nil, buf[:0]
	}
	end := bytes.Index(buf[start+2:], jpegEnd)
	if end < 0 {
		if len(buf)-start > maxPending {
			return nil, buf[:0]
		}
		return nil, buf[start:]
	}
	end += start + 4

	frame = make([]byte, end-start)
	copy(frame, buf[start:end])
	rest = append(buf[:0], buf[end:]...)
	return frame, rest
}
