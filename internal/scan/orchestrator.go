// Package scan decides when a frame is worth sending for analysis and
// manages the session lifecycle around that decision: stability gating,
// visual and result deduplication, transient-failure retries and quota
// cooldowns.
package scan

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"visionscan/internal/analyzer"
	"visionscan/internal/clock"
	"visionscan/internal/cooldown"
	"visionscan/internal/fingerprint"
	"visionscan/internal/imaging"
	"visionscan/internal/motion"
	"visionscan/internal/phash"
	"visionscan/internal/retry"
)

var (
	// ErrQuotaExhausted is returned by Start while the daily quota lock holds.
	ErrQuotaExhausted = errors.New("daily analysis quota exhausted")
	// ErrNotIdle is returned by Start while a scan is already running.
	ErrNotIdle = errors.New("scan already running")
	// ErrInvalidMode is returned for an unknown analysis mode.
	ErrInvalidMode = analyzer.ErrInvalidMode
)

// DefaultPausedTickDivisor runs the stability detector on one tick in this
// many while paused for duplicates.
const DefaultPausedTickDivisor = 15

// SourceKind tells the orchestrator whether frames come from a live camera
// or a static image.
type SourceKind string

const (
	SourceCamera SourceKind = "camera"
	SourceStill  SourceKind = "still"
)

// TimerKind names the single timer an orchestrator may hold.
type TimerKind int

const (
	TimerNone TimerKind = iota
	TimerRetry
	TimerCooldown
	TimerPostCapture
)

func (k TimerKind) String() string {
	switch k {
	case TimerRetry:
		return "retry"
	case TimerCooldown:
		return "cooldown"
	case TimerPostCapture:
		return "post_capture"
	default:
		return "none"
	}
}

// Analyzer submits one prepared frame.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (*analyzer.Response, error)
}

// Config holds the orchestrator tuning.
type Config struct {
	Stability           motion.Config
	DuplicateThreshold  int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	ContinuousDelay     time.Duration
	Profiles            map[string]imaging.Profile
	Region              imaging.Region
	SimilarityThreshold float64
	HashGridSize        int
	PausedTickDivisor   int
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		Stability:           motion.DefaultConfig(),
		DuplicateThreshold:  fingerprint.DefaultThreshold,
		RetryBaseDelay:      retry.DefaultBaseDelay,
		RetryMaxDelay:       retry.DefaultMaxDelay,
		ContinuousDelay:     1500 * time.Millisecond,
		Profiles:            imaging.DefaultProfiles(),
		Region:              imaging.FullFrame,
		SimilarityThreshold: phash.DefaultSimilarityThreshold,
		HashGridSize:        phash.DefaultGridSize,
		PausedTickDivisor:   DefaultPausedTickDivisor,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMode sets the initial analysis mode.
func WithMode(m analyzer.Mode) Option {
	return func(o *Orchestrator) { o.mode = m }
}

// WithSource sets the initial source kind and continuous flag.
func WithSource(kind SourceKind, continuous bool) Option {
	return func(o *Orchestrator) {
		o.source = kind
		o.continuous = continuous
	}
}

// Orchestrator owns one scan session. Every method must be called on the
// loop it was created with.
type Orchestrator struct {
	cfg      Config
	loop     clock.Loop
	analyzer Analyzer
	logger   *slog.Logger

	machine   *Machine
	notifier  *Notifier
	stability *motion.Tracker
	visual    *phash.Deduplicator
	results   *fingerprint.Tracker
	backoff   *retry.Policy
	countdown cooldown.Countdown
	daily     cooldown.DailyLock

	mode       analyzer.Mode
	source     SourceKind
	continuous bool
	hint       string
	network    imaging.NetworkInfo

	timer     clock.Timer
	timerKind TimerKind

	pendingDuplicate bool
	pausedTicks      int
	lastFrame        image.Image

	generation uint64
	cancel     context.CancelFunc
	sessionID  string
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(cfg Config, loop clock.Loop, a Analyzer, opts ...Option) *Orchestrator {
	if cfg.Profiles == nil {
		cfg.Profiles = imaging.DefaultProfiles()
	}
	if cfg.Region == (imaging.Region{}) {
		cfg.Region = imaging.FullFrame
	}
	if cfg.PausedTickDivisor <= 0 {
		cfg.PausedTickDivisor = DefaultPausedTickDivisor
	}

	o := &Orchestrator{
		cfg:        cfg,
		loop:       loop,
		analyzer:   a,
		logger:     slog.Default(),
		notifier:   NewNotifier(),
		stability:  motion.NewTracker(cfg.Stability),
		visual:     phash.NewDeduplicator(cfg.HashGridSize, cfg.SimilarityThreshold),
		results:    fingerprint.NewTracker(cfg.DuplicateThreshold),
		backoff:    retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		mode:       analyzer.ModeText,
		source:     SourceCamera,
		continuous: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "scan")
	o.machine = NewMachine(
		WithNotifier(o.notifier),
		WithMachineLogger(o.logger),
		WithClock(loop.Now),
	)
	return o
}

// Subscribe registers h for every orchestrator event.
func (o *Orchestrator) Subscribe(h Handler) func() { return o.notifier.Subscribe(h) }

// State returns the current scan state.
func (o *Orchestrator) State() State { return o.machine.State() }

// ActiveTimer returns the kind of the pending timer, or TimerNone.
func (o *Orchestrator) ActiveTimer() TimerKind { return o.timerKind }

// Cooldown returns the countdown snapshot.
func (o *Orchestrator) Cooldown() cooldown.Snapshot { return o.countdown.Snapshot() }

// ConsecutiveErrors returns the transient failure count since the last success.
func (o *Orchestrator) ConsecutiveErrors() int { return o.backoff.Failures() }

// QuotaLocked reports whether the daily quota lock holds.
func (o *Orchestrator) QuotaLocked() bool { return o.daily.Locked(o.loop.Now()) }

// DuplicateCount returns the current result repeat count.
func (o *Orchestrator) DuplicateCount() int { return o.results.Count() }

// Mode returns the analysis mode.
func (o *Orchestrator) Mode() analyzer.Mode { return o.mode }

// SessionID returns the id of the current or last session.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Start handles a user start request.
func (o *Orchestrator) Start() error {
	if o.daily.Locked(o.loop.Now()) {
		o.status(StatusDailyLimit, "daily analysis limit reached", "")
		return ErrQuotaExhausted
	}

	switch o.State() {
	case StateCooldown:
		o.countdown.Defer()
		o.status(StatusStartDeferred, "scan will start when the cooldown ends", "")
		return nil
	case StateScanning, StateAnalyzing:
		return ErrNotIdle
	case StatePausedError, StatePausedDuplicate:
		o.cancelTimer()
	}

	o.stability.Reset()
	if o.State() == StateIdle {
		o.sessionID = uuid.NewString()
		o.logger.Info("scan session started", "session", o.sessionID, "mode", o.mode, "source", o.source)
	}
	o.enterScanning(StatusScanning, "scanning")

	if o.source == SourceStill && o.lastFrame != nil {
		o.capture(o.lastFrame)
	}
	return nil
}

// Stop is the user stop request. It is ForceStop.
func (o *Orchestrator) Stop() { o.ForceStop() }

// ForceStop returns to IDLE from any state, cancels every pending timer and
// in-flight request, and resets the per-session counters. Calling it while
// idle only repeats the cleanup.
func (o *Orchestrator) ForceStop() {
	o.cancelTimer()
	o.cancelInflight()
	o.countdown.Clear()
	o.pendingDuplicate = false
	o.pausedTicks = 0
	o.stability.Reset()
	o.backoff.Reset()

	hadRepeats := o.results.Count() > 0
	o.results.Reset()

	if o.machine.forceIdle() {
		if hadRepeats {
			o.publishDuplicateCount()
		}
		o.publishProgress(0)
		o.status(StatusStopped, "stopped", "")
		o.logger.Info("scan session stopped", "session", o.sessionID)
	}
}

// Tick is one per-frame clock tick.
func (o *Orchestrator) Tick(frame image.Image) {
	if frame == nil {
		return
	}
	o.lastFrame = frame

	switch o.State() {
	case StateScanning:
		if o.source == SourceStill {
			o.capture(frame)
			return
		}
		if o.timerKind == TimerPostCapture {
			return
		}
		r := o.stability.Observe(frame, false)
		if !r.Primed {
			return
		}
		if r.Moved {
			o.onMotion()
		}
		o.publishProgress(r.Progress)
		if r.Stable {
			o.capture(frame)
		}

	case StatePausedDuplicate:
		o.pausedTicks++
		if o.pausedTicks%o.cfg.PausedTickDivisor != 0 {
			return
		}
		r := o.stability.Observe(frame, true)
		if !r.Primed {
			return
		}
		if r.Moved {
			o.onMotion()
			return
		}
		o.publishProgress(r.Progress)
	}
}

// onMotion clears duplicate bookkeeping. Motion is the exit condition for a
// duplicate pause.
func (o *Orchestrator) onMotion() {
	if o.results.Count() > 0 {
		o.results.Reset()
		o.publishDuplicateCount()
	}
	if o.State() == StatePausedDuplicate {
		o.enterScanning(StatusMotionResumed, "motion detected, scanning resumed")
	}
}

// SetMode switches the analysis mode. Result fingerprints from different
// modes are not comparable, so duplicate state is cleared and a request
// still in flight for the old mode is cancelled.
func (o *Orchestrator) SetMode(mode analyzer.Mode) error {
	m, err := analyzer.ParseMode(string(mode))
	if err != nil {
		return err
	}
	if m == o.mode {
		return nil
	}
	o.mode = m
	if o.State() == StateAnalyzing {
		o.cancelInflight()
	}
	o.results.Reset()
	o.visual.Reset()
	o.pendingDuplicate = false
	o.stability.Reset()
	o.publishDuplicateCount()

	switch o.State() {
	case StatePausedDuplicate:
		o.enterScanning(StatusModeChanged, fmt.Sprintf("mode changed to %s", m))
	case StateAnalyzing:
		o.enterScanning(StatusModeChanged, fmt.Sprintf("mode changed to %s", m))
		if o.source == SourceStill && o.lastFrame != nil {
			o.capture(o.lastFrame)
		}
	}
	return nil
}

// SetSource changes the frame source kind. A running scan is stopped first.
func (o *Orchestrator) SetSource(kind SourceKind) {
	if kind == o.source {
		return
	}
	o.ForceStop()
	o.source = kind
	o.lastFrame = nil
	o.visual.Reset()
}

// SetContinuous toggles continuous camera scanning.
func (o *Orchestrator) SetContinuous(continuous bool) { o.continuous = continuous }

// SetHint sets the context hint sent with each request.
func (o *Orchestrator) SetHint(hint string) { o.hint = analyzer.SanitizeHint(hint) }

// SetNetwork updates the connection signal used to size submissions.
func (o *Orchestrator) SetNetwork(n imaging.NetworkInfo) { o.network = n }

// SetDuplicateThreshold changes the repeat count that triggers a duplicate pause.
func (o *Orchestrator) SetDuplicateThreshold(n int) {
	o.results.SetThreshold(n)
	o.publishDuplicateCount()
}

// DuplicateThreshold returns the clamped repeat threshold.
func (o *Orchestrator) DuplicateThreshold() int { return o.results.Threshold() }

func (o *Orchestrator) liveCamera() bool {
	return o.source == SourceCamera
}

// capture runs the crop, dedup and submit pipeline for one stable frame.
func (o *Orchestrator) capture(frame image.Image) {
	if o.State() != StateScanning {
		return
	}

	prepared := imaging.Prepare(frame, o.cfg.Region, o.cfg.Profiles, string(o.mode), o.network)
	fp, similarity, duplicate := o.visual.Check(prepared.Crop)
	if duplicate {
		o.logger.Debug("skipping unchanged crop", "similarity", similarity)
		if o.liveCamera() && o.continuous {
			o.stability.ResetCounter()
			o.status(StatusSkippedUnchanged, "unchanged, skipped", "")
			return
		}
		o.machine.TransitionTo(StateIdle)
		o.status(StatusSkippedUnchanged, "unchanged, skipped", "")
		return
	}

	dataURL, err := prepared.Encode()
	if err != nil {
		o.logger.Error("failed to encode capture", "error", err)
		o.machine.TransitionTo(StateIdle)
		o.status(StatusFailed, "failed to encode image", "")
		return
	}

	if !o.machine.TransitionTo(StateAnalyzing) {
		return
	}
	o.stability.ResetCounter()
	o.status(StatusAnalyzing, "analyzing", "")

	o.generation++
	gen := o.generation
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	req := analyzer.Request{Image: dataURL, Mode: o.mode, Hint: o.hint}
	mode := o.mode
	o.loop.Go(func() {
		resp, err := o.analyzer.Analyze(ctx, req)
		o.loop.Post(func() { o.complete(gen, mode, fp, resp, err) })
	})
}

// complete handles an analysis outcome on the loop. Outcomes of requests
// cancelled by a stop or superseded by a newer request are dropped.
func (o *Orchestrator) complete(gen uint64, mode analyzer.Mode, fp phash.Fingerprint, resp *analyzer.Response, err error) {
	if gen != o.generation || mode != o.mode || o.State() != StateAnalyzing {
		o.logger.Debug("dropping stale analysis result", "generation", gen)
		return
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}

	if err != nil {
		o.onFailure(err)
		return
	}
	o.onSuccess(mode, fp, resp)
}

func (o *Orchestrator) onSuccess(mode analyzer.Mode, fp phash.Fingerprint, resp *analyzer.Response) {
	o.visual.Commit(fp)
	o.backoff.Reset()

	resultFP, ok := fingerprint.Of(mode, resp)
	pause := o.results.Observe(resultFP, ok)
	if pause {
		o.pendingDuplicate = true
	}

	o.notifier.Publish(Event{
		Kind: EventResult,
		Time: o.loop.Now(),
		Result: &Result{
			SessionID:   o.sessionID,
			Mode:        mode,
			Response:    resp,
			Fingerprint: resultFP,
			Repeats:     o.results.Count(),
		},
	})
	o.publishDuplicateCount()

	if !(o.liveCamera() && o.continuous) {
		o.pendingDuplicate = false
		o.machine.TransitionTo(StateIdle)
		o.status(StatusDone, "analysis complete", "")
		return
	}

	// A pause requested during ANALYZING is applied through SCANNING.
	o.machine.TransitionTo(StateScanning)
	if o.pendingDuplicate {
		o.pendingDuplicate = false
		o.pausedTicks = 0
		o.machine.TransitionTo(StatePausedDuplicate)
		o.stability.Pin()
		o.publishProgress(1)
		o.status(StatusDuplicatePaused, "same result repeated, paused until the scene changes", "")
		return
	}

	o.status(StatusScanning, "scanning", "")
	if o.cfg.ContinuousDelay > 0 {
		o.setTimer(TimerPostCapture, o.cfg.ContinuousDelay, func() {
			o.stability.ResetCounter()
			o.publishProgress(0)
		})
	}
}

func (o *Orchestrator) onFailure(err error) {
	ae, ok := analyzer.AsError(err)
	if !ok {
		ae = &analyzer.Error{Kind: analyzer.KindTransport, Message: err.Error(), Err: err}
	}

	switch ae.Kind {
	case analyzer.KindQuotaMinute:
		o.enterCooldown(ae.RetryAfter)

	case analyzer.KindQuotaDaily:
		o.daily.Engage(o.loop.Now())
		o.logger.Warn("daily quota exhausted", "until", o.daily.Until())
		o.machine.TransitionTo(StateIdle)
		o.status(StatusDailyLimit, "daily analysis limit reached", ae.Code)

	case analyzer.KindTimeout, analyzer.KindTransport:
		if !o.liveCamera() {
			o.machine.TransitionTo(StateIdle)
			o.status(StatusFailed, ae.Error(), ae.Code)
			return
		}
		o.machine.TransitionTo(StatePausedError)
		delay := o.backoff.Next()
		o.logger.Warn("analysis failed, retry scheduled",
			"error", err, "consecutive", o.backoff.Failures(), "delay", delay)
		o.status(StatusRetryScheduled, fmt.Sprintf("connection problem, retrying in %s", delay.Round(time.Second)), ae.Code)
		o.setTimer(TimerRetry, delay, o.onRetryTimer)

	default:
		o.machine.TransitionTo(StateIdle)
		msg := ae.Message
		if msg == "" {
			msg = ae.Error()
		}
		o.status(StatusRejected, msg, ae.Code)
	}
}

func (o *Orchestrator) onRetryTimer() {
	if o.State() != StatePausedError {
		return
	}
	o.stability.Reset()
	o.enterScanning(StatusRetryResumed, "retrying")
}

func (o *Orchestrator) enterCooldown(retryAfter int) {
	o.countdown.Begin(retryAfter)
	o.machine.TransitionTo(StateCooldown)
	snap := o.countdown.Snapshot()
	o.status(StatusCooldown, fmt.Sprintf("rate limited, waiting %ds", snap.Total), "")
	o.publishCooldown()
	o.setTimer(TimerCooldown, cooldown.Tick, o.onCooldownTick)
}

func (o *Orchestrator) onCooldownTick() {
	if o.State() != StateCooldown {
		return
	}
	done := o.countdown.Step()
	o.publishCooldown()
	if !done {
		o.setTimer(TimerCooldown, cooldown.Tick, o.onCooldownTick)
		return
	}

	if o.countdown.Clear() {
		o.stability.Reset()
		o.enterScanning(StatusCooldownDone, "cooldown finished, scanning")
		if o.source == SourceStill && o.lastFrame != nil {
			o.capture(o.lastFrame)
		}
		return
	}
	o.machine.TransitionTo(StateIdle)
	o.status(StatusCooldownDone, "cooldown finished", "")
}

func (o *Orchestrator) enterScanning(code StatusCode, msg string) {
	if !o.machine.TransitionTo(StateScanning) {
		return
	}
	o.stability.ResetCounter()
	o.publishProgress(0)
	o.status(code, msg, "")
}

// setTimer replaces the single active timer.
func (o *Orchestrator) setTimer(kind TimerKind, d time.Duration, fn func()) {
	o.cancelTimer()
	var t clock.Timer
	t = o.loop.AfterFunc(d, func() {
		if o.timer != t {
			return
		}
		o.timer = nil
		o.timerKind = TimerNone
		fn()
	})
	o.timer = t
	o.timerKind = kind
}

func (o *Orchestrator) cancelTimer() {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = nil
	o.timerKind = TimerNone
}

func (o *Orchestrator) cancelInflight() {
	o.generation++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func (o *Orchestrator) status(code StatusCode, msg, errorCode string) {
	o.notifier.Publish(Event{
		Kind:   EventStatus,
		Time:   o.loop.Now(),
		Status: &Status{Code: code, Message: msg, ErrorCode: errorCode},
	})
}

func (o *Orchestrator) publishProgress(p float64) {
	o.notifier.Publish(Event{Kind: EventStabilityProgress, Time: o.loop.Now(), Progress: p})
}

func (o *Orchestrator) publishDuplicateCount() {
	o.notifier.Publish(Event{
		Kind:      EventDuplicateCount,
		Time:      o.loop.Now(),
		Count:     o.results.Count(),
		Threshold: o.results.Threshold(),
	})
}

func (o *Orchestrator) publishCooldown() {
	snap := o.countdown.Snapshot()
	o.notifier.Publish(Event{Kind: EventCooldownTick, Time: o.loop.Now(), Cooldown: &snap})
}
