package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"visionscan/internal/analyzer"
	"visionscan/internal/clock"
	"visionscan/internal/database"
	"visionscan/internal/fingerprint"
	"visionscan/internal/imaging"
	"visionscan/internal/scan"
	"visionscan/internal/ws"
)

const storeTimeout = 5 * time.Second

type scanStore interface {
	SaveScan(ctx context.Context, rec *database.ScanRecord) error
}

type settingsWriter interface {
	SaveSetting(ctx context.Context, key, value string) error
}

// historyRecorder stores every result event off the loop.
type historyRecorder struct {
	loop   clock.Loop
	store  scanStore
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newHistoryRecorder(loop clock.Loop, store scanStore, logger *slog.Logger) *historyRecorder {
	return &historyRecorder{loop: loop, store: store, logger: logger.With("component", "history")}
}

func (h *historyRecorder) OnScanEvent(e scan.Event) {
	if e.Kind != scan.EventResult || e.Result == nil || e.Result.Response == nil {
		return
	}
	r := e.Result
	rec := &database.ScanRecord{
		SessionID:   r.SessionID,
		Mode:        string(r.Mode),
		Fingerprint: r.Fingerprint,
		ItemCount:   len(r.Response.Data),
		RequestID:   r.Response.RequestID,
		Labels:      r.Response.Labels(),
		Repeats:     r.Repeats,
		CreatedAt:   e.Time,
	}

	h.wg.Add(1)
	h.loop.Go(func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.store.SaveScan(ctx, rec); err != nil {
			h.logger.Error("failed to store scan", "error", err)
		}
	})
}

// Wait blocks until queued writes finish.
func (h *historyRecorder) Wait() { h.wg.Wait() }

// consolePrinter writes status changes and results for a terminal user.
// Progress and cooldown ticks are not printed.
type consolePrinter struct {
	out io.Writer
}

func (p *consolePrinter) OnScanEvent(e scan.Event) {
	switch e.Kind {
	case scan.EventStatus:
		if e.Status == nil {
			return
		}
		if e.Status.ErrorCode != "" {
			fmt.Fprintf(p.out, "status: %s (%s)\n", e.Status.Message, e.Status.ErrorCode)
			return
		}
		fmt.Fprintf(p.out, "status: %s\n", e.Status.Message)
	case scan.EventResult:
		if e.Result == nil || e.Result.Response == nil {
			return
		}
		fmt.Fprintln(p.out, formatResult(e.Result))
	}
}

func formatResult(r *scan.Result) string {
	resp := r.Response
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", r.Mode)

	switch r.Mode {
	case analyzer.ModeWeb:
		if resp.WebDetail != nil && resp.WebDetail.BestGuess != "" {
			fmt.Fprintf(&b, " best guess: %s", resp.WebDetail.BestGuess)
		}
	case analyzer.ModeLabel:
		if resp.LabelDetected != nil {
			fmt.Fprintf(&b, " label detected: %t", *resp.LabelDetected)
			if resp.LabelReason != "" {
				fmt.Fprintf(&b, " (%s)", resp.LabelReason)
			}
		}
	}

	labels := resp.Labels()
	if len(labels) == 0 && r.Mode != analyzer.ModeLabel && r.Mode != analyzer.ModeWeb {
		b.WriteString(" nothing found")
	} else if len(labels) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(labels, ", "))
	}
	if r.Repeats > 1 {
		fmt.Fprintf(&b, " (seen %d times)", r.Repeats)
	}
	return b.String()
}

// controller applies UI commands on the loop and persists preference
// changes.
type controller struct {
	loop     clock.Loop
	orch     *scan.Orchestrator
	settings settingsWriter
	logger   *slog.Logger
}

func (c *controller) HandleCommand(cmd ws.Command) error {
	switch cmd.Action {
	case "start":
		c.loop.Post(func() {
			if err := c.orch.Start(); err != nil {
				c.logger.Info("start refused", "error", err)
			}
		})
	case "stop":
		c.loop.Post(c.orch.Stop)
	case "mode":
		m, err := analyzer.ParseMode(cmd.Mode)
		if err != nil {
			return err
		}
		c.loop.Post(func() {
			if err := c.orch.SetMode(m); err == nil {
				c.persist(settingMode, string(m))
			}
		})
	case "hint":
		hint := analyzer.SanitizeHint(cmd.Hint)
		c.loop.Post(func() {
			c.orch.SetHint(hint)
			c.persist(settingHint, hint)
		})
	case "threshold":
		if cmd.Threshold < fingerprint.MinThreshold || cmd.Threshold > fingerprint.MaxThreshold {
			return fmt.Errorf("threshold must be between %d and %d", fingerprint.MinThreshold, fingerprint.MaxThreshold)
		}
		n := cmd.Threshold
		c.loop.Post(func() {
			c.orch.SetDuplicateThreshold(n)
			c.persist(settingThreshold, strconv.Itoa(n))
		})
	case "network":
		info := imaging.NetworkInfo{EffectiveType: cmd.EffectiveType, SaveData: cmd.SaveData}
		c.loop.Post(func() { c.orch.SetNetwork(info) })
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
	return nil
}

func (c *controller) persist(key, value string) {
	if c.settings == nil {
		return
	}
	c.loop.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.settings.SaveSetting(ctx, key, value); err != nil {
			c.logger.Warn("failed to persist setting", "key", key, "error", err)
		}
	})
}
