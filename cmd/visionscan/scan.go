package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"visionscan/internal/analyzer"
	"visionscan/internal/clock"
	"visionscan/internal/config"
	"visionscan/internal/scan"
	"visionscan/internal/source"
	"visionscan/internal/ws"
)

const shutdownTimeout = 5 * time.Second

type scanFlags struct {
	source     string
	device     string
	mode       string
	continuous bool
	hint       string
	threshold  int
	listen     string
	endpoint   string
}

// apply copies explicitly set flags over the loaded config.
func (f *scanFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("source") {
		cfg.Source.Kind = f.source
	}
	if changed("device") {
		cfg.Source.Device = f.device
	}
	if changed("mode") {
		cfg.Scan.Mode = f.mode
	}
	if changed("continuous") {
		cfg.Scan.Continuous = f.continuous
	}
	if changed("hint") {
		cfg.Scan.Hint = f.hint
	}
	if changed("threshold") {
		cfg.Scan.DuplicateThreshold = f.threshold
	}
	if changed("listen") {
		cfg.Server.Listen = f.listen
	}
	if changed("endpoint") {
		cfg.Analyzer.Endpoint = f.endpoint
	}
}

func newScanCmd(a *app) *cobra.Command {
	f := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a camera, frame directory or image",
		Example: `  visionscan scan --source camera --device /dev/video0 --mode text --continuous
  visionscan scan --source image --device ./label.jpg --mode label
  visionscan scan --source dir --device ./frames --listen :8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.apply(cmd, a.cfg)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runScan(cmd.Context(), cmd.OutOrStdout(), a, cmd.Flags().Changed)
		},
	}

	cmd.Flags().StringVar(&f.source, "source", "", "camera, dir or image")
	cmd.Flags().StringVar(&f.device, "device", "", "camera device or URL, frame directory, or image file")
	cmd.Flags().StringVar(&f.mode, "mode", "", "analysis mode: "+modeList())
	cmd.Flags().BoolVar(&f.continuous, "continuous", true, "keep scanning after each result (camera sources)")
	cmd.Flags().StringVar(&f.hint, "hint", "", "free-text hint sent with each frame")
	cmd.Flags().IntVar(&f.threshold, "threshold", 0, "identical results before pausing (1-5)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "serve the WebSocket UI feed on this address, e.g. :8090")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "analysis backend base URL")

	return cmd
}

func modeList() string {
	s := ""
	for i, m := range analyzer.Modes {
		if i > 0 {
			s += ", "
		}
		s += string(m)
	}
	return s
}

func openSource(ctx context.Context, cfg *config.Config, a *app) (source.Source, error) {
	sc := cfg.Source
	switch sc.Kind {
	case config.SourceImage:
		return source.NewStill(sc.Device)
	case config.SourceDir:
		return source.NewDirectory(sc.Device, sc.Hold, sc.Repeat)
	default:
		cam := source.NewCamera(source.CameraConfig{
			Device:     sc.Device,
			FPS:        sc.FPS,
			Width:      sc.Width,
			Height:     sc.Height,
			FFmpegPath: sc.FFmpeg,
		}, a.logger)
		if err := cam.Start(ctx); err != nil {
			return nil, err
		}
		return cam, nil
	}
}

func runScan(ctx context.Context, out io.Writer, a *app, flagSet func(string) bool) error {
	cfg := a.cfg
	logger := a.logger

	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	prefs, err := loadPreferences(ctx, db, cfg, flagSet)
	if err != nil {
		return err
	}

	client, err := analyzer.NewClient(cfg.AnalyzerClientConfig(), analyzer.WithLogger(logger))
	if err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	src, err := openSource(runCtx, cfg, a)
	if err != nil {
		return err
	}
	defer src.Close()
	if still, ok := src.(*source.Still); ok {
		logger.Info("scanning still image", "path", still.Path())
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := clock.NewEventLoop()
	go loop.Run(loopCtx)

	orch := scan.NewOrchestrator(cfg.OrchestratorConfig(), loop, client,
		scan.WithLogger(logger),
		scan.WithMode(prefs.Mode),
		scan.WithSource(src.Kind(), prefs.Continuous),
	)

	recorder := newHistoryRecorder(loop, db, logger)
	orch.Subscribe(recorder)
	orch.Subscribe(&consolePrinter{out: out})

	var server *http.Server
	if cfg.Server.Listen != "" {
		hub := ws.NewHub(logger)
		defer hub.Close()
		orch.Subscribe(hub)

		handler := ws.NewHandler(hub, &controller{loop: loop, orch: orch, settings: db, logger: logger})
		server = &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           ws.NewRouter(handler, db),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			logger.Info("serving scan events", "addr", cfg.Server.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server failed", "error", err)
				stopRun()
			}
		}()
	} else {
		// Without a UI nobody can restart the scan, so the run ends when
		// the session returns to IDLE.
		orch.Subscribe(scan.HandlerFunc(func(e scan.Event) {
			if e.Kind == scan.EventStateChanged && e.Change != nil && e.Change.To == scan.StateIdle {
				stopRun()
			}
		}))
	}

	startErr := make(chan error, 1)
	loop.Post(func() {
		orch.SetHint(prefs.Hint)
		orch.SetDuplicateThreshold(prefs.Threshold)
		if src.Kind() == scan.SourceStill {
			frame, err := src.Frame()
			if err != nil {
				startErr <- err
				return
			}
			orch.Tick(frame)
		}
		startErr <- orch.Start()
	})
	if err := <-startErr; err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	if src.Kind() == scan.SourceCamera {
		driver := source.NewDriver(loop, src, cfg.Source.TickInterval, orch.Tick, logger)
		go driver.Run(runCtx)
	}

	<-runCtx.Done()

	stopped := make(chan struct{})
	loop.Post(func() {
		orch.ForceStop()
		close(stopped)
	})
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("timed out stopping scan")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
	recorder.Wait()
	return nil
}
