package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"visionscan/internal/config"
	"visionscan/internal/database"
)

// app carries what the persistent pre-run loads for every subcommand.
type app struct {
	cfgFile  string
	dbPath   string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "visionscan",
		Short: "Stability-gated camera scanning against a vision analysis backend",
		Long: `visionscan watches a camera, a directory of frames or a still image, waits
for the scene to settle, and submits the target region for analysis.

Unchanged frames and repeated results are skipped, transport failures back off,
and quota rejections cool down before scanning resumes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{File: a.cfgFile})
			if err != nil {
				return err
			}
			if a.dbPath != "" {
				cfg.Database.Path = a.dbPath
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			a.cfg = cfg
			a.logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
			slog.SetDefault(a.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides database.path)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(newScanCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newSettingsCmd(a))

	return cmd
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) openDB(ctx context.Context) (*database.Database, error) {
	db, err := database.New(a.cfg.Database.Path, a.logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", a.cfg.Database.Path, err)
	}
	return db, nil
}
