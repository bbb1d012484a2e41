package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"visionscan/internal/analyzer"
	"visionscan/internal/config"
	"visionscan/internal/fingerprint"
)

// Persisted user preferences. They survive restarts and override the
// config file, but not explicit command-line flags.
const (
	settingMode       = "mode"
	settingThreshold  = "duplicate_threshold"
	settingContinuous = "continuous"
	settingHint       = "hint"
)

var settingKeys = []string{settingMode, settingThreshold, settingContinuous, settingHint}

// normalizeSetting validates value for key and returns its stored form.
func normalizeSetting(key, value string) (string, error) {
	switch key {
	case settingMode:
		m, err := analyzer.ParseMode(value)
		if err != nil {
			return "", err
		}
		return string(m), nil
	case settingThreshold:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("duplicate_threshold must be a number: %w", err)
		}
		if n < fingerprint.MinThreshold || n > fingerprint.MaxThreshold {
			return "", fmt.Errorf("duplicate_threshold must be between %d and %d", fingerprint.MinThreshold, fingerprint.MaxThreshold)
		}
		return strconv.Itoa(n), nil
	case settingContinuous:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("continuous must be true or false: %w", err)
		}
		return strconv.FormatBool(b), nil
	case settingHint:
		return analyzer.SanitizeHint(value), nil
	default:
		return "", fmt.Errorf("unknown setting %q (known: %v)", key, settingKeys)
	}
}

type settingsReader interface {
	ListSettings(ctx context.Context) (map[string]string, error)
}

// preferences is the effective scan setup.
type preferences struct {
	Mode       analyzer.Mode
	Threshold  int
	Continuous bool
	Hint       string
}

// loadPreferences starts from cfg and applies stored settings for every key
// whose flag was not set. Invalid stored values are ignored.
func loadPreferences(ctx context.Context, store settingsReader, cfg *config.Config, flagSet func(string) bool) (preferences, error) {
	p := preferences{
		Mode:       cfg.Mode(),
		Threshold:  cfg.Scan.DuplicateThreshold,
		Continuous: cfg.Scan.Continuous,
		Hint:       analyzer.SanitizeHint(cfg.Scan.Hint),
	}

	stored, err := store.ListSettings(ctx)
	if err != nil {
		return p, err
	}

	flags := map[string]string{
		settingMode:       "mode",
		settingThreshold:  "threshold",
		settingContinuous: "continuous",
		settingHint:       "hint",
	}
	for key, raw := range stored {
		flag, known := flags[key]
		if !known || flagSet(flag) {
			continue
		}
		v, err := normalizeSetting(key, raw)
		if err != nil {
			continue
		}
		switch key {
		case settingMode:
			p.Mode = analyzer.Mode(v)
		case settingThreshold:
			p.Threshold, _ = strconv.Atoi(v)
		case settingContinuous:
			p.Continuous, _ = strconv.ParseBool(v)
		case settingHint:
			p.Hint = v
		}
	}
	return p, nil
}

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted scan preferences",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print one setting, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if len(args) == 1 {
				v, found, err := db.GetSetting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("setting %q is not set", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}

			all, err := db.ListSettings(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\n", k, all[k])
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting (mode, duplicate_threshold, continuous, hint)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := normalizeSetting(args[0], args[1])
			if err != nil {
				return err
			}
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return db.SaveSetting(cmd.Context(), args[0], v)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a stored setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return db.DeleteSetting(cmd.Context(), args[0])
		},
	})

	return cmd
}
