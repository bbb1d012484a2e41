package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"visionscan/internal/database"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit   int
		format  string
		session string
		mode    string
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past analysis results",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			filter := database.ScanFilter{SessionID: session, Mode: mode, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			recs, err := db.ListScans(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), recs, format)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of scans (0 for all)")
	cmd.Flags().StringVar(&format, "format", "table", "table, json or yaml")
	cmd.Flags().StringVar(&session, "session", "", "only this session id")
	cmd.Flags().StringVar(&mode, "mode", "", "only this analysis mode")
	cmd.Flags().DurationVar(&since, "since", 0, "only scans newer than this, e.g. 24h")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete old scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.DeleteScansBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d scans\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete scans older than this")
	cmd.AddCommand(prune)

	return cmd
}

func writeHistory(w io.Writer, recs []*database.ScanRecord, format string) error {
	if recs == nil {
		recs = []*database.ScanRecord{}
	}

	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(recs); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tMODE\tITEMS\tREPEATS\tLABELS\tSESSION")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				r.Mode,
				r.ItemCount,
				r.Repeats,
				truncate(strings.Join(r.Labels, ", "), 60),
				shortID(r.SessionID),
			)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (table, json or yaml)", format)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
