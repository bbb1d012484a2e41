package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"visionscan/internal/analyzer"
	"visionscan/internal/clock"
	"visionscan/internal/config"
	"visionscan/internal/database"
	"visionscan/internal/scan"
	"visionscan/internal/ws"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNormalizeSetting(t *testing.T) {
	tests := []struct {
		key, value string
		want       string
		wantErr    bool
	}{
		{settingMode, " Label ", "label", false},
		{settingMode, "ocr", "", true},
		{settingThreshold, "3", "3", false},
		{settingThreshold, "6", "", true},
		{settingThreshold, "two", "", true},
		{settingContinuous, "1", "true", false},
		{settingContinuous, "maybe", "", true},
		{settingHint, "  red\tbox ", "redbox", false},
		{"volume", "11", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := normalizeSetting(tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type mapSettings map[string]string

func (m mapSettings) ListSettings(context.Context) (map[string]string, error) { return m, nil }

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.LoadOptions{EnvFiles: []string{}})
	require.NoError(t, err)
	return cfg
}

func TestLoadPreferences(t *testing.T) {
	cfg := defaultConfig(t)
	stored := mapSettings{
		settingMode:       "object",
		settingThreshold:  "9",
		settingContinuous: "false",
		settingHint:       "shelf",
		"unrelated":       "x",
	}

	p, err := loadPreferences(context.Background(), stored, cfg, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, analyzer.ModeObject, p.Mode)
	assert.Equal(t, cfg.Scan.DuplicateThreshold, p.Threshold, "invalid stored value ignored")
	assert.False(t, p.Continuous)
	assert.Equal(t, "shelf", p.Hint)

	cfg.Scan.Mode = "web"
	p, err = loadPreferences(context.Background(), stored, cfg, func(name string) bool { return name == "mode" })
	require.NoError(t, err)
	assert.Equal(t, analyzer.ModeWeb, p.Mode, "flag wins over stored setting")
}

func sampleRecords() []*database.ScanRecord {
	return []*database.ScanRecord{{
		ID:        "id-1",
		SessionID: "0123456789abcdef",
		Mode:      "object",
		ItemCount: 2,
		Labels:    []string{"cup", "plate"},
		Repeats:   1,
		CreatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}}
}

func TestWriteHistory(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeHistory(&buf, sampleRecords(), "json"))
		var got []database.ScanRecord
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, []string{"cup", "plate"}, got[0].Labels)
	})

	t.Run("empty json is an array", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeHistory(&buf, nil, "json"))
		assert.Equal(t, "[]\n", buf.String())
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeHistory(&buf, sampleRecords(), "yaml"))
		var got []map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "object", got[0]["mode"])
		assert.Equal(t, 2, got[0]["item_count"])
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeHistory(&buf, sampleRecords(), "table"))
		out := buf.String()
		assert.Contains(t, out, "MODE")
		assert.Contains(t, out, "cup, plate")
		assert.Contains(t, out, "01234567")
		assert.NotContains(t, out, "0123456789abcdef")
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Error(t, writeHistory(io.Discard, nil, "xml"))
	})
}

type memStore struct {
	scans    []*database.ScanRecord
	settings map[string]string
}

func (m *memStore) SaveScan(_ context.Context, rec *database.ScanRecord) error {
	m.scans = append(m.scans, rec)
	return nil
}

func (m *memStore) SaveSetting(_ context.Context, key, value string) error {
	if m.settings == nil {
		m.settings = map[string]string{}
	}
	m.settings[key] = value
	return nil
}

func TestHistoryRecorderStoresResults(t *testing.T) {
	loop := clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	store := &memStore{}
	rec := newHistoryRecorder(loop, store, quietLogger())

	rec.OnScanEvent(scan.Event{Kind: scan.EventStatus, Status: &scan.Status{Code: scan.StatusScanning}})
	rec.OnScanEvent(scan.Event{
		Kind: scan.EventResult,
		Time: loop.Now(),
		Result: &scan.Result{
			SessionID:   "s1",
			Mode:        analyzer.ModeObject,
			Fingerprint: "n1:cup",
			Repeats:     1,
			Response:    &analyzer.Response{OK: true, RequestID: "r9", Data: []analyzer.Item{{Label: "cup"}}},
		},
	})
	rec.Wait()

	require.Len(t, store.scans, 1)
	got := store.scans[0]
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "object", got.Mode)
	assert.Equal(t, 1, got.ItemCount)
	assert.Equal(t, []string{"cup"}, got.Labels)
	assert.Equal(t, "r9", got.RequestID)
}

type okAnalyzer struct{}

func (okAnalyzer) Analyze(context.Context, analyzer.Request) (*analyzer.Response, error) {
	return &analyzer.Response{OK: true}, nil
}

func TestControllerCommands(t *testing.T) {
	loop := clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	orch := scan.NewOrchestrator(scan.DefaultConfig(), loop, okAnalyzer{}, scan.WithLogger(quietLogger()))
	store := &memStore{}
	c := &controller{loop: loop, orch: orch, settings: store, logger: quietLogger()}

	require.NoError(t, c.HandleCommand(ws.Command{Action: "mode", Mode: "label"}))
	require.NoError(t, c.HandleCommand(ws.Command{Action: "threshold", Threshold: 4}))
	require.NoError(t, c.HandleCommand(ws.Command{Action: "start"}))
	loop.RunPending()

	assert.Equal(t, analyzer.ModeLabel, orch.Mode())
	assert.Equal(t, 4, orch.DuplicateThreshold())
	assert.Equal(t, scan.StateScanning, orch.State())
	assert.Equal(t, map[string]string{settingMode: "label", settingThreshold: "4"}, store.settings)

	require.NoError(t, c.HandleCommand(ws.Command{Action: "stop"}))
	loop.RunPending()
	assert.Equal(t, scan.StateIdle, orch.State())

	err := c.HandleCommand(ws.Command{Action: "mode", Mode: "ocr"})
	assert.True(t, errors.Is(err, analyzer.ErrInvalidMode))
	assert.Error(t, c.HandleCommand(ws.Command{Action: "threshold", Threshold: 0}))
	assert.Error(t, c.HandleCommand(ws.Command{Action: "dance"}))
}

func TestFormatResult(t *testing.T) {
	detected := false
	tests := []struct {
		name   string
		result *scan.Result
		want   string
	}{
		{
			name:   "labels",
			result: &scan.Result{Mode: analyzer.ModeObject, Repeats: 2, Response: &analyzer.Response{Data: []analyzer.Item{{Label: "cup"}, {Label: "plate"}}}},
			want:   "[object] cup, plate (seen 2 times)",
		},
		{
			name:   "empty",
			result: &scan.Result{Mode: analyzer.ModeText, Response: &analyzer.Response{}},
			want:   "[text] nothing found",
		},
		{
			name:   "label mode",
			result: &scan.Result{Mode: analyzer.ModeLabel, Response: &analyzer.Response{LabelDetected: &detected, LabelReason: "blurry"}},
			want:   "[label] label detected: false (blurry)",
		},
		{
			name:   "web mode",
			result: &scan.Result{Mode: analyzer.ModeWeb, Response: &analyzer.Response{WebDetail: &analyzer.WebDetail{BestGuess: "teapot"}}},
			want:   "[web] best guess: teapot",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatResult(tt.result))
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSettingsCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "scan.db")

	_, err := execute(t, "settings", "set", "mode", "LOGO", "--db", db)
	require.NoError(t, err)
	_, err = execute(t, "settings", "set", "duplicate_threshold", "8", "--db", db)
	assert.Error(t, err)

	out, err := execute(t, "settings", "get", "mode", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "logo", strings.TrimSpace(out))

	out, err = execute(t, "settings", "get", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "mode")

	_, err = execute(t, "settings", "unset", "mode", "--db", db)
	require.NoError(t, err)
	_, err = execute(t, "settings", "get", "mode", "--db", db)
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.db")
	db, err := database.New(path, quietLogger())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	for _, r := range sampleRecords() {
		r.ID = ""
		require.NoError(t, db.SaveScan(context.Background(), r))
	}
	require.NoError(t, db.Close())

	out, err := execute(t, "history", "--format", "json", "--db", path)
	require.NoError(t, err)
	var got []database.ScanRecord
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "object", got[0].Mode)

	_, err = execute(t, "history", "--format", "csv", "--db", path)
	assert.Error(t, err)
}
