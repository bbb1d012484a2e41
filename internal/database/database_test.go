package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "scans.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Migrate(context.Background()))
}

func TestSaveAndGetScan(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &ScanRecord{
		SessionID:   "s1",
		Mode:        "object",
		Fingerprint: "n2:cat|dog",
		ItemCount:   2,
		RequestID:   "req-7",
		Labels:      []string{"cat - 90%", "dog - 80%"},
		Repeats:     1,
		CreatedAt:   at,
	}
	require.NoError(t, db.SaveScan(ctx, rec))
	require.NotEmpty(t, rec.ID)

	got, err := db.GetScan(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Labels, got.Labels)
	assert.Equal(t, "n2:cat|dog", got.Fingerprint)
	assert.Equal(t, "req-7", got.RequestID)
	assert.True(t, at.Equal(got.CreatedAt))

	missing, err := db.GetScan(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListScansFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, s := range []struct{ session, mode string }{
		{"a", "text"}, {"a", "object"}, {"b", "object"}, {"a", "text"},
	} {
		require.NoError(t, db.SaveScan(ctx, &ScanRecord{
			SessionID: s.session,
			Mode:      s.mode,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := db.ListScans(ctx, ScanFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].CreatedAt.After(all[3].CreatedAt), "newest first")
	assert.Equal(t, []string{}, all[0].Labels)

	sessionA, err := db.ListScans(ctx, ScanFilter{SessionID: "a"})
	require.NoError(t, err)
	assert.Len(t, sessionA, 3)

	objects, err := db.ListScans(ctx, ScanFilter{Mode: "object", Limit: 1})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "b", objects[0].SessionID)

	recent, err := db.ListScans(ctx, ScanFilter{Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	n, err := db.DeleteScansBefore(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, found, err := db.GetSetting(ctx, "mode")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.SaveSetting(ctx, "mode", "text"))
	require.NoError(t, db.SaveSetting(ctx, "mode", "label"))
	require.NoError(t, db.SaveSetting(ctx, "duplicate_threshold", "3"))

	v, found, err := db.GetSetting(ctx, "mode")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "label", v)

	all, err := db.ListSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"mode": "label", "duplicate_threshold": "3"}, all)

	require.NoError(t, db.DeleteSetting(ctx, "mode"))
	_, found, err = db.GetSetting(ctx, "mode")
	require.NoError(t, err)
	assert.False(t, found)
}
