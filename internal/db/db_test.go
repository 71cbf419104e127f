package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/harbour.watch/internal/calibration"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// --- schema ---

func TestNewDB_AppliesPragmasAndMigrations(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	migrations, err := getMigrationsFS()
	require.NoError(t, err)
	version, dirty, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)

	for _, table := range []string{"ptz_calibration", "ptz_session_runs", "ptz_target_switches"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	migrations, err := getMigrationsFS()
	require.NoError(t, err)

	require.NoError(t, db.MigrateDown(migrations))
	version, _, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'ptz_target_switches'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp(migrations))
	version, _, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
}

func TestUnixNanosRoundTrip(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 6, 1, 9, 30, 12, 123456789, time.UTC)
	assert.True(t, ts.Equal(fromUnixNanos(toUnixNanos(ts))))
	assert.Equal(t, ts, fromUnixNanos(toUnixNanos(ts.In(time.FixedZone("CEST", 2*3600)))), "loaded times are UTC")
}

// --- calibration ---

func TestCalibrationStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCalibrationStore(setupTestDB(t))

	_, err := store.Load(ctx, "10.0.0.5")
	assert.True(t, errors.Is(err, calibration.ErrNotFound))

	want := calibration.Default("10.0.0.5")
	want.CenterOffsetX = 0.02
	want.CenterOffsetY = -0.01
	want.PanDirection = -1
	want.PanSensitivity = 0.008
	want.CalibrationDate = t0
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx, "10.0.0.5")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calibration mismatch (-want +got):\n%s", diff)
	}

	// Saving again replaces the record.
	want.TiltDirection = -1
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, -1, got.TiltDirection)

	ips, err := store.CalibratedCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, ips)
}

func TestCalibrationStore_KeepsNanoseconds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCalibrationStore(setupTestDB(t))

	want := calibration.Default("10.0.0.8")
	want.CalibrationDate = time.Date(2025, 6, 1, 9, 30, 12, 123456789, time.UTC)
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx, "10.0.0.8")
	require.NoError(t, err)
	assert.True(t, want.CalibrationDate.Equal(got.CalibrationDate),
		"saved %s, loaded %s", want.CalibrationDate.Format(time.RFC3339Nano), got.CalibrationDate.Format(time.RFC3339Nano))
}

func TestCalibrationStore_RejectsInvalid(t *testing.T) {
	t.Parallel()
	store := NewCalibrationStore(setupTestDB(t))
	d := calibration.Default("10.0.0.6")
	d.PanDirection = 0
	assert.Error(t, store.Save(context.Background(), d))
}

func TestCalibrationStore_LoadOrDefault(t *testing.T) {
	t.Parallel()
	store := NewCalibrationStore(setupTestDB(t))
	d, err := calibration.LoadOrDefault(context.Background(), store, "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, calibration.Default("10.0.0.7"), d)
}

// --- sessions ---

func TestSessionRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)

	require.NoError(t, db.RecordSessionStart(ctx, SessionRun{
		RunID: "run-a", CameraID: "cam1", CameraIP: "10.0.0.5", Preset: "harbour", StartedAt: t0,
	}))
	require.NoError(t, db.RecordSessionStart(ctx, SessionRun{
		RunID: "run-b", CameraID: "cam1", CameraIP: "10.0.0.5", StartedAt: t0.Add(time.Hour),
	}))
	require.NoError(t, db.RecordSessionStart(ctx, SessionRun{
		RunID: "run-c", CameraID: "cam2", CameraIP: "10.0.0.6", StartedAt: t0,
	}))

	summary := map[string]int{"switches": 4}
	require.NoError(t, db.RecordSessionStop(ctx, "run-a", t0.Add(10*time.Minute), summary))
	assert.Error(t, db.RecordSessionStop(ctx, "missing", t0, summary))

	runs, err := db.SessionRuns(ctx, "cam1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].RunID, "newest first")
	assert.Nil(t, runs[0].StoppedAt)

	a := runs[1]
	assert.Equal(t, "harbour", a.Preset)
	require.NotNil(t, a.StoppedAt)
	assert.True(t, t0.Add(10*time.Minute).Equal(*a.StoppedAt))
	var got map[string]int
	require.NoError(t, json.Unmarshal(a.Summary, &got))
	assert.Equal(t, summary, got)

	all, err := db.SessionRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := db.SessionRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTargetSwitches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, db.RecordSessionStart(ctx, SessionRun{RunID: "run-a", CameraID: "cam1", CameraIP: "10.0.0.5", StartedAt: t0}))

	want := []TargetSwitch{
		{RunID: "run-a", OldTarget: 0, NewTarget: 1, Reason: "acquired", At: t0.Add(time.Second)},
		{RunID: "run-a", OldTarget: 1, NewTarget: 2, Reason: "alternate", At: t0.Add(6 * time.Second)},
	}
	for _, sw := range want {
		require.NoError(t, db.RecordTargetSwitch(ctx, sw))
	}

	got, err := db.TargetSwitches(ctx, "run-a")
	require.NoError(t, err)
	opt := cmp.Comparer(func(a, b time.Time) bool { return a.Sub(b).Abs() < time.Millisecond })
	if diff := cmp.Diff(want, got, opt); diff != "" {
		t.Errorf("switches mismatch (-want +got):\n%s", diff)
	}

	// Unknown runs are rejected by the foreign key.
	assert.Error(t, db.RecordTargetSwitch(ctx, TargetSwitch{RunID: "nope", Reason: "acquired", At: t0}))

	// Deleting a run cascades to its switches.
	_, err = db.Exec(`DELETE FROM ptz_session_runs WHERE run_id = 'run-a'`)
	require.NoError(t, err)
	got, err = db.TargetSwitches(ctx, "run-a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// --- admin + cli ---

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/tailsql/", "/debug/backup"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	header := make([]byte, 16)
	_, err = io.ReadFull(zr, header)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(header))
}

func TestRunMigrateCommand(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cli.db")

	var buf bytes.Buffer
	require.NoError(t, RunMigrateCommand(&buf, []string{"up"}, path))
	assert.Contains(t, buf.String(), "Current version: 3")

	buf.Reset()
	require.NoError(t, RunMigrateCommand(&buf, []string{"down"}, path))
	assert.Contains(t, buf.String(), "Current version: 2")

	buf.Reset()
	require.NoError(t, RunMigrateCommand(&buf, []string{"force", "3"}, path))
	assert.Contains(t, buf.String(), "Current version: 3 (dirty: false)")

	buf.Reset()
	assert.Error(t, RunMigrateCommand(&buf, []string{"force", "x"}, path))
	assert.Error(t, RunMigrateCommand(&buf, []string{"sideways"}, path))
	assert.Contains(t, buf.String(), "Usage: harbourwatch migrate")

	buf.Reset()
	assert.Error(t, RunMigrateCommand(&buf, nil, path))
	assert.NoError(t, RunMigrateCommand(&buf, []string{"help"}, path))
}
