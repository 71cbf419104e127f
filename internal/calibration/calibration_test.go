package calibration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/harbour.watch/internal/fsutil"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	d := Default("192.168.1.64")
	require.NoError(t, d.Validate())
	assert.Equal(t, 1, d.PanDirection)
	assert.Equal(t, DefaultSensitivity, d.TiltSensitivity)
	assert.Equal(t, 0.5, d.CenterX())
}

func TestData_Validate(t *testing.T) {
	t.Parallel()
	cases := map[string]func(*Data){
		"missing ip":         func(d *Data) { d.CameraIP = "" },
		"pan direction":      func(d *Data) { d.PanDirection = 0 },
		"tilt direction":     func(d *Data) { d.TiltDirection = 2 },
		"offset too large":   func(d *Data) { d.CenterOffsetX = 0.7 },
		"zero sensitivity":   func(d *Data) { d.PanSensitivity = 0 },
		"negative deadzone":  func(d *Data) { d.DeadzoneY = -0.1 },
		"deadzone too large": func(d *Data) { d.DeadzoneX = 0.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			d := Default("10.0.0.1")
			mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestData_Movement(t *testing.T) {
	t.Parallel()
	d := Default("10.0.0.1")

	pan, tilt := d.Movement(960, 540, 1920, 1080)
	assert.Zero(t, pan)
	assert.Zero(t, tilt)

	// Inside the 3% deadzone on both axes.
	pan, tilt = d.Movement(960+50, 540-30, 1920, 1080)
	assert.Zero(t, pan)
	assert.Zero(t, tilt)

	// 100px right and 100px above center.
	pan, tilt = d.Movement(1060, 440, 1920, 1080)
	assert.InDelta(t, 0.5, pan, 1e-9)
	assert.InDelta(t, 0.5, tilt, 1e-9)

	pan, _ = d.Movement(1020, 540, 1920, 1080)
	assert.InDelta(t, 0.3, pan, 1e-9)

	d.PanDirection = -1
	d.CenterOffsetX = 0.1
	pan, _ = d.Movement(1920*0.6+80, 540, 1920, 1080)
	assert.InDelta(t, -0.4, pan, 1e-9)
}

// ---------------------------------------------------------------------------
// Calibrator

func newCalibrator(t *testing.T, store Store) *Calibrator {
	t.Helper()
	c, err := NewCalibrator(context.Background(), store, timeutil.NewMockClock(t0), "10.0.0.5")
	require.NoError(t, err)
	return c
}

func TestCalibrator_CenterAndSave(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	c := newCalibrator(t, store)
	assert.Equal(t, Default("10.0.0.5"), c.Data())

	require.NoError(t, c.CalibrateCenter(1056, 486, 1920, 1080))
	assert.InDelta(t, 0.05, c.Data().CenterOffsetX, 1e-9)
	assert.InDelta(t, -0.05, c.Data().CenterOffsetY, 1e-9)
	assert.Equal(t, t0, c.Data().CalibrationDate)

	_, err := store.Load(context.Background(), "10.0.0.5")
	assert.ErrorIs(t, err, ErrNotFound, "edits are not persisted before Save")

	require.NoError(t, c.Save(context.Background()))
	got, err := store.Load(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	if diff := cmp.Diff(c.Data(), got); diff != "" {
		t.Errorf("stored calibration mismatch (-want +got):\n%s", diff)
	}
}

func TestCalibrator_FinalizeAveragesPoints(t *testing.T) {
	t.Parallel()
	c := newCalibrator(t, NewMemoryStore())
	assert.ErrorIs(t, c.Finalize(), ErrNoPoints)

	require.NoError(t, c.AddPoint(1000, 500, 2000, 1000))
	require.NoError(t, c.AddPoint(1200, 600, 2000, 1000))
	assert.Equal(t, 2, c.Points())
	require.NoError(t, c.Finalize())
	assert.InDelta(t, 0.05, c.Data().CenterOffsetX, 1e-9)
	assert.InDelta(t, 0.05, c.Data().CenterOffsetY, 1e-9)
	assert.Zero(t, c.Points())

	assert.Error(t, c.AddPoint(1, 1, 0, 1000))
}

func TestCalibrator_InversionAndSensitivity(t *testing.T) {
	t.Parallel()
	c := newCalibrator(t, NewMemoryStore())
	c.SetInversion(true, false)
	assert.Equal(t, -1, c.Data().PanDirection)
	assert.Equal(t, 1, c.Data().TiltDirection)

	pan := 0.01
	require.NoError(t, c.AdjustSensitivity(&pan, nil))
	assert.Equal(t, 0.01, c.Data().PanSensitivity)
	assert.Equal(t, DefaultSensitivity, c.Data().TiltSensitivity)

	bad := -1.0
	assert.Error(t, c.AdjustSensitivity(nil, &bad))
	assert.Equal(t, DefaultSensitivity, c.Data().TiltSensitivity)
}

type failingStore struct{ MemoryStore }

func (*failingStore) Load(context.Context, string) (Data, error) {
	return Data{}, errors.New("disk on fire")
}

func TestNewCalibrator_LoadError(t *testing.T) {
	t.Parallel()
	_, err := NewCalibrator(context.Background(), &failingStore{}, timeutil.RealClock{}, "10.0.0.5")
	assert.ErrorContains(t, err, "disk on fire")
}

// ---------------------------------------------------------------------------
// Direction test

type recordingMover struct {
	moves  [][3]float64
	stops  int
	failOn int // 1-based move index that fails
}

func (m *recordingMover) ContinuousMove(_ context.Context, pan, tilt, zoom float64) error {
	m.moves = append(m.moves, [3]float64{pan, tilt, zoom})
	if len(m.moves) == m.failOn {
		return errors.New("timeout")
	}
	return nil
}

func (m *recordingMover) Stop(context.Context) error {
	m.stops++
	return nil
}

func TestDirectionTest_Run(t *testing.T) {
	t.Parallel()
	m := &recordingMover{failOn: 2}
	dt := DirectionTest{Speed: 0.3}
	steps, err := dt.Run(context.Background(), m, timeutil.RealClock{})
	require.NoError(t, err)
	require.Len(t, steps, 4)

	assert.Equal(t, [][3]float64{{0.3, 0, 0}, {-0.3, 0, 0}, {0, 0.3, 0}, {0, -0.3, 0}}, m.moves)
	assert.Equal(t, 3, m.stops, "a failed move is not followed by a stop")
	assert.Equal(t, "pan_left", steps[1].Name)
	assert.Equal(t, "timeout", steps[1].Err)
	assert.Empty(t, steps[3].Err)
}

func TestDirectionTest_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &recordingMover{}
	steps, err := DirectionTest{Speed: 0.3, Duration: time.Hour}.Run(ctx, m, timeutil.RealClock{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, steps, 1)
	assert.Equal(t, 1, m.stops, "the camera is stopped even when cancelled mid-move")
}

// ---------------------------------------------------------------------------
// Stores

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()
	mem := fsutil.NewMemoryFileSystem()
	s := &FileStore{FS: mem, Dir: "/var/lib/harbourwatch/calibration"}
	ctx := context.Background()

	_, err := s.Load(ctx, "10.0.0.9")
	assert.ErrorIs(t, err, ErrNotFound)

	want := Default("10.0.0.9")
	want.CenterOffsetX = -0.02
	want.TiltDirection = -1
	want.CalibrationDate = t0
	require.NoError(t, s.Save(ctx, want))
	assert.Equal(t, "/var/lib/harbourwatch/calibration/ptz_calibration_10_0_0_9.json", s.Path("10.0.0.9"))
	assert.True(t, mem.Exists(s.Path("10.0.0.9")))

	got, err := s.Load(ctx, "10.0.0.9")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	bad := want
	bad.PanDirection = 3
	assert.Error(t, s.Save(ctx, bad))
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	d, err := LoadOrDefault(context.Background(), s, "10.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, Default("10.1.1.1"), d)

	_, err = LoadOrDefault(context.Background(), &failingStore{}, "10.1.1.1")
	assert.Error(t, err)
}
