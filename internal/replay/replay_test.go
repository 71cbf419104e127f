package replay

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/session"
	"github.com/banshee-data/harbour.watch/internal/targeting"
	"github.com/banshee-data/harbour.watch/internal/tracking"
)

var fullCaps = ptz.Capabilities{AbsoluteMove: true, PositionFeed: true}

func boatFrame(x float64) session.Frame {
	return session.Frame{
		Width:  400,
		Height: 300,
		Detections: []tracking.Detection{
			{BBox: tracking.BBox{X1: x, Y1: 100, X2: x + 60, Y2: 160}, Confidence: 0.9},
		},
	}
}

// --- input ---

func TestReadFrames(t *testing.T) {
	t.Parallel()
	log := strings.Join([]string{
		`# recorded 2026-03-01`,
		`{"width":400,"height":300,"detections":[{"bbox":[100,100,160,160],"confidence":0.9,"class_id":8}]}`,
		``,
		`{"width":400,"height":300,"detections":[],"timestamp":"2026-03-01T12:00:00.1Z"}`,
	}, "\n")
	frames, err := ReadFrames(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 8, frames[0].Detections[0].ClassID)
	assert.Equal(t, tracking.BBox{X1: 100, Y1: 100, X2: 160, Y2: 160}, frames[0].Detections[0].BBox)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 100_000_000, time.UTC), frames[1].Timestamp)

	_, err = ReadFrames(strings.NewReader("{\"width\":1}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

// --- run ---

func TestRun_LossPlaysOutInTail(t *testing.T) {
	t.Parallel()
	frames := make([]session.Frame, 5)
	for i := range frames {
		frames[i] = boatFrame(100 + float64(i)*2)
	}

	res, err := Run(context.Background(), frames, Options{
		Tail:         5 * time.Second,
		Capabilities: fullCaps,
	})
	require.NoError(t, err)

	s := res.Summary
	assert.Equal(t, 5, s.Frames)
	assert.Equal(t, 5, s.Detections)
	assert.Equal(t, 54, s.Cycles, "100ms .. 5.4s")
	assert.Len(t, res.Samples, s.Cycles)
	assert.Equal(t, 1, s.Targets)
	assert.Equal(t, 1, s.TracksCreated)
	assert.Equal(t, 1, s.Recovery.Searches)
	assert.Equal(t, 1, s.Recovery.Restores)
	assert.Equal(t, targeting.NoTarget, s.FinalTarget)
	assert.Equal(t, ptz.RecoveryRecovering, s.FinalRecovery)
	assert.Positive(t, s.ActuatorCommand[ptz.OpContinuous])
	assert.Positive(t, s.ActuatorCommand[ptz.OpAbsolute])
	assert.InDelta(t, 5.4, s.DurationSecs, 1e-9)
	assert.Greater(t, s.TargetCoverage, 0.0)
	assert.Less(t, s.TargetCoverage, 1.0)
	assert.Positive(t, s.MeanHoldSecs)
	assert.GreaterOrEqual(t, s.MaxZoom, 0.0)
	assert.InDelta(t, 1.0, s.SuccessRate, 1e-9)
}

func TestRun_SkipsBadFramesAndCountsThem(t *testing.T) {
	t.Parallel()
	frames := []session.Frame{boatFrame(100), {Width: 0, Height: 300}, boatFrame(102)}
	res, err := Run(context.Background(), frames, Options{Capabilities: fullCaps})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.Frames)
	assert.Equal(t, 1, res.Summary.SkippedFrames)
	assert.Equal(t, 2, res.Summary.Cycles)
}

func TestRun_RejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := Run(ctx, nil, Options{})
	require.Error(t, err)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, b := boatFrame(100), boatFrame(100)
	a.Timestamp = t0.Add(time.Second)
	b.Timestamp = t0
	_, err = Run(ctx, []session.Frame{a, b}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame 1")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Run(canceled, []session.Frame{boatFrame(100)}, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

// --- plot ---

func TestWritePlot(t *testing.T) {
	t.Parallel()
	frames := make([]session.Frame, 10)
	for i := range frames {
		frames[i] = boatFrame(100 + float64(i)*5)
	}
	res, err := Run(context.Background(), frames, Options{Tail: time.Second, Capabilities: fullCaps})
	require.NoError(t, err)

	dir := t.TempDir()
	out := filepath.Join(dir, "plots", "replay.png")
	require.NoError(t, WritePlot(res.Samples, out, dir))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	assert.Error(t, WritePlot(res.Samples, filepath.Join(dir, "..", "escape.png"), dir))
	assert.Error(t, WritePlot(nil, out, dir))
}
