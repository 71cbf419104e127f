package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	cfg := EmptyTrackingConfig()
	assert.Equal(t, 3, cfg.GetNInit())
	assert.Equal(t, 5, cfg.GetLostTTL())
	assert.Equal(t, 0.25, cfg.GetConfThreshold())
	assert.Equal(t, 5*time.Second, cfg.GetPrimaryFollowTime())
	assert.Equal(t, 30*time.Second, cfg.GetMaxSwitchInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.GetControlInterval())
	assert.Equal(t, 500, cfg.GetQueueSize())
	assert.False(t, cfg.GetUseAbsoluteMove())
	require.NoError(t, cfg.Validate())
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	t.Parallel()
	fromFile := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultTrackingConfig(), fromFile); diff != "" {
		t.Errorf("defaults file drifted from built-in defaults (-builtin +file):\n%s", diff)
	}
}

func TestLoadTrackingConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(dir, "partial.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"primary_follow_time":"2s","max_objects_to_track":5}`), 0o644))
		cfg, err := LoadTrackingConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.GetPrimaryFollowTime())
		assert.Equal(t, 5, cfg.GetMaxObjectsToTrack())
		assert.Equal(t, 0.4, cfg.GetConfidenceWeight())
	})

	t.Run("wrong extension", func(t *testing.T) {
		_, err := LoadTrackingConfig(filepath.Join(dir, "cfg.yaml"))
		assert.ErrorContains(t, err, ".json")
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"min_zoom_level":0.9,"max_zoom_level":0.1}`), 0o644))
		_, err := LoadTrackingConfig(path)
		assert.ErrorContains(t, err, "min_zoom_level")
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  TrackingConfig
		want string
	}{
		{"follow time too long", TrackingConfig{PrimaryFollowTime: ptrString("61s")}, "primary_follow_time"},
		{"bad duration", TrackingConfig{MovePulse: ptrString("soon")}, "move_pulse"},
		{"zero min switch", TrackingConfig{MinSwitchInterval: ptrString("0s")}, "min_switch_interval"},
		{"too many objects", TrackingConfig{MaxObjectsToTrack: ptrInt(11)}, "max_objects_to_track"},
		{"zero objects", TrackingConfig{MaxObjectsToTrack: ptrInt(0)}, "max_objects_to_track"},
		{"negative weight", TrackingConfig{SizeWeight: ptrFloat64(-0.1)}, "size_weight"},
		{"smoothing of one", TrackingConfig{MovementSmoothing: ptrFloat64(1)}, "movement_smoothing"},
		{"recover before search", TrackingConfig{SearchThreshold: ptrInt(10), RecoverThreshold: ptrInt(10)}, "recover_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.cfg.Validate(), tt.want)
		})
	}
}

func TestMergeDoesNotMutateBase(t *testing.T) {
	t.Parallel()
	base := DefaultTrackingConfig()
	merged, err := base.Merge(&TrackingConfig{ZoomSpeed: ptrFloat64(0.9), MinZoomLevel: ptrFloat64(0)})
	require.NoError(t, err)
	assert.Equal(t, 0.9, merged.GetZoomSpeed())
	assert.Equal(t, 0.3, base.GetZoomSpeed())
	assert.Equal(t, base.GetMaxAge(), merged.GetMaxAge())
}

func TestPresets(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"maritime_fast", "maritime_standard", "single_object", "surveillance_precise"}, PresetNames())

	std, err := Preset(PresetMaritimeStandard)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(DefaultTrackingConfig(), std))

	precise, err := Preset(PresetSurveillancePrecise)
	require.NoError(t, err)
	assert.True(t, precise.GetUseAbsoluteMove())
	assert.Equal(t, 0.7, precise.GetMinConfidenceThreshold())
	assert.Equal(t, 2, precise.GetMaxObjectsToTrack())
	assert.Equal(t, 8*time.Second, precise.GetPrimaryFollowTime())

	single, err := Preset(PresetSingleObject)
	require.NoError(t, err)
	assert.False(t, single.GetAlternatingEnabled())
	assert.Equal(t, 1, single.GetMaxObjectsToTrack())

	_, err = Preset("harbour_night")
	assert.ErrorContains(t, err, "unknown preset")
}
