package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tracking defaults file.
const DefaultConfigPath = "config/tracking.defaults.json"

// TrackingConfig is the per-camera tracking configuration. Every field is
// optional; the Get* accessors fall back to the built-in defaults so partial
// JSON documents and API overrides are safe.
type TrackingConfig struct {
	// Track store
	NInit                   *int     `json:"n_init,omitempty"`
	MaxAge                  *int     `json:"max_age,omitempty"`
	LostTTL                 *int     `json:"lost_ttl,omitempty"`
	ConfThreshold           *float64 `json:"conf_threshold,omitempty"`
	MovementThresholdPx     *float64 `json:"movement_threshold_px,omitempty"`
	GhostDistancePx         *float64 `json:"ghost_distance_px,omitempty"`
	GhostMinMissed          *int     `json:"ghost_min_missed,omitempty"`
	ReassociationDistancePx *float64 `json:"reassociation_distance_px,omitempty"`
	ProcessNoisePos         *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel         *float64 `json:"process_noise_vel,omitempty"`
	MeasurementNoisePos     *float64 `json:"measurement_noise_pos,omitempty"`
	MeasurementNoiseSize    *float64 `json:"measurement_noise_size,omitempty"`

	// Target selection
	AlternatingEnabled     *bool    `json:"alternating_enabled,omitempty"`
	PrioritySwitching      *bool    `json:"priority_switching,omitempty"`
	PrimaryFollowTime      *string  `json:"primary_follow_time,omitempty"` // duration string like "5s"
	SecondaryFollowTime    *string  `json:"secondary_follow_time,omitempty"`
	MinSwitchInterval      *string  `json:"min_switch_interval,omitempty"`
	MaxSwitchInterval      *string  `json:"max_switch_interval,omitempty"`
	SwitchHysteresis       *float64 `json:"switch_hysteresis,omitempty"`
	ConfidenceWeight       *float64 `json:"confidence_weight,omitempty"`
	MovementWeight         *float64 `json:"movement_weight,omitempty"`
	SizeWeight             *float64 `json:"size_weight,omitempty"`
	ProximityWeight        *float64 `json:"proximity_weight,omitempty"`
	MinConfidenceThreshold *float64 `json:"min_confidence_threshold,omitempty"`
	MaxObjectsToTrack      *int     `json:"max_objects_to_track,omitempty"`
	ObjectLifetime         *string  `json:"object_lifetime,omitempty"`
	MinObjectSize          *float64 `json:"min_object_size,omitempty"`
	MaxObjectSize          *float64 `json:"max_object_size,omitempty"`
	PositionHistoryLength  *int     `json:"position_history_length,omitempty"`
	PredictionEnabled      *bool    `json:"prediction_enabled,omitempty"`
	PredictionTime         *string  `json:"prediction_time,omitempty"`

	// Zoom servo
	AutoZoomEnabled   *bool    `json:"auto_zoom_enabled,omitempty"`
	TargetObjectRatio *float64 `json:"target_object_ratio,omitempty"`
	ZoomSpeed         *float64 `json:"zoom_speed,omitempty"`
	MinZoomLevel      *float64 `json:"min_zoom_level,omitempty"`
	MaxZoomLevel      *float64 `json:"max_zoom_level,omitempty"`
	ZoomTolerance     *float64 `json:"zoom_tolerance,omitempty"`

	// Motion
	MaxPanSpeed       *float64 `json:"max_pan_speed,omitempty"`
	MaxTiltSpeed      *float64 `json:"max_tilt_speed,omitempty"`
	MovementSmoothing *float64 `json:"movement_smoothing,omitempty"`
	UseAbsoluteMove   *bool    `json:"use_absolute_move,omitempty"`
	AbsoluteStep      *float64 `json:"absolute_step,omitempty"`
	MovePulse         *string  `json:"move_pulse,omitempty"`
	ControlInterval   *string  `json:"control_interval,omitempty"`
	ActuatorTimeout   *string  `json:"actuator_timeout,omitempty"`
	PoseRefreshCycles *int     `json:"pose_refresh_cycles,omitempty"`

	// Loss recovery
	SearchThreshold  *int     `json:"search_threshold,omitempty"`
	RecoverThreshold *int     `json:"recover_threshold,omitempty"`
	SearchZoomStep   *float64 `json:"search_zoom_step,omitempty"`

	// Bridge
	QueueSize    *int    `json:"queue_size,omitempty"`
	SessionInbox *int    `json:"session_inbox,omitempty"`
	StopTimeout  *string `json:"stop_timeout,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackingConfig returns a TrackingConfig with all fields set to nil.
func EmptyTrackingConfig() *TrackingConfig {
	return &TrackingConfig{}
}

// LoadTrackingConfig loads a TrackingConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseTrackingConfig(data)
}

// ParseTrackingConfig decodes and validates a JSON document.
func ParseTrackingConfig(data []byte) (*TrackingConfig, error) {
	cfg := EmptyTrackingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TrackingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/ptz-replay/
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Merge returns a copy of c with every non-nil field of override applied.
func (c *TrackingConfig) Merge(override *TrackingConfig) (*TrackingConfig, error) {
	// Round-trip through JSON so out owns its pointers; omitempty drops the
	// nil fields of override, leaving the base values in place.
	base, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode base config: %w", err)
	}
	var out TrackingConfig
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, fmt.Errorf("copy base config: %w", err)
	}
	if override != nil {
		data, err := json.Marshal(override)
		if err != nil {
			return nil, fmt.Errorf("encode override: %w", err)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("apply override: %w", err)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks that the configuration values are valid.
func (c *TrackingConfig) Validate() error {
	durations := map[string]*string{
		"primary_follow_time":   c.PrimaryFollowTime,
		"secondary_follow_time": c.SecondaryFollowTime,
		"min_switch_interval":   c.MinSwitchInterval,
		"max_switch_interval":   c.MaxSwitchInterval,
		"object_lifetime":       c.ObjectLifetime,
		"prediction_time":       c.PredictionTime,
		"move_pulse":            c.MovePulse,
		"control_interval":      c.ControlInterval,
		"actuator_timeout":      c.ActuatorTimeout,
		"stop_timeout":          c.StopTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	for _, f := range []struct {
		name string
		v    time.Duration
	}{
		{"primary_follow_time", c.GetPrimaryFollowTime()},
		{"secondary_follow_time", c.GetSecondaryFollowTime()},
	} {
		if f.v > 60*time.Second {
			return fmt.Errorf("%s must be between 0s and 60s, got %s", f.name, f.v)
		}
	}
	if c.GetMinSwitchInterval() <= 0 {
		return fmt.Errorf("min_switch_interval must be positive")
	}
	if c.GetMaxSwitchInterval() < c.GetMinSwitchInterval() {
		return fmt.Errorf("max_switch_interval %s is below min_switch_interval %s",
			c.GetMaxSwitchInterval(), c.GetMinSwitchInterval())
	}
	if c.GetControlInterval() <= 0 {
		return fmt.Errorf("control_interval must be positive")
	}

	if c.GetMinZoomLevel() > c.GetMaxZoomLevel() {
		return fmt.Errorf("min_zoom_level %.2f exceeds max_zoom_level %.2f", c.GetMinZoomLevel(), c.GetMaxZoomLevel())
	}
	if n := c.GetMaxObjectsToTrack(); n <= 0 || n > 10 {
		return fmt.Errorf("max_objects_to_track must be in (0, 10], got %d", n)
	}
	if c.GetMinObjectSize() > c.GetMaxObjectSize() {
		return fmt.Errorf("min_object_size %.3f exceeds max_object_size %.3f", c.GetMinObjectSize(), c.GetMaxObjectSize())
	}

	for name, w := range map[string]float64{
		"confidence_weight": c.GetConfidenceWeight(),
		"movement_weight":   c.GetMovementWeight(),
		"size_weight":       c.GetSizeWeight(),
		"proximity_weight":  c.GetProximityWeight(),
	} {
		if w < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, w)
		}
	}

	for name, v := range map[string]float64{
		"conf_threshold":           c.GetConfThreshold(),
		"min_confidence_threshold": c.GetMinConfidenceThreshold(),
		"target_object_ratio":      c.GetTargetObjectRatio(),
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, v)
		}
	}
	if s := c.GetMovementSmoothing(); s < 0 || s >= 1 {
		return fmt.Errorf("movement_smoothing must be in [0, 1), got %f", s)
	}
	if c.GetMaxPanSpeed() <= 0 || c.GetMaxPanSpeed() > 1 || c.GetMaxTiltSpeed() <= 0 || c.GetMaxTiltSpeed() > 1 {
		return fmt.Errorf("max_pan_speed and max_tilt_speed must be in (0, 1]")
	}

	if c.GetNInit() < 1 {
		return fmt.Errorf("n_init must be at least 1, got %d", c.GetNInit())
	}
	if c.GetLostTTL() < 0 || c.GetMaxAge() < 1 {
		return fmt.Errorf("lost_ttl must be non-negative and max_age positive")
	}
	if c.GetSearchThreshold() < 1 || c.GetRecoverThreshold() <= c.GetSearchThreshold() {
		return fmt.Errorf("recover_threshold (%d) must exceed search_threshold (%d)",
			c.GetRecoverThreshold(), c.GetSearchThreshold())
	}
	if c.GetQueueSize() < 1 || c.GetSessionInbox() < 1 {
		return fmt.Errorf("queue_size and session_inbox must be positive")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetNInit returns the number of consecutive hits before a track is confirmed.
func (c *TrackingConfig) GetNInit() int {
	if c.NInit == nil {
		return 3
	}
	return *c.NInit
}

// GetMaxAge returns the number of missed frames after which a track is deleted.
func (c *TrackingConfig) GetMaxAge() int {
	if c.MaxAge == nil {
		return 30
	}
	return *c.MaxAge
}

// GetLostTTL returns how many frames a lost track's last result is re-emitted.
func (c *TrackingConfig) GetLostTTL() int {
	if c.LostTTL == nil {
		return 5
	}
	return *c.LostTTL
}

func (c *TrackingConfig) GetConfThreshold() float64 {
	if c.ConfThreshold == nil {
		return 0.25
	}
	return *c.ConfThreshold
}

func (c *TrackingConfig) GetMovementThresholdPx() float64 {
	if c.MovementThresholdPx == nil {
		return 5.0
	}
	return *c.MovementThresholdPx
}

func (c *TrackingConfig) GetGhostDistancePx() float64 {
	if c.GhostDistancePx == nil {
		return 200
	}
	return *c.GhostDistancePx
}

func (c *TrackingConfig) GetGhostMinMissed() int {
	if c.GhostMinMissed == nil {
		return 3
	}
	return *c.GhostMinMissed
}

// GetReassociationDistancePx returns the center-distance gate used to rescue
// confirmed tracks that found no IoU match.
func (c *TrackingConfig) GetReassociationDistancePx() float64 {
	if c.ReassociationDistancePx == nil {
		return 250
	}
	return *c.ReassociationDistancePx
}

func (c *TrackingConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 0.5
	}
	return *c.ProcessNoisePos
}

func (c *TrackingConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 0.1
	}
	return *c.ProcessNoiseVel
}

// GetMeasurementNoisePos returns the center measurement variance in px².
func (c *TrackingConfig) GetMeasurementNoisePos() float64 {
	if c.MeasurementNoisePos == nil {
		return 100
	}
	return *c.MeasurementNoisePos
}

// GetMeasurementNoiseSize returns the width/height measurement variance in px².
func (c *TrackingConfig) GetMeasurementNoiseSize() float64 {
	if c.MeasurementNoiseSize == nil {
		return 400
	}
	return *c.MeasurementNoiseSize
}

func (c *TrackingConfig) GetAlternatingEnabled() bool {
	if c.AlternatingEnabled == nil {
		return true
	}
	return *c.AlternatingEnabled
}

func (c *TrackingConfig) GetPrioritySwitching() bool {
	if c.PrioritySwitching == nil {
		return true
	}
	return *c.PrioritySwitching
}

func (c *TrackingConfig) GetPrimaryFollowTime() time.Duration {
	return durationOr(c.PrimaryFollowTime, 5*time.Second)
}

func (c *TrackingConfig) GetSecondaryFollowTime() time.Duration {
	return durationOr(c.SecondaryFollowTime, 3*time.Second)
}

func (c *TrackingConfig) GetMinSwitchInterval() time.Duration {
	return durationOr(c.MinSwitchInterval, time.Second)
}

func (c *TrackingConfig) GetMaxSwitchInterval() time.Duration {
	return durationOr(c.MaxSwitchInterval, 30*time.Second)
}

func (c *TrackingConfig) GetSwitchHysteresis() float64 {
	if c.SwitchHysteresis == nil {
		return 0.1
	}
	return *c.SwitchHysteresis
}

func (c *TrackingConfig) GetConfidenceWeight() float64 {
	if c.ConfidenceWeight == nil {
		return 0.4
	}
	return *c.ConfidenceWeight
}

func (c *TrackingConfig) GetMovementWeight() float64 {
	if c.MovementWeight == nil {
		return 0.3
	}
	return *c.MovementWeight
}

func (c *TrackingConfig) GetSizeWeight() float64 {
	if c.SizeWeight == nil {
		return 0.2
	}
	return *c.SizeWeight
}

func (c *TrackingConfig) GetProximityWeight() float64 {
	if c.ProximityWeight == nil {
		return 0.1
	}
	return *c.ProximityWeight
}

func (c *TrackingConfig) GetMinConfidenceThreshold() float64 {
	if c.MinConfidenceThreshold == nil {
		return 0.5
	}
	return *c.MinConfidenceThreshold
}

func (c *TrackingConfig) GetMaxObjectsToTrack() int {
	if c.MaxObjectsToTrack == nil {
		return 3
	}
	return *c.MaxObjectsToTrack
}

func (c *TrackingConfig) GetObjectLifetime() time.Duration {
	return durationOr(c.ObjectLifetime, 3*time.Second)
}

// GetMinObjectSize returns the smallest accepted area as a fraction of the frame.
func (c *TrackingConfig) GetMinObjectSize() float64 {
	if c.MinObjectSize == nil {
		return 0.01
	}
	return *c.MinObjectSize
}

func (c *TrackingConfig) GetMaxObjectSize() float64 {
	if c.MaxObjectSize == nil {
		return 0.8
	}
	return *c.MaxObjectSize
}

func (c *TrackingConfig) GetPositionHistoryLength() int {
	if c.PositionHistoryLength == nil {
		return 20
	}
	return *c.PositionHistoryLength
}

func (c *TrackingConfig) GetPredictionEnabled() bool {
	if c.PredictionEnabled == nil {
		return true
	}
	return *c.PredictionEnabled
}

func (c *TrackingConfig) GetPredictionTime() time.Duration {
	return durationOr(c.PredictionTime, 100*time.Millisecond)
}

func (c *TrackingConfig) GetAutoZoomEnabled() bool {
	if c.AutoZoomEnabled == nil {
		return true
	}
	return *c.AutoZoomEnabled
}

func (c *TrackingConfig) GetTargetObjectRatio() float64 {
	if c.TargetObjectRatio == nil {
		return 0.25
	}
	return *c.TargetObjectRatio
}

func (c *TrackingConfig) GetZoomSpeed() float64 {
	if c.ZoomSpeed == nil {
		return 0.3
	}
	return *c.ZoomSpeed
}

func (c *TrackingConfig) GetMinZoomLevel() float64 {
	if c.MinZoomLevel == nil {
		return 0
	}
	return *c.MinZoomLevel
}

func (c *TrackingConfig) GetMaxZoomLevel() float64 {
	if c.MaxZoomLevel == nil {
		return 1
	}
	return *c.MaxZoomLevel
}

func (c *TrackingConfig) GetZoomTolerance() float64 {
	if c.ZoomTolerance == nil {
		return 0.02
	}
	return *c.ZoomTolerance
}

func (c *TrackingConfig) GetMaxPanSpeed() float64 {
	if c.MaxPanSpeed == nil {
		return 0.8
	}
	return *c.MaxPanSpeed
}

func (c *TrackingConfig) GetMaxTiltSpeed() float64 {
	if c.MaxTiltSpeed == nil {
		return 0.8
	}
	return *c.MaxTiltSpeed
}

func (c *TrackingConfig) GetMovementSmoothing() float64 {
	if c.MovementSmoothing == nil {
		return 0.5
	}
	return *c.MovementSmoothing
}

func (c *TrackingConfig) GetUseAbsoluteMove() bool {
	if c.UseAbsoluteMove == nil {
		return false
	}
	return *c.UseAbsoluteMove
}

// GetAbsoluteStep returns the pose delta produced by a full-speed command in
// absolute mode.
func (c *TrackingConfig) GetAbsoluteStep() float64 {
	if c.AbsoluteStep == nil {
		return 0.1
	}
	return *c.AbsoluteStep
}

func (c *TrackingConfig) GetMovePulse() time.Duration {
	return durationOr(c.MovePulse, 300*time.Millisecond)
}

func (c *TrackingConfig) GetControlInterval() time.Duration {
	return durationOr(c.ControlInterval, 100*time.Millisecond)
}

func (c *TrackingConfig) GetActuatorTimeout() time.Duration {
	return durationOr(c.ActuatorTimeout, 2*time.Second)
}

func (c *TrackingConfig) GetPoseRefreshCycles() int {
	if c.PoseRefreshCycles == nil {
		return 10
	}
	return *c.PoseRefreshCycles
}

func (c *TrackingConfig) GetSearchThreshold() int {
	if c.SearchThreshold == nil {
		return 10
	}
	return *c.SearchThreshold
}

func (c *TrackingConfig) GetRecoverThreshold() int {
	if c.RecoverThreshold == nil {
		return 20
	}
	return *c.RecoverThreshold
}

func (c *TrackingConfig) GetSearchZoomStep() float64 {
	if c.SearchZoomStep == nil {
		return 0.05
	}
	return *c.SearchZoomStep
}

func (c *TrackingConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 500
	}
	return *c.QueueSize
}

func (c *TrackingConfig) GetSessionInbox() int {
	if c.SessionInbox == nil {
		return 64
	}
	return *c.SessionInbox
}

func (c *TrackingConfig) GetStopTimeout() time.Duration {
	return durationOr(c.StopTimeout, 2*time.Second)
}
