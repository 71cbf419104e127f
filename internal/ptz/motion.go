package ptz

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/targeting"
)

// MotionConfig holds the motion controller parameters.
type MotionConfig struct {
	MaxPanSpeed  float64
	MaxTiltSpeed float64
	Smoothing    float64 // 0 = no smoothing, must stay below 1

	AutoZoom          bool
	TargetObjectRatio float64 // desired target area as a fraction of the frame
	ZoomSpeed         float64
	MinZoom           float64
	MaxZoom           float64
	ZoomTolerance     float64

	UseAbsolute  bool
	AbsoluteStep float64       // generic-space step per unit speed in absolute mode
	MovePulse    time.Duration // continuous moves stop after this unless renewed

	ActuatorTimeout   time.Duration
	PoseRefreshCycles int // re-read the pose every N tracked cycles; 0 disables
}

// MotionConfigFromTuning builds a MotionConfig from a loaded TrackingConfig.
func MotionConfigFromTuning(cfg *config.TrackingConfig) MotionConfig {
	return MotionConfig{
		MaxPanSpeed:       cfg.GetMaxPanSpeed(),
		MaxTiltSpeed:      cfg.GetMaxTiltSpeed(),
		Smoothing:         cfg.GetMovementSmoothing(),
		AutoZoom:          cfg.GetAutoZoomEnabled(),
		TargetObjectRatio: cfg.GetTargetObjectRatio(),
		ZoomSpeed:         cfg.GetZoomSpeed(),
		MinZoom:           cfg.GetMinZoomLevel(),
		MaxZoom:           cfg.GetMaxZoomLevel(),
		ZoomTolerance:     cfg.GetZoomTolerance(),
		UseAbsolute:       cfg.GetUseAbsoluteMove(),
		AbsoluteStep:      cfg.GetAbsoluteStep(),
		MovePulse:         cfg.GetMovePulse(),
		ActuatorTimeout:   cfg.GetActuatorTimeout(),
		PoseRefreshCycles: cfg.GetPoseRefreshCycles(),
	}
}

// Velocity is a pan/tilt/zoom speed command.
type Velocity struct {
	Pan, Tilt, Zoom float64
}

func (v Velocity) zero() bool { return v == Velocity{} }

// MotionStats counts commands issued by a MotionController.
type MotionStats struct {
	Commands        int    `json:"commands"`
	SuccessfulMoves int    `json:"successful_moves"`
	FailedMoves     int    `json:"failed_moves"`
	Stops           int    `json:"stops"`
	ZoomChanges     int    `json:"zoom_changes"`
	LastError       string `json:"last_error,omitempty"`
}

// SuccessRate is the fraction of actuator commands that succeeded, or 1
// before any command.
func (s MotionStats) SuccessRate() float64 {
	total := s.SuccessfulMoves + s.FailedMoves
	if total == 0 {
		return 1
	}
	return float64(s.SuccessfulMoves) / float64(total)
}

// MotionController turns the followed target's frame geometry into bounded
// actuator commands. It belongs to one session's control loop and is not
// safe for concurrent use.
type MotionController struct {
	cfg   MotionConfig
	act   Actuator
	cal   calibration.Data
	label string

	prev        Velocity // last smoothed command
	moving      bool     // a continuous move may be in progress
	stopAt      time.Time
	pose        Pose
	poseKnown   bool
	lastZoomDir int
	cycles      int

	stats MotionStats
}

// NewMotionController builds a controller for act. Absolute mode is refused
// when the actuator cannot do absolute moves.
func NewMotionController(cfg MotionConfig, act Actuator, cal calibration.Data) (*MotionController, error) {
	caps := act.Capabilities()
	if cfg.UseAbsolute && !caps.AbsoluteMove {
		return nil, fmt.Errorf("%w: absolute move mode on %s", ErrUnsupported, cal.CameraIP)
	}
	if cfg.UseAbsolute && !caps.PositionFeed {
		return nil, fmt.Errorf("%w: absolute move mode on %s needs a position feed", ErrUnsupported, cal.CameraIP)
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be in [0,1), got %v", cfg.Smoothing)
	}
	return &MotionController{cfg: cfg, act: act, cal: cal, label: cal.CameraIP}, nil
}

// SetCalibration replaces the calibration used for centering.
func (m *MotionController) SetCalibration(cal calibration.Data) { m.cal = cal }

// Calibration returns the calibration in use.
func (m *MotionController) Calibration() calibration.Data { return m.cal }

// Stats returns a copy of the counters.
func (m *MotionController) Stats() MotionStats { return m.stats }

// Pose returns the last known camera pose.
func (m *MotionController) Pose() (Pose, bool) { return m.pose, m.poseKnown }

// Active reports whether a continuous move may still be running.
func (m *MotionController) Active() bool { return m.moving }

// Compute returns the smoothed velocity command for target and records it
// as the previous command. An axis inside the deadzone is exactly zero.
func (m *MotionController) Compute(target targeting.ObjectPosition) Velocity {
	fw, fh := float64(target.FrameWidth), float64(target.FrameHeight)

	var raw Velocity
	if ex := target.CX - m.cal.CenterX(); math.Abs(ex) >= m.cal.DeadzoneX {
		raw.Pan = clamp(ex*fw*m.cal.PanSensitivity*float64(m.cal.PanDirection), -m.cfg.MaxPanSpeed, m.cfg.MaxPanSpeed)
	}
	if ey := target.CY - m.cal.CenterY(); math.Abs(ey) >= m.cal.DeadzoneY {
		raw.Tilt = clamp(-ey*fh*m.cal.TiltSensitivity*float64(m.cal.TiltDirection), -m.cfg.MaxTiltSpeed, m.cfg.MaxTiltSpeed)
	}
	raw.Zoom = m.zoomSpeed(target)

	out := Velocity{
		Pan:  m.smooth(m.prev.Pan, raw.Pan),
		Tilt: m.smooth(m.prev.Tilt, raw.Tilt),
		Zoom: raw.Zoom,
	}
	m.prev = out
	return out
}

func (m *MotionController) smooth(prev, target float64) float64 {
	if target == 0 {
		return 0
	}
	return prev + (1-m.cfg.Smoothing)*(target-prev)
}

// zoomSpeed servos the target's area ratio toward TargetObjectRatio. No
// zoom-in is issued at MaxZoom and no zoom-out at MinZoom.
func (m *MotionController) zoomSpeed(target targeting.ObjectPosition) float64 {
	if !m.cfg.AutoZoom {
		return 0
	}
	diff := m.cfg.TargetObjectRatio - target.Area()
	switch {
	case math.Abs(diff) <= m.cfg.ZoomTolerance:
		return 0
	case diff > 0:
		if m.poseKnown && m.pose.Zoom >= m.cfg.MaxZoom {
			return 0
		}
		return m.cfg.ZoomSpeed
	default:
		if m.poseKnown && m.pose.Zoom <= m.cfg.MinZoom {
			return 0
		}
		return -m.cfg.ZoomSpeed
	}
}

// Track computes and issues this cycle's command for target.
func (m *MotionController) Track(ctx context.Context, target targeting.ObjectPosition, now time.Time) MoveResult {
	m.cycles++
	queried := false
	if m.cfg.PoseRefreshCycles > 0 && (m.cycles%m.cfg.PoseRefreshCycles == 0 || !m.poseKnown) {
		m.RefreshPose(ctx)
		queried = true
	}

	v := m.Compute(target)
	m.countZoom(v.Zoom)

	if v.zero() {
		if m.moving {
			return m.stop(ctx)
		}
		return MoveResult{Success: true, Command: CommandHold}
	}
	if m.cfg.UseAbsolute && !m.poseKnown && !queried {
		m.RefreshPose(ctx)
	}
	if m.cfg.UseAbsolute && !m.poseKnown {
		// Absolute targets are offsets from the current pose; without one,
		// pulse instead of sending the camera toward home.
		monitoring.Debugf("[ptz %s] pose unknown, continuous pulse instead of absolute move", m.label)
		return m.continuous(ctx, v, now, CommandContinuous)
	}
	if m.cfg.UseAbsolute {
		next := m.pose
		next.Pan = clamp(next.Pan+v.Pan*m.cfg.AbsoluteStep, -1, 1)
		next.Tilt = clamp(next.Tilt+v.Tilt*m.cfg.AbsoluteStep, -1, 1)
		next.Zoom = clamp(next.Zoom+v.Zoom*m.cfg.AbsoluteStep, m.cfg.MinZoom, m.cfg.MaxZoom)
		return m.absolute(ctx, next, CommandAbsolute)
	}
	return m.continuous(ctx, v, now, CommandContinuous)
}

func (m *MotionController) countZoom(z float64) {
	dir := 0
	switch {
	case z > 0:
		dir = 1
	case z < 0:
		dir = -1
	}
	if dir != 0 && dir != m.lastZoomDir {
		m.stats.ZoomChanges++
	}
	m.lastZoomDir = dir
}

// Tick stops a continuous move whose pulse has expired. It is called once
// per control cycle before any new command.
func (m *MotionController) Tick(ctx context.Context, now time.Time) (MoveResult, bool) {
	if !m.moving || m.stopAt.IsZero() || now.Before(m.stopAt) {
		return MoveResult{}, false
	}
	return m.stop(ctx), true
}

// Halt stops any motion immediately and forgets the smoothing state.
func (m *MotionController) Halt(ctx context.Context) MoveResult {
	m.prev = Velocity{}
	m.lastZoomDir = 0
	return m.stop(ctx)
}

// SearchZoom zooms out by step, never below floor. Without a known pose the
// distance to floor cannot be judged, so no command is sent.
func (m *MotionController) SearchZoom(ctx context.Context, step, floor float64, now time.Time) MoveResult {
	floor = math.Max(floor, m.cfg.MinZoom)
	if !m.poseKnown && !m.RefreshPose(ctx) {
		return MoveResult{Command: CommandSearch, Reason: ErrPoseUnknown.Error()}
	}
	if m.poseKnown && m.pose.Zoom <= floor {
		return MoveResult{Success: true, Command: CommandHold, Zoom: m.pose.Zoom}
	}
	if m.act.Capabilities().AbsoluteMove && m.poseKnown {
		next := m.pose
		next.Zoom = math.Max(floor, m.pose.Zoom-step)
		return m.absolute(ctx, next, CommandSearch)
	}
	r := m.continuous(ctx, Velocity{Zoom: -m.cfg.ZoomSpeed}, now, CommandSearch)
	if r.Success && m.poseKnown {
		m.pose.Zoom = math.Max(floor, m.pose.Zoom-step)
	}
	return r
}

// RestorePose moves the camera to p with one absolute move.
func (m *MotionController) RestorePose(ctx context.Context, p Pose) MoveResult {
	if !m.act.Capabilities().AbsoluteMove {
		m.stats.Commands++
		m.stats.FailedMoves++
		m.stats.LastError = ErrUnsupported.Error()
		return MoveResult{Command: CommandRestore, Reason: ErrUnsupported.Error()}
	}
	return m.absolute(ctx, p.Clamp(), CommandRestore)
}

// RefreshPose reads the pose from the actuator. Failures keep the previous
// estimate.
func (m *MotionController) RefreshPose(ctx context.Context) bool {
	if !m.act.Capabilities().PositionFeed {
		return false
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()
	p, err := m.act.Position(ctx)
	if err != nil {
		monitoring.Debugf("[ptz %s] position query failed: %v", m.label, err)
		return false
	}
	m.pose, m.poseKnown = p, true
	return true
}

func (m *MotionController) continuous(ctx context.Context, v Velocity, now time.Time, name string) MoveResult {
	r := MoveResult{Command: name, Pan: v.Pan, Tilt: v.Tilt, Zoom: v.Zoom}
	cctx, cancel := m.bound(ctx)
	defer cancel()
	if err := m.act.ContinuousMove(cctx, v.Pan, v.Tilt, v.Zoom); err != nil {
		return m.fail(r, err)
	}
	m.moving = true
	m.stopAt = now.Add(m.cfg.MovePulse)
	return m.succeed(r)
}

func (m *MotionController) absolute(ctx context.Context, p Pose, name string) MoveResult {
	r := MoveResult{Command: name, Pan: p.Pan, Tilt: p.Tilt, Zoom: p.Zoom}
	cctx, cancel := m.bound(ctx)
	defer cancel()
	if err := m.act.AbsoluteMove(cctx, p); err != nil {
		return m.fail(r, err)
	}
	m.pose, m.poseKnown = p, true
	m.moving = false
	m.stopAt = time.Time{}
	return m.succeed(r)
}

func (m *MotionController) stop(ctx context.Context) MoveResult {
	r := MoveResult{Command: CommandStop}
	cctx, cancel := m.bound(ctx)
	defer cancel()
	m.stopAt = time.Time{}
	if err := m.act.Stop(cctx); err != nil {
		// Still moving as far as we know; retry on the next tick.
		m.stopAt = time.Unix(0, 0)
		return m.fail(r, err)
	}
	m.moving = false
	m.stats.Stops++
	return m.succeed(r)
}

func (m *MotionController) succeed(r MoveResult) MoveResult {
	m.stats.Commands++
	m.stats.SuccessfulMoves++
	r.Success = true
	return r
}

func (m *MotionController) fail(r MoveResult, err error) MoveResult {
	m.stats.Commands++
	m.stats.FailedMoves++
	m.stats.LastError = err.Error()
	r.Reason = err.Error()
	monitoring.Logf("[ptz %s] %s failed: %v", m.label, r.Command, err)
	return r
}

func (m *MotionController) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.ActuatorTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.ActuatorTimeout)
}
