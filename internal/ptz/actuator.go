// Package ptz drives pan/tilt/zoom cameras: the actuator contract and its
// implementations, the per-cycle motion controller, and loss recovery.
package ptz

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrNotConnected is returned by actuator calls made before Connect or
// after Close.
var ErrNotConnected = errors.New("ptz: actuator not connected")

// ErrUnsupported is returned for commands the actuator cannot perform.
var ErrUnsupported = errors.New("ptz: unsupported command")

// ErrPoseUnknown is reported when a move needs the current pose and none
// could be read.
var ErrPoseUnknown = errors.New("ptz: pose unknown")

// Pose is a camera position in ONVIF generic space: pan and tilt in [-1, 1],
// zoom in [0, 1].
type Pose struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
	Zoom float64 `json:"zoom"`
}

// Clamp returns p with every axis inside its generic range.
func (p Pose) Clamp() Pose {
	return Pose{
		Pan:  clamp(p.Pan, -1, 1),
		Tilt: clamp(p.Tilt, -1, 1),
		Zoom: clamp(p.Zoom, 0, 1),
	}
}

func (p Pose) String() string {
	return fmt.Sprintf("pan=%.3f tilt=%.3f zoom=%.3f", p.Pan, p.Tilt, p.Zoom)
}

// Capabilities describes what an actuator supports. It is read once when a
// session is built.
type Capabilities struct {
	AbsoluteMove bool `json:"absolute_move"`
	PositionFeed bool `json:"position_feed"`
}

// ConnectionInfo identifies one camera.
type ConnectionInfo struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	// ProfileToken selects the media profile; empty means the first one.
	ProfileToken string `json:"profile_token,omitempty"`
}

// Validate checks the fields every actuator needs.
func (c ConnectionInfo) Validate() error {
	if c.IP == "" {
		return errors.New("ip is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Actuator is a PTZ camera. Every call may be slow and may fail; callers
// bound them with ctx.
type Actuator interface {
	Connect(ctx context.Context) error
	// ContinuousMove starts moving at the given velocities, each in [-1, 1],
	// until Stop or another move.
	ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error
	AbsoluteMove(ctx context.Context, p Pose) error
	Stop(ctx context.Context) error
	Position(ctx context.Context) (Pose, error)
	Capabilities() Capabilities
	Close() error
}

// Factory builds the actuator for a camera. Sessions receive one at
// construction so tests and dev mode can substitute SimulatedActuator.
type Factory func(info ConnectionInfo) (Actuator, error)

// MoveResult is the outcome of one command at the motion controller
// boundary. Actuator errors end up in Reason and never propagate further.
type MoveResult struct {
	Success bool    `json:"success"`
	Reason  string  `json:"reason,omitempty"`
	Command string  `json:"command"`
	Pan     float64 `json:"pan"`
	Tilt    float64 `json:"tilt"`
	Zoom    float64 `json:"zoom"`
}

// Command names reported in MoveResult.
const (
	CommandHold       = "hold"
	CommandContinuous = "continuous_move"
	CommandAbsolute   = "absolute_move"
	CommandStop       = "stop"
	CommandSearch     = "search_zoom"
	CommandRestore    = "restore_pose"
)

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
