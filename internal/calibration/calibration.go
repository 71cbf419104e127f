// Package calibration holds the per-camera correction record consumed by the
// motion controller, the workflow that produces it, and its stores.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default correction constants for an uncalibrated camera.
const (
	DefaultSensitivity = 0.005
	DefaultDeadzone    = 0.03
	movementClamp      = 0.5
)

// Data is the persisted calibration record for one camera, keyed by IP.
type Data struct {
	CameraIP        string    `json:"camera_ip"`
	CenterOffsetX   float64   `json:"center_offset_x"`
	CenterOffsetY   float64   `json:"center_offset_y"`
	PanDirection    int       `json:"pan_direction"`
	TiltDirection   int       `json:"tilt_direction"`
	PanSensitivity  float64   `json:"pan_sensitivity"`
	TiltSensitivity float64   `json:"tilt_sensitivity"`
	DeadzoneX       float64   `json:"deadzone_x"`
	DeadzoneY       float64   `json:"deadzone_y"`
	CalibrationDate time.Time `json:"calibration_date"`
}

// Default returns the neutral calibration for ip: no offset, normal axes.
func Default(ip string) Data {
	return Data{
		CameraIP:        ip,
		PanDirection:    1,
		TiltDirection:   1,
		PanSensitivity:  DefaultSensitivity,
		TiltSensitivity: DefaultSensitivity,
		DeadzoneX:       DefaultDeadzone,
		DeadzoneY:       DefaultDeadzone,
	}
}

// Validate checks that d can drive the motion controller.
func (d Data) Validate() error {
	if d.CameraIP == "" {
		return errors.New("camera_ip is required")
	}
	if d.PanDirection != 1 && d.PanDirection != -1 {
		return fmt.Errorf("pan_direction must be 1 or -1, got %d", d.PanDirection)
	}
	if d.TiltDirection != 1 && d.TiltDirection != -1 {
		return fmt.Errorf("tilt_direction must be 1 or -1, got %d", d.TiltDirection)
	}
	for name, v := range map[string]float64{
		"center_offset_x": d.CenterOffsetX,
		"center_offset_y": d.CenterOffsetY,
	} {
		if math.IsNaN(v) || v < -0.5 || v > 0.5 {
			return fmt.Errorf("%s must be in [-0.5, 0.5], got %v", name, v)
		}
	}
	for name, v := range map[string]float64{
		"pan_sensitivity":  d.PanSensitivity,
		"tilt_sensitivity": d.TiltSensitivity,
	} {
		if math.IsNaN(v) || v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, v)
		}
	}
	for name, v := range map[string]float64{
		"deadzone_x": d.DeadzoneX,
		"deadzone_y": d.DeadzoneY,
	} {
		if math.IsNaN(v) || v < 0 || v >= 0.5 {
			return fmt.Errorf("%s must be in [0, 0.5), got %v", name, v)
		}
	}
	return nil
}

// CenterX returns the corrected normalized frame center on the x axis.
func (d Data) CenterX() float64 { return 0.5 + d.CenterOffsetX }

// CenterY returns the corrected normalized frame center on the y axis.
func (d Data) CenterY() float64 { return 0.5 + d.CenterOffsetY }

// Movement returns the calibrated pan/tilt speeds, each in [-0.5, 0.5], that
// move an object at pixel (objX, objY) toward the corrected frame center.
// Offsets inside the deadzone produce zero on that axis.
func (d Data) Movement(objX, objY float64, frameW, frameH int) (pan, tilt float64) {
	fw, fh := float64(frameW), float64(frameH)
	dx := objX - fw*d.CenterX()
	dy := objY - fh*d.CenterY()
	if math.Abs(dx) < fw*d.DeadzoneX {
		dx = 0
	}
	if math.Abs(dy) < fh*d.DeadzoneY {
		dy = 0
	}
	pan = clamp(dx*d.PanSensitivity*float64(d.PanDirection), movementClamp)
	tilt = clamp(-dy*d.TiltSensitivity*float64(d.TiltDirection), movementClamp)
	return pan, tilt
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
