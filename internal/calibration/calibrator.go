package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

// ErrNoPoints is returned by Finalize when no calibration points were added.
var ErrNoPoints = errors.New("no calibration points")

// Mover is the part of a PTZ actuator the direction test drives.
type Mover interface {
	ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error
	Stop(ctx context.Context) error
}

// Calibrator edits one camera's calibration. Edits only touch the in-memory
// record; nothing is persisted until Save.
type Calibrator struct {
	store Store
	clock timeutil.Clock
	data  Data

	pointsX, pointsY []float64
}

// NewCalibrator loads the calibration for ip from store, falling back to
// Default when none has been saved.
func NewCalibrator(ctx context.Context, store Store, clock timeutil.Clock, ip string) (*Calibrator, error) {
	data, err := store.Load(ctx, ip)
	switch {
	case errors.Is(err, ErrNotFound):
		data = Default(ip)
	case err != nil:
		return nil, fmt.Errorf("load calibration for %s: %w", ip, err)
	}
	return &Calibrator{store: store, clock: clock, data: data}, nil
}

// Data returns a copy of the working record.
func (c *Calibrator) Data() Data { return c.data }

// CalibrateCenter sets the center offset from a single detection of an object
// known to sit at the optical center.
func (c *Calibrator) CalibrateCenter(x, y float64, frameW, frameH int) error {
	if frameW <= 0 || frameH <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", frameW, frameH)
	}
	c.setOffset(x/float64(frameW)-0.5, y/float64(frameH)-0.5)
	return nil
}

// AddPoint records one observed center for averaging by Finalize.
func (c *Calibrator) AddPoint(x, y float64, frameW, frameH int) error {
	if frameW <= 0 || frameH <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", frameW, frameH)
	}
	c.pointsX = append(c.pointsX, x/float64(frameW))
	c.pointsY = append(c.pointsY, y/float64(frameH))
	return nil
}

// Points returns the number of points added since the last Finalize.
func (c *Calibrator) Points() int { return len(c.pointsX) }

// Finalize sets the center offset from the mean of the added points and
// clears them.
func (c *Calibrator) Finalize() error {
	if len(c.pointsX) == 0 {
		return ErrNoPoints
	}
	c.setOffset(stat.Mean(c.pointsX, nil)-0.5, stat.Mean(c.pointsY, nil)-0.5)
	monitoring.Logf("[calibration] %s: center from %d points -> offset (%.4f, %.4f)",
		c.data.CameraIP, len(c.pointsX), c.data.CenterOffsetX, c.data.CenterOffsetY)
	c.pointsX, c.pointsY = nil, nil
	return nil
}

func (c *Calibrator) setOffset(x, y float64) {
	c.data.CenterOffsetX = x
	c.data.CenterOffsetY = y
	c.data.CalibrationDate = c.clock.Now().UTC()
}

// SetInversion flips the pan and/or tilt axis.
func (c *Calibrator) SetInversion(panInverted, tiltInverted bool) {
	c.data.PanDirection, c.data.TiltDirection = 1, 1
	if panInverted {
		c.data.PanDirection = -1
	}
	if tiltInverted {
		c.data.TiltDirection = -1
	}
	c.data.CalibrationDate = c.clock.Now().UTC()
}

// AdjustSensitivity sets the non-nil sensitivities.
func (c *Calibrator) AdjustSensitivity(pan, tilt *float64) error {
	next := c.data
	if pan != nil {
		next.PanSensitivity = *pan
	}
	if tilt != nil {
		next.TiltSensitivity = *tilt
	}
	if err := next.Validate(); err != nil {
		return err
	}
	next.CalibrationDate = c.clock.Now().UTC()
	c.data = next
	return nil
}

// Save validates and persists the working record.
func (c *Calibrator) Save(ctx context.Context) error {
	if err := c.data.Validate(); err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}
	if err := c.store.Save(ctx, c.data); err != nil {
		return fmt.Errorf("save calibration for %s: %w", c.data.CameraIP, err)
	}
	monitoring.Logf("[calibration] saved %s", c.data.CameraIP)
	return nil
}

// DirectionStep is one leg of the direction test.
type DirectionStep struct {
	Name string  `json:"name"`
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
	Err  string  `json:"error,omitempty"`
}

// DirectionTest moves the camera right, left, up and down in turn so an
// operator can see whether an axis is inverted.
type DirectionTest struct {
	Speed    float64
	Duration time.Duration // each move
	Pause    time.Duration // between moves
}

// DefaultDirectionTest is a slow one second pulse per direction.
var DefaultDirectionTest = DirectionTest{Speed: 0.3, Duration: time.Second, Pause: 500 * time.Millisecond}

// Run drives m through the sequence. A failed leg is recorded and the
// sequence continues; only cancellation stops it early.
func (dt DirectionTest) Run(ctx context.Context, m Mover, clock timeutil.Clock) ([]DirectionStep, error) {
	steps := []DirectionStep{
		{Name: "pan_right", Pan: dt.Speed},
		{Name: "pan_left", Pan: -dt.Speed},
		{Name: "tilt_up", Tilt: dt.Speed},
		{Name: "tilt_down", Tilt: -dt.Speed},
	}
	for i := range steps {
		if i > 0 {
			if err := sleep(ctx, clock, dt.Pause); err != nil {
				return steps[:i], err
			}
		}
		s := &steps[i]
		if err := m.ContinuousMove(ctx, s.Pan, s.Tilt, 0); err != nil {
			s.Err = err.Error()
			continue
		}
		werr := sleep(ctx, clock, dt.Duration)
		if err := m.Stop(context.WithoutCancel(ctx)); err != nil && s.Err == "" {
			s.Err = err.Error()
		}
		if werr != nil {
			return steps[:i+1], werr
		}
	}
	return steps, nil
}

func sleep(ctx context.Context, clock timeutil.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
