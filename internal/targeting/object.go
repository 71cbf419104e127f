// Package targeting decides which tracked object the camera follows. It keeps
// a normalized motion history per track, scores every live object each
// cycle and runs the alternation schedule between them.
package targeting

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/harbour.watch/internal/tracking"
)

const (
	velocityWindow  = 5
	movingMinSpeed  = 0.01 // frame widths per second
	predictionDecay = 0.8
)

// ObjectPosition is one normalized observation: coordinates and sizes are
// fractions of the frame.
type ObjectPosition struct {
	CX          float64   `json:"cx"`
	CY          float64   `json:"cy"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	ClassID     int       `json:"class_id"`
}

// PositionFromTrack normalizes a pixel-space track result.
func PositionFromTrack(r tracking.TrackResult, frameW, frameH int, ts time.Time) ObjectPosition {
	fw, fh := float64(frameW), float64(frameH)
	cx, cy := r.BBox.Center()
	return ObjectPosition{
		CX:          cx / fw,
		CY:          cy / fh,
		Width:       r.BBox.Width() / fw,
		Height:      r.BBox.Height() / fh,
		Confidence:  r.Confidence,
		Timestamp:   ts,
		FrameWidth:  frameW,
		FrameHeight: frameH,
		ClassID:     r.ClassID,
	}
}

// Area is the fraction of the frame the object covers.
func (p ObjectPosition) Area() float64 { return p.Width * p.Height }

// DistanceToCenter is the distance from the frame center, at most √0.5.
func (p ObjectPosition) DistanceToCenter() float64 {
	return math.Hypot(p.CX-0.5, p.CY-0.5)
}

// TrackedObject is a track as seen by the scheduler: the same ID as in the
// TrackStore plus a bounded normalized history and derived motion features.
type TrackedObject struct {
	ID int

	positions  []ObjectPosition
	historyLen int

	FirstSeen time.Time
	LastSeen  time.Time

	// Derived on every AddPosition.
	VX, VY        float64 // frame fractions per second
	Speed         float64
	Direction     float64 // degrees, 0 = +x
	Moving        bool
	SizeStability float64 // 1/(1+variance of area)
	ShapeRatio    float64 // mean width/height

	// TrackMoving is the TrackStore's smoothed pixel-space movement flag.
	TrackMoving bool

	// Scheduling metadata, owned by the Scheduler.
	Priority          float64
	IsPrimaryTarget   bool
	LastTargetedTime  time.Time
	TotalTrackingTime time.Duration
}

// NewTrackedObject starts an object from its first observation.
func NewTrackedObject(id int, p ObjectPosition, historyLen int) *TrackedObject {
	if historyLen < 2 {
		historyLen = 2
	}
	o := &TrackedObject{ID: id, historyLen: historyLen, FirstSeen: p.Timestamp}
	o.AddPosition(p)
	return o
}

// AddPosition appends an observation, dropping the oldest past the history
// cap, and refreshes the motion features.
func (o *TrackedObject) AddPosition(p ObjectPosition) {
	o.positions = append(o.positions, p)
	if len(o.positions) > o.historyLen {
		o.positions = o.positions[len(o.positions)-o.historyLen:]
	}
	o.LastSeen = p.Timestamp
	o.updateMotion()
	o.updateShape()
}

func (o *TrackedObject) updateMotion() {
	n := len(o.positions)
	if n < 2 {
		return
	}
	window := o.positions[max(0, n-velocityWindow):]
	first, last := window[0], window[len(window)-1]
	dt := last.Timestamp.Sub(first.Timestamp).Seconds()
	if dt <= 0 {
		return
	}
	o.VX = (last.CX - first.CX) / dt
	o.VY = (last.CY - first.CY) / dt
	o.Speed = math.Hypot(o.VX, o.VY)
	o.Direction = math.Atan2(o.VY, o.VX) * 180 / math.Pi
	o.Moving = o.Speed > movingMinSpeed
}

func (o *TrackedObject) updateShape() {
	areas := make([]float64, 0, len(o.positions))
	ratios := make([]float64, 0, len(o.positions))
	for _, p := range o.positions {
		areas = append(areas, p.Area())
		if p.Height > 0 {
			ratios = append(ratios, p.Width/p.Height)
		}
	}
	o.SizeStability = 1
	if len(areas) > 1 {
		o.SizeStability = 1 / (1 + stat.Variance(areas, nil))
	}
	if len(ratios) > 0 {
		o.ShapeRatio = stat.Mean(ratios, nil)
	}
}

// Current returns the newest observation.
func (o *TrackedObject) Current() ObjectPosition {
	return o.positions[len(o.positions)-1]
}

// History returns a copy of the bounded observation history, oldest first.
func (o *TrackedObject) History() []ObjectPosition {
	out := make([]ObjectPosition, len(o.positions))
	copy(out, o.positions)
	return out
}

// AverageConfidence is the mean confidence over the history.
func (o *TrackedObject) AverageConfidence() float64 {
	confs := make([]float64, len(o.positions))
	for i, p := range o.positions {
		confs[i] = p.Confidence
	}
	return floats.Sum(confs) / float64(len(confs))
}

// IsMoving combines the normalized speed test with the TrackStore flag.
func (o *TrackedObject) IsMoving() bool { return o.Moving || o.TrackMoving }

// PredictedPosition extrapolates the current observation dt ahead. The
// confidence is discounted because the sample is synthetic.
func (o *TrackedObject) PredictedPosition(dt time.Duration) ObjectPosition {
	p := o.Current()
	s := dt.Seconds()
	p.CX = clamp(p.CX+o.VX*s, 0, 1)
	p.CY = clamp(p.CY+o.VY*s, 0, 1)
	p.Timestamp = p.Timestamp.Add(dt)
	p.Confidence *= predictionDecay
	return p
}

// IsLost reports whether the object has not been observed for lifetime.
func (o *TrackedObject) IsLost(now time.Time, lifetime time.Duration) bool {
	return now.Sub(o.LastSeen) > lifetime
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
