package tracking

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	stateDim = 6 // cx, cy, w, h, vx, vy
	measDim  = 4 // cx, cy, w, h

	minBoxSide = 1.0
)

// KalmanNoise holds the fixed diagonal noise terms of the box filter.
type KalmanNoise struct {
	ProcessPos      float64 // Q for cx, cy, w, h
	ProcessVel      float64 // Q for vx, vy
	MeasurementPos  float64 // R for cx, cy (px²)
	MeasurementSize float64 // R for w, h (px²)
}

// DefaultKalmanNoise returns the noise used when no config is supplied.
func DefaultKalmanNoise() KalmanNoise {
	return KalmanNoise{ProcessPos: 0.5, ProcessVel: 0.1, MeasurementPos: 10 * 10, MeasurementSize: 20 * 20}
}

// BoxKalmanFilter is a constant-velocity Kalman filter over one object's
// bounding box. The state is [cx, cy, w, h, vx, vy] and a step is one frame.
type BoxKalmanFilter struct {
	x *mat.VecDense
	P *mat.Dense

	F, H, Q, R *mat.Dense
	eye        *mat.DiagDense

	Age             int // Predict calls since creation, starting at 1
	Hits            int // Total updates
	HitStreak       int // Consecutive updates without a missed frame
	TimeSinceUpdate int // Predict calls since the last update
}

// NewBoxKalmanFilter initialises a filter from a first detection box.
// Velocity starts at zero with a wide covariance; position and size start
// moderately certain.
func NewBoxKalmanFilter(b BBox, noise KalmanNoise) *BoxKalmanFilter {
	cx, cy := b.Center()
	w, h := math.Max(b.Width(), minBoxSide), math.Max(b.Height(), minBoxSide)

	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	f.Set(0, 4, 1)
	f.Set(1, 5, 1)

	hm := mat.NewDense(measDim, stateDim, nil)
	for i := 0; i < measDim; i++ {
		hm.Set(i, i, 1)
	}

	q := diag(noise.ProcessPos, noise.ProcessPos, noise.ProcessPos, noise.ProcessPos, noise.ProcessVel, noise.ProcessVel)
	r := diag(noise.MeasurementPos, noise.MeasurementPos, noise.MeasurementSize, noise.MeasurementSize)
	p := diag(10*10, 10*10, 20*20, 20*20, 100*100, 100*100)

	ones := make([]float64, stateDim)
	for i := range ones {
		ones[i] = 1
	}

	return &BoxKalmanFilter{
		x:         mat.NewVecDense(stateDim, []float64{cx, cy, w, h, 0, 0}),
		P:         p,
		F:         f,
		H:         hm,
		Q:         q,
		R:         r,
		eye:       mat.NewDiagDense(stateDim, ones),
		Age:       1,
		Hits:      1,
		HitStreak: 1,
	}
}

func diag(v ...float64) *mat.Dense {
	m := mat.NewDense(len(v), len(v), nil)
	for i, x := range v {
		m.Set(i, i, x)
	}
	return m
}

// Predict advances the state by one frame and returns the predicted box.
func (k *BoxKalmanFilter) Predict() BBox {
	k.clampSize()

	var x mat.VecDense
	x.MulVec(k.F, k.x)
	k.x = &x

	var fp, fpft, p mat.Dense
	fp.Mul(k.F, k.P)
	fpft.Mul(&fp, k.F.T())
	p.Add(&fpft, k.Q)
	k.P = &p

	k.clampSize()
	k.Age++
	if k.TimeSinceUpdate > 0 {
		k.HitStreak = 0
	}
	k.TimeSinceUpdate++
	return k.State()
}

// Update corrects the state with a measured box. A numerically singular
// innovation covariance skips the correction but the hit still counts.
func (k *BoxKalmanFilter) Update(b BBox) {
	k.TimeSinceUpdate = 0
	k.Hits++
	k.HitStreak++

	cx, cy := b.Center()
	z := mat.NewVecDense(measDim, []float64{cx, cy, math.Max(b.Width(), minBoxSide), math.Max(b.Height(), minBoxSide)})

	var hx, y mat.VecDense
	hx.MulVec(k.H, k.x)
	y.SubVec(z, &hx)

	var hp, hpht, s mat.Dense
	hp.Mul(k.H, k.P)
	hpht.Mul(&hp, k.H.T())
	s.Add(&hpht, k.R)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return
		}
	}

	var pht, gain mat.Dense
	pht.Mul(k.P, k.H.T())
	gain.Mul(&pht, &sInv)

	var ky, x mat.VecDense
	ky.MulVec(&gain, &y)
	x.AddVec(k.x, &ky)
	k.x = &x

	var kh, ikh, p mat.Dense
	kh.Mul(&gain, k.H)
	ikh.Sub(k.eye, &kh)
	p.Mul(&ikh, k.P)
	k.P = &p

	k.clampSize()
}

func (k *BoxKalmanFilter) clampSize() {
	for i := 2; i <= 3; i++ {
		if v := k.x.AtVec(i); v < minBoxSide || math.IsNaN(v) {
			k.x.SetVec(i, minBoxSide)
		}
	}
}

// State returns the current state as a box with width and height at least 1.
func (k *BoxKalmanFilter) State() BBox {
	w := math.Max(k.x.AtVec(2), minBoxSide)
	h := math.Max(k.x.AtVec(3), minBoxSide)
	return BBoxFromCenter(k.x.AtVec(0), k.x.AtVec(1), w, h)
}

// Velocity returns the estimated center velocity in px per frame.
func (k *BoxKalmanFilter) Velocity() (vx, vy float64) {
	return k.x.AtVec(4), k.x.AtVec(5)
}
