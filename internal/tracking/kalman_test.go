package tracking

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoxKalmanFilter_Counters(t *testing.T) {
	t.Parallel()
	k := NewBoxKalmanFilter(BBox{100, 100, 140, 140}, DefaultKalmanNoise())
	assert.Equal(t, 1, k.Age)
	assert.Equal(t, 1, k.Hits)
	assert.Equal(t, 1, k.HitStreak)
	assert.Equal(t, 0, k.TimeSinceUpdate)

	k.Predict()
	assert.Equal(t, 2, k.Age)
	assert.Equal(t, 1, k.TimeSinceUpdate)
	assert.Equal(t, 1, k.HitStreak, "first miss keeps the streak until the next predict")

	k.Predict()
	assert.Equal(t, 2, k.TimeSinceUpdate)
	assert.Equal(t, 0, k.HitStreak)

	k.Update(BBox{100, 100, 140, 140})
	assert.Equal(t, 0, k.TimeSinceUpdate)
	assert.Equal(t, 2, k.Hits)
	assert.Equal(t, 1, k.HitStreak)
}

func TestBoxKalmanFilter_StationaryPrediction(t *testing.T) {
	t.Parallel()
	b := BBox{100, 100, 140, 140}
	k := NewBoxKalmanFilter(b, DefaultKalmanNoise())
	got := k.Predict()
	assert.InDelta(t, b.X1, got.X1, 1e-9)
	assert.InDelta(t, b.Y2, got.Y2, 1e-9)
}

func TestBoxKalmanFilter_ConvergesOnConstantVelocity(t *testing.T) {
	t.Parallel()
	truth := func(step int) (float64, float64) {
		return 100 + 6*float64(step), 300 - 3*float64(step)
	}
	cx, cy := truth(0)
	k := NewBoxKalmanFilter(BBoxFromCenter(cx, cy, 40, 30), DefaultKalmanNoise())

	var lastErr float64
	for step := 1; step <= 40; step++ {
		pred := k.Predict()
		px, py := pred.Center()
		tx, ty := truth(step)
		lastErr = math.Hypot(px-tx, py-ty)
		if step > 25 {
			assert.Less(t, lastErr, 2.0, "step %d prediction error", step)
		}
		k.Update(BBoxFromCenter(tx, ty, 40, 30))
	}

	vx, vy := k.Velocity()
	assert.InDelta(t, 6, vx, 0.5)
	assert.InDelta(t, -3, vy, 0.5)
	assert.Less(t, lastErr, 1.0)
}

func TestBoxKalmanFilter_ClampsSize(t *testing.T) {
	t.Parallel()
	k := NewBoxKalmanFilter(BBox{10, 10, 10.5, 10.2}, DefaultKalmanNoise())
	b := k.State()
	assert.GreaterOrEqual(t, b.Width(), 1.0)
	assert.GreaterOrEqual(t, b.Height(), 1.0)

	// A shrinking box must never produce a degenerate prediction.
	for i := 0; i < 10; i++ {
		k.Update(BBox{10, 10, 10, 10})
		p := k.Predict()
		assert.GreaterOrEqual(t, p.Width(), 1.0)
		assert.GreaterOrEqual(t, p.Height(), 1.0)
	}
}
