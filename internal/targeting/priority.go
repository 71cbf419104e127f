package targeting

import (
	"math"

	"github.com/banshee-data/harbour.watch/internal/config"
)

const (
	speedScale = 10 // speed of 0.1 frame/s saturates the movement term
	areaScale  = 4  // a quarter of the frame saturates the size term
)

var maxCenterDistance = math.Sqrt(0.5)

// Weights are the priority weights. They are not forced to sum to 1.
type Weights struct {
	Confidence float64 `json:"confidence"`
	Movement   float64 `json:"movement"`
	Size       float64 `json:"size"`
	Proximity  float64 `json:"proximity"`
}

// WeightsFromTuning reads the priority weights from a TrackingConfig.
func WeightsFromTuning(cfg *config.TrackingConfig) Weights {
	return Weights{
		Confidence: cfg.GetConfidenceWeight(),
		Movement:   cfg.GetMovementWeight(),
		Size:       cfg.GetSizeWeight(),
		Proximity:  cfg.GetProximityWeight(),
	}
}

// ScoreTerms are the unweighted priority terms, each in [0,1].
type ScoreTerms struct {
	Confidence float64 `json:"confidence"`
	Movement   float64 `json:"movement"`
	Size       float64 `json:"size"`
	Proximity  float64 `json:"proximity"`
}

// Scorer ranks objects by how worth following they are right now.
type Scorer struct {
	Weights Weights
}

// Terms computes the clamped priority terms of an object.
func (s Scorer) Terms(o *TrackedObject) ScoreTerms {
	cur := o.Current()
	var movement float64
	if o.IsMoving() {
		movement = o.Speed * speedScale
	}
	return ScoreTerms{
		Confidence: clamp(o.AverageConfidence(), 0, 1),
		Movement:   clamp(movement, 0, 1),
		Size:       clamp(cur.Area()*areaScale, 0, 1),
		Proximity:  clamp(1-cur.DistanceToCenter()/maxCenterDistance, 0, 1),
	}
}

// Score returns the weighted sum of the terms.
func (s Scorer) Score(o *TrackedObject) float64 {
	t := s.Terms(o)
	w := s.Weights
	return w.Confidence*t.Confidence + w.Movement*t.Movement + w.Size*t.Size + w.Proximity*t.Proximity
}
