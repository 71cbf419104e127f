package tracking

import "math"

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackTentative TrackState = "tentative" // New track, needs confirmation
	TrackConfirmed TrackState = "confirmed" // Enough consecutive hits
	TrackDeleted   TrackState = "deleted"   // Marked for removal this frame
)

const (
	confidenceHistoryLen = 5
	centerHistoryLen     = 30
	movementWindow       = 7
	movementVotes        = 5
)

// Point is a box center in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Track is one object followed by the store.
type Track struct {
	ID    int
	State TrackState

	filter *BoxKalmanFilter

	LastClass         int
	LastConfidence    float64
	confidenceHistory []float64

	predicted BBox // prediction made at the start of the current Update
}

func newTrack(id int, det Detection, noise KalmanNoise) *Track {
	t := &Track{
		ID:             id,
		State:          TrackTentative,
		filter:         NewBoxKalmanFilter(det.BBox, noise),
		LastClass:      det.ClassID,
		LastConfidence: det.Confidence,
	}
	t.pushConfidence(det.Confidence)
	return t
}

func (t *Track) predict() BBox {
	t.predicted = t.filter.Predict()
	return t.predicted
}

func (t *Track) update(det Detection) {
	t.filter.Update(det.BBox)
	t.LastClass = det.ClassID
	t.LastConfidence = det.Confidence
	t.pushConfidence(det.Confidence)
}

func (t *Track) pushConfidence(c float64) {
	t.confidenceHistory = append(t.confidenceHistory, c)
	if len(t.confidenceHistory) > confidenceHistoryLen {
		t.confidenceHistory = t.confidenceHistory[1:]
	}
}

// AverageConfidence is the mean over the bounded confidence ring.
func (t *Track) AverageConfidence() float64 {
	if len(t.confidenceHistory) == 0 {
		return 0
	}
	var sum float64
	for _, c := range t.confidenceHistory {
		sum += c
	}
	return sum / float64(len(t.confidenceHistory))
}

// BBox returns the filter's current estimate.
func (t *Track) BBox() BBox { return t.filter.State() }

// Counters exposes the filter's lifecycle counters.
func (t *Track) Counters() (hits, hitStreak, age, timeSinceUpdate int) {
	f := t.filter
	return f.Hits, f.HitStreak, f.Age, f.TimeSinceUpdate
}

// TimeSinceUpdate is the number of predictions since the last matched detection.
func (t *Track) TimeSinceUpdate() int { return t.filter.TimeSinceUpdate }

// trackHistory is the per-track state kept only for output: centers, movement
// votes, the last emitted result and the loss counter.
type trackHistory struct {
	centers []Point
	moving  []bool
	last    *TrackResult
	lost    int
}

func (h *trackHistory) addCenter(p Point) {
	h.centers = append(h.centers, p)
	if len(h.centers) > centerHistoryLen {
		h.centers = h.centers[1:]
	}
}

// observeMovement compares the newest center against the mean of the
// previous window and returns the majority vote over the recent flags.
func (h *trackHistory) observeMovement(thresholdPx float64) bool {
	n := len(h.centers)
	if n < movementWindow+1 {
		return false
	}
	var mx, my float64
	for _, c := range h.centers[n-movementWindow-1 : n-1] {
		mx += c.X
		my += c.Y
	}
	mx /= movementWindow
	my /= movementWindow
	cur := h.centers[n-1]
	instant := math.Hypot(cur.X-mx, cur.Y-my) > thresholdPx

	h.moving = append(h.moving, instant)
	if len(h.moving) > movementVotes {
		h.moving = h.moving[1:]
	}
	votes := 0
	for _, m := range h.moving {
		if m {
			votes++
		}
	}
	return votes > len(h.moving)/2
}

func (h *trackHistory) recentCenters(n int) []Point {
	if len(h.centers) < n {
		n = len(h.centers)
	}
	out := make([]Point, n)
	copy(out, h.centers[len(h.centers)-n:])
	return out
}
