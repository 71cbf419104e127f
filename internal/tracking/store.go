package tracking

import (
	"math"
	"sort"

	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
)

// emittedHistoryLen is how many recent centers a TrackResult carries.
const emittedHistoryLen = 10

// StoreConfig holds the TrackStore parameters.
type StoreConfig struct {
	NInit                   int     // Consecutive hits before a track is confirmed
	MaxAge                  int     // Missed frames before a confirmed track is deleted
	LostTTL                 int     // Frames a lost track's last result is re-emitted
	ConfThreshold           float64 // Results below this confidence are not emitted
	MovementThresholdPx     float64 // Center displacement that counts as movement
	GhostDistancePx         float64 // Purge lost tracks this far from every detection
	GhostMinMissed          int     // Misses before the ghost check applies
	ReassociationDistancePx float64 // Center gate for the confirmed-track second pass; 0 disables
	Noise                   KalmanNoise
}

// StoreConfigFromTuning builds a StoreConfig from a loaded TrackingConfig.
func StoreConfigFromTuning(cfg *config.TrackingConfig) StoreConfig {
	return StoreConfig{
		NInit:                   cfg.GetNInit(),
		MaxAge:                  cfg.GetMaxAge(),
		LostTTL:                 cfg.GetLostTTL(),
		ConfThreshold:           cfg.GetConfThreshold(),
		MovementThresholdPx:     cfg.GetMovementThresholdPx(),
		GhostDistancePx:         cfg.GetGhostDistancePx(),
		GhostMinMissed:          cfg.GetGhostMinMissed(),
		ReassociationDistancePx: cfg.GetReassociationDistancePx(),
		Noise: KalmanNoise{
			ProcessPos:      cfg.GetProcessNoisePos(),
			ProcessVel:      cfg.GetProcessNoiseVel(),
			MeasurementPos:  cfg.GetMeasurementNoisePos(),
			MeasurementSize: cfg.GetMeasurementNoiseSize(),
		},
	}
}

// DefaultStoreConfig returns the built-in defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfigFromTuning(config.EmptyTrackingConfig())
}

// TrackResult is one confirmed track as seen by downstream consumers.
type TrackResult struct {
	ID         int     `json:"id"`
	BBox       BBox    `json:"bbox"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	History    []Point `json:"history,omitempty"`
	Moving     bool    `json:"moving"`
	Velocity   Point   `json:"velocity"` // px per frame

	// Retained marks a re-emitted last result of a track not detected this
	// frame.
	Retained bool `json:"retained,omitempty"`
	// Untracked marks raw detections emitted after an association failure;
	// their IDs are synthetic and only unique within the frame.
	Untracked bool `json:"untracked,omitempty"`
}

// StoreStats counts store activity since creation.
type StoreStats struct {
	Frames       int `json:"frames"`
	Skipped      int `json:"skipped_detections"`
	Created      int `json:"tracks_created"`
	Deleted      int `json:"tracks_deleted"`
	GhostsPurged int `json:"ghosts_purged"`
	Fallbacks    int `json:"association_fallbacks"`
}

// TrackStore owns the live tracks of one camera.
type TrackStore struct {
	cfg     StoreConfig
	tracks  []*Track // ascending ID
	history map[int]*trackHistory
	nextID  int
	stats   StoreStats

	iou func(a, b BBox) float64
}

// NewTrackStore creates an empty store.
func NewTrackStore(cfg StoreConfig) *TrackStore {
	if cfg.NInit < 1 {
		cfg.NInit = 1
	}
	return &TrackStore{
		cfg:     cfg,
		history: make(map[int]*trackHistory),
		iou:     IoU,
	}
}

// Update runs one frame of association and returns the confirmed tracks,
// ordered by ID. Malformed detections are skipped one by one. A panic
// inside association is recovered and the frame's detections are returned
// untracked so the caller's pipeline keeps flowing.
func (s *TrackStore) Update(dets []Detection) (results []TrackResult) {
	s.stats.Frames++

	valid := make([]Detection, 0, len(dets))
	for i, d := range dets {
		if err := d.Validate(); err != nil {
			s.stats.Skipped++
			monitoring.Logf("[tracking] skipping detection %d: %v", i, err)
			continue
		}
		valid = append(valid, d)
	}

	defer func() {
		if r := recover(); r != nil {
			s.stats.Fallbacks++
			monitoring.Logf("[tracking] association failed, emitting %d raw detections: %v", len(valid), r)
			results = rawResults(valid)
		}
	}()
	return s.step(valid)
}

func rawResults(dets []Detection) []TrackResult {
	out := make([]TrackResult, len(dets))
	for i, d := range dets {
		out[i] = TrackResult{ID: i + 1, BBox: d.BBox, ClassID: d.ClassID, Confidence: d.Confidence, Untracked: true}
	}
	return out
}

type candidate struct {
	det, trk int
	score    float64
}

func (s *TrackStore) step(dets []Detection) []TrackResult {
	// 1. Predict every track one frame forward
	for _, t := range s.tracks {
		t.predict()
	}

	// 2. Greedy IoU association. Candidates are generated in track-ID then
	// detection order and stable-sorted, so equal IoUs go to the track seen
	// first.
	detMatch := make([]int, len(dets))
	for i := range detMatch {
		detMatch[i] = -1
	}
	trkMatched := make([]bool, len(s.tracks))

	var pairs []candidate
	for ti, t := range s.tracks {
		for di, d := range dets {
			if v := s.iou(t.predicted, d.BBox); v > 0 {
				pairs = append(pairs, candidate{det: di, trk: ti, score: v})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].score > pairs[b].score })
	claim(pairs, detMatch, trkMatched)

	// 3. Second pass for confirmed tracks that lost IoU overlap (fast
	// movers, detector jitter): nearest center inside the gate.
	if s.cfg.ReassociationDistancePx > 0 {
		var near []candidate
		for ti, t := range s.tracks {
			if trkMatched[ti] || t.State != TrackConfirmed {
				continue
			}
			for di, d := range dets {
				if detMatch[di] >= 0 {
					continue
				}
				if dist := centerDistance(t.predicted, d.BBox); dist <= s.cfg.ReassociationDistancePx {
					near = append(near, candidate{det: di, trk: ti, score: dist})
				}
			}
		}
		sort.SliceStable(near, func(a, b int) bool { return near[a].score < near[b].score })
		claim(near, detMatch, trkMatched)
	}

	// 4. Update matched tracks and age out the rest
	updated := make(map[int]Detection, len(dets))
	for di, ti := range detMatch {
		if ti >= 0 {
			t := s.tracks[ti]
			t.update(dets[di])
			updated[t.ID] = dets[di]
		}
	}
	for ti, t := range s.tracks {
		switch {
		case trkMatched[ti]:
			if t.State == TrackTentative && t.filter.HitStreak >= s.cfg.NInit {
				t.State = TrackConfirmed
			}
		case t.State == TrackTentative:
			t.State = TrackDeleted
		case t.TimeSinceUpdate() > s.cfg.MaxAge:
			t.State = TrackDeleted
		}
	}

	// 5. Spawn tentative tracks for unmatched detections
	for di, ti := range detMatch {
		if ti >= 0 {
			continue
		}
		s.nextID++
		t := newTrack(s.nextID, dets[di], s.cfg.Noise)
		if s.cfg.NInit <= 1 {
			t.State = TrackConfirmed
		}
		s.tracks = append(s.tracks, t)
		s.stats.Created++
		updated[t.ID] = dets[di]
	}

	// 6. Emit confirmed tracks detected this frame
	var results []TrackResult
	active := make(map[int]bool)
	for _, t := range s.tracks {
		d, ok := updated[t.ID]
		if !ok || t.State != TrackConfirmed || d.Confidence < s.cfg.ConfThreshold {
			continue
		}
		h := s.history[t.ID]
		if h == nil {
			h = &trackHistory{}
			s.history[t.ID] = h
		}
		cx, cy := d.BBox.Center()
		h.addCenter(Point{X: cx, Y: cy})
		vx, vy := t.filter.Velocity()
		r := TrackResult{
			ID:         t.ID,
			BBox:       d.BBox,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			History:    h.recentCenters(emittedHistoryLen),
			Moving:     h.observeMovement(s.cfg.MovementThresholdPx),
			Velocity:   Point{X: vx, Y: vy},
		}
		last := r
		h.last = &last
		h.lost = 0
		active[t.ID] = true
		results = append(results, r)
	}

	// 7. Lost tracks: ghost purge, then retention until lost_ttl
	for _, id := range s.historyIDs() {
		if active[id] {
			continue
		}
		h := s.history[id]
		h.lost++

		if h.lost > s.cfg.GhostMinMissed && s.isGhost(h.last.BBox, dets) {
			monitoring.Debugf("[tracking] purging ghost track %d after %d missed frames", id, h.lost)
			delete(s.history, id)
			if t := s.find(id); t != nil {
				t.State = TrackDeleted
			}
			s.stats.GhostsPurged++
			continue
		}
		if h.lost > s.cfg.LostTTL {
			delete(s.history, id)
			continue
		}
		r := *h.last
		r.Retained = true
		results = append(results, r)
	}

	s.sweep()
	sort.Slice(results, func(a, b int) bool { return results[a].ID < results[b].ID })
	return results
}

func claim(cands []candidate, detMatch []int, trkMatched []bool) {
	for _, c := range cands {
		if detMatch[c.det] >= 0 || trkMatched[c.trk] {
			continue
		}
		detMatch[c.det] = c.trk
		trkMatched[c.trk] = true
	}
}

func (s *TrackStore) isGhost(last BBox, dets []Detection) bool {
	nearest := math.Inf(1)
	for _, d := range dets {
		nearest = math.Min(nearest, centerDistance(last, d.BBox))
	}
	return nearest > s.cfg.GhostDistancePx
}

func (s *TrackStore) historyIDs() []int {
	ids := make([]int, 0, len(s.history))
	for id := range s.history {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *TrackStore) find(id int) *Track {
	i := sort.Search(len(s.tracks), func(i int) bool { return s.tracks[i].ID >= id })
	if i < len(s.tracks) && s.tracks[i].ID == id {
		return s.tracks[i]
	}
	return nil
}

// sweep drops deleted tracks.
func (s *TrackStore) sweep() {
	kept := s.tracks[:0]
	for _, t := range s.tracks {
		if t.State == TrackDeleted {
			s.stats.Deleted++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tracks); i++ {
		s.tracks[i] = nil
	}
	s.tracks = kept
}

// Track returns the live track with the given ID.
func (s *TrackStore) Track(id int) (*Track, bool) {
	t := s.find(id)
	return t, t != nil
}

// Len returns the number of live (tentative or confirmed) tracks.
func (s *TrackStore) Len() int { return len(s.tracks) }

// Stats returns a copy of the store counters.
func (s *TrackStore) Stats() StoreStats { return s.stats }

// Reset drops every track and all history. IDs keep increasing.
func (s *TrackStore) Reset() {
	s.tracks = nil
	s.history = make(map[int]*trackHistory)
}
