package targeting

import (
	"sort"
	"time"

	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/tracking"
)

// RegistryConfig filters which track results become schedulable objects.
type RegistryConfig struct {
	MinConfidence float64
	MinSize       float64 // area fraction
	MaxSize       float64
	Lifetime      time.Duration
	HistoryLen    int
}

// RegistryConfigFromTuning builds a RegistryConfig from a loaded TrackingConfig.
func RegistryConfigFromTuning(cfg *config.TrackingConfig) RegistryConfig {
	return RegistryConfig{
		MinConfidence: cfg.GetMinConfidenceThreshold(),
		MinSize:       cfg.GetMinObjectSize(),
		MaxSize:       cfg.GetMaxObjectSize(),
		Lifetime:      cfg.GetObjectLifetime(),
		HistoryLen:    cfg.GetPositionHistoryLength(),
	}
}

// Registry holds the TrackedObjects of one camera keyed by track ID.
type Registry struct {
	cfg     RegistryConfig
	objects map[int]*TrackedObject
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{cfg: cfg, objects: make(map[int]*TrackedObject)}
}

// Observe folds one frame of track results into the registry and returns how
// many fresh observations were accepted. Retained and untracked results carry
// no new information and are ignored, as are results outside the confidence
// and size filters.
func (r *Registry) Observe(results []tracking.TrackResult, frameW, frameH int, now time.Time) int {
	if frameW <= 0 || frameH <= 0 {
		return 0
	}
	accepted := 0
	for _, res := range results {
		if res.Retained || res.Untracked || res.Confidence < r.cfg.MinConfidence {
			continue
		}
		p := PositionFromTrack(res, frameW, frameH, now)
		if a := p.Area(); a < r.cfg.MinSize || a > r.cfg.MaxSize {
			continue
		}
		if o, ok := r.objects[res.ID]; ok {
			o.AddPosition(p)
			o.TrackMoving = res.Moving
		} else {
			o = NewTrackedObject(res.ID, p, r.cfg.HistoryLen)
			o.TrackMoving = res.Moving
			r.objects[res.ID] = o
		}
		accepted++
	}
	return accepted
}

// Prune drops objects not observed within the lifetime and returns their IDs.
func (r *Registry) Prune(now time.Time) []int {
	var gone []int
	for id, o := range r.objects {
		if o.IsLost(now, r.cfg.Lifetime) {
			gone = append(gone, id)
			delete(r.objects, id)
		}
	}
	sort.Ints(gone)
	return gone
}

// Objects returns the live objects ordered by ID.
func (r *Registry) Objects() []*TrackedObject {
	out := make([]*TrackedObject, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Get returns the object with the given ID.
func (r *Registry) Get(id int) (*TrackedObject, bool) {
	o, ok := r.objects[id]
	return o, ok
}

// Len returns the number of live objects.
func (r *Registry) Len() int { return len(r.objects) }

// Reset drops every object.
func (r *Registry) Reset() { r.objects = make(map[int]*TrackedObject) }
