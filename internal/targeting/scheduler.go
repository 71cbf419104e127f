package targeting

import (
	"sort"
	"time"

	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
)

// SchedulerState is the target selection state.
type SchedulerState string

const (
	StateNoTarget  SchedulerState = "no_target"
	StateHasTarget SchedulerState = "has_target"
	StateSwitching SchedulerState = "switching" // a switch happened this cycle
)

// Switch reasons.
const (
	ReasonAcquired  = "acquired"
	ReasonLost      = "target_lost"
	ReasonAlternate = "alternation"
	ReasonForced    = "max_interval"
	ReasonPriority  = "priority"
)

// NoTarget is the ID reported when nothing is being followed. Track IDs
// start at 1.
const NoTarget = 0

// SwitchEvent records a change of the followed target.
type SwitchEvent struct {
	Old    int       `json:"old"`
	New    int       `json:"new"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// SchedulerConfig holds the alternation parameters.
type SchedulerConfig struct {
	Alternating       bool
	PrioritySwitching bool
	PrimaryFollow     time.Duration // dwell on the highest-priority object
	SecondaryFollow   time.Duration // dwell on any other object
	MinSwitch         time.Duration // floor for voluntary switches
	MaxSwitch         time.Duration // ceiling: force a switch after this long
	Hysteresis        float64       // priority margin for priority switching
	MaxObjects        int           // only the top N by priority are candidates; 0 means all
}

// SchedulerConfigFromTuning builds a SchedulerConfig from a loaded TrackingConfig.
func SchedulerConfigFromTuning(cfg *config.TrackingConfig) SchedulerConfig {
	return SchedulerConfig{
		Alternating:       cfg.GetAlternatingEnabled(),
		PrioritySwitching: cfg.GetPrioritySwitching(),
		PrimaryFollow:     cfg.GetPrimaryFollowTime(),
		SecondaryFollow:   cfg.GetSecondaryFollowTime(),
		MinSwitch:         cfg.GetMinSwitchInterval(),
		MaxSwitch:         cfg.GetMaxSwitchInterval(),
		Hysteresis:        cfg.GetSwitchHysteresis(),
		MaxObjects:        cfg.GetMaxObjectsToTrack(),
	}
}

// Scheduler owns which object the camera currently follows. It is driven by
// one control loop and is not safe for concurrent use.
type Scheduler struct {
	cfg    SchedulerConfig
	scorer Scorer

	current    int
	state      SchedulerState
	lastSwitch time.Time
	lastSelect time.Time
	switches   int

	onSwitch func(SwitchEvent)
}

// NewScheduler creates a scheduler with no target.
func NewScheduler(cfg SchedulerConfig, scorer Scorer) *Scheduler {
	return &Scheduler{cfg: cfg, scorer: scorer, state: StateNoTarget}
}

// OnSwitch registers a callback invoked synchronously for every switch.
func (s *Scheduler) OnSwitch(f func(SwitchEvent)) { s.onSwitch = f }

// Current returns the followed object ID, or NoTarget.
func (s *Scheduler) Current() int { return s.current }

// State returns the state after the last Select.
func (s *Scheduler) State() SchedulerState { return s.state }

// SwitchCount returns the number of switches between two real targets.
func (s *Scheduler) SwitchCount() int { return s.switches }

// Select re-scores every object and returns the one to follow this cycle.
// Priorities are always recomputed before any switch decision.
func (s *Scheduler) Select(objects []*TrackedObject, now time.Time) (*TrackedObject, bool) {
	for _, o := range objects {
		o.Priority = s.scorer.Score(o)
	}
	candidates := s.candidates(objects)

	if cur := find(candidates, s.current); cur != nil && !s.lastSelect.IsZero() {
		cur.TotalTrackingTime += now.Sub(s.lastSelect)
	}
	s.lastSelect = now

	if len(candidates) == 0 {
		if s.current != NoTarget {
			s.switchTo(objects, NoTarget, now, ReasonLost)
		}
		s.state = StateNoTarget
		return nil, false
	}

	best := candidates[0]
	cur := find(candidates, s.current)
	before := s.current

	switch {
	case cur == nil:
		reason := ReasonAcquired
		if s.current != NoTarget {
			reason = ReasonLost
		}
		s.switchTo(objects, best.ID, now, reason)
	case len(candidates) > 1:
		s.maybeAlternate(objects, candidates, cur, best, now)
	}

	if s.current != before {
		s.state = StateSwitching
	} else {
		s.state = StateHasTarget
	}
	return find(candidates, s.current), true
}

func (s *Scheduler) maybeAlternate(all, candidates []*TrackedObject, cur, best *TrackedObject, now time.Time) {
	if !s.cfg.Alternating && !s.cfg.PrioritySwitching {
		return
	}
	elapsed := now.Sub(s.lastSwitch)
	if s.cfg.MaxSwitch > 0 && elapsed >= s.cfg.MaxSwitch {
		s.switchTo(all, nextID(candidates, cur.ID), now, ReasonForced)
		return
	}
	if elapsed < s.cfg.MinSwitch {
		return
	}
	if s.cfg.Alternating {
		follow := s.cfg.SecondaryFollow
		if cur.ID == best.ID {
			follow = s.cfg.PrimaryFollow
		}
		if elapsed >= follow {
			s.switchTo(all, nextID(candidates, cur.ID), now, ReasonAlternate)
		}
		return
	}
	if best.ID != cur.ID && best.Priority > cur.Priority+s.cfg.Hysteresis {
		s.switchTo(all, best.ID, now, ReasonPriority)
	}
}

// candidates returns the top MaxObjects objects, highest priority first with
// ties broken by lowest ID.
func (s *Scheduler) candidates(objects []*TrackedObject) []*TrackedObject {
	out := append([]*TrackedObject(nil), objects...)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].ID < out[b].ID
	})
	if s.cfg.MaxObjects > 0 && len(out) > s.cfg.MaxObjects {
		out = out[:s.cfg.MaxObjects]
	}
	return out
}

func (s *Scheduler) switchTo(all []*TrackedObject, id int, now time.Time, reason string) {
	old := s.current
	if old == id {
		return
	}
	for _, o := range all {
		o.IsPrimaryTarget = o.ID == id
		if o.ID == id {
			o.LastTargetedTime = now
		}
	}
	s.current = id
	s.lastSwitch = now
	if old != NoTarget && id != NoTarget {
		s.switches++
	}
	monitoring.Debugf("[targeting] target %d -> %d (%s)", old, id, reason)
	if s.onSwitch != nil {
		s.onSwitch(SwitchEvent{Old: old, New: id, At: now, Reason: reason})
	}
}

// Reset forgets the current target without emitting an event.
func (s *Scheduler) Reset() {
	s.current = NoTarget
	s.state = StateNoTarget
	s.lastSelect = time.Time{}
}

// nextID is round-robin over candidate IDs in ascending order.
func nextID(candidates []*TrackedObject, current int) int {
	ids := make([]int, len(candidates))
	for i, o := range candidates {
		ids[i] = o.ID
	}
	sort.Ints(ids)
	for _, id := range ids {
		if id > current {
			return id
		}
	}
	return ids[0]
}

func find(objects []*TrackedObject, id int) *TrackedObject {
	if id == NoTarget {
		return nil
	}
	for _, o := range objects {
		if o.ID == id {
			return o
		}
	}
	return nil
}
