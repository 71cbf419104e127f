package ptz

import (
	"context"
	"time"

	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
)

// RecoveryState is the loss recovery state.
type RecoveryState string

const (
	RecoveryTracking   RecoveryState = "tracking"
	RecoverySearching  RecoveryState = "searching"
	RecoveryRecovering RecoveryState = "recovering"
)

// RecoveryConfig holds the loss recovery thresholds, in control cycles.
type RecoveryConfig struct {
	SearchThreshold  int
	RecoverThreshold int
	SearchZoomStep   float64
}

// RecoveryConfigFromTuning builds a RecoveryConfig from a loaded TrackingConfig.
func RecoveryConfigFromTuning(cfg *config.TrackingConfig) RecoveryConfig {
	return RecoveryConfig{
		SearchThreshold:  cfg.GetSearchThreshold(),
		RecoverThreshold: cfg.GetRecoverThreshold(),
		SearchZoomStep:   cfg.GetSearchZoomStep(),
	}
}

// Mover is what loss recovery needs from the motion controller.
type Mover interface {
	SearchZoom(ctx context.Context, step, floor float64, now time.Time) MoveResult
	RestorePose(ctx context.Context, p Pose) MoveResult
	Halt(ctx context.Context) MoveResult
	Pose() (Pose, bool)
	RefreshPose(ctx context.Context) bool
}

// RecoveryStats counts recovery activity.
type RecoveryStats struct {
	Searches    int `json:"searches"`     // loss episodes that reached searching
	SearchSteps int `json:"search_steps"` // zoom-out commands issued
	Restores    int `json:"restores"`
	Reacquired  int `json:"reacquired"`
}

// LossRecovery searches for a lost target by zooming out, then returns the
// camera to where the target was last seen. Observe is called once per
// control cycle.
type LossRecovery struct {
	cfg   RecoveryConfig
	mover Mover
	label string

	state    RecoveryState
	missed   int
	restored bool

	lastPose  Pose
	havePose  bool
	acqZoom   float64
	haveAcq   bool
	newTarget bool

	stats   RecoveryStats
	onState func(old, new RecoveryState)
}

// NewLossRecovery returns a manager in the tracking state.
func NewLossRecovery(cfg RecoveryConfig, mover Mover, label string) *LossRecovery {
	return &LossRecovery{cfg: cfg, mover: mover, label: label, state: RecoveryTracking, newTarget: true}
}

// OnStateChange registers a callback invoked on every transition.
func (r *LossRecovery) OnStateChange(f func(old, new RecoveryState)) { r.onState = f }

func (r *LossRecovery) State() RecoveryState { return r.state }

// Missed returns the number of consecutive cycles without a detection.
func (r *LossRecovery) Missed() int { return r.missed }

func (r *LossRecovery) Stats() RecoveryStats { return r.stats }

// Observe advances the state machine by one control cycle. detected is true
// when the followed target was seen this cycle. The returned result is the
// command recovery issued, if any.
func (r *LossRecovery) Observe(ctx context.Context, detected bool, now time.Time) (MoveResult, bool) {
	if detected {
		return r.reacquire(ctx)
	}

	r.missed++
	switch {
	case r.missed >= r.cfg.RecoverThreshold && !r.restored:
		r.restored = true
		r.transition(RecoveryRecovering)
		if !r.havePose {
			monitoring.Logf("[recovery %s] no pose to restore", r.label)
			return MoveResult{}, false
		}
		p := r.lastPose
		if r.haveAcq {
			p.Zoom = r.acqZoom
		}
		r.stats.Restores++
		monitoring.Logf("[recovery %s] restoring %s after %d cycles", r.label, p, r.missed)
		return r.mover.RestorePose(ctx, p), true

	case r.missed >= r.cfg.SearchThreshold && r.state != RecoveryRecovering:
		if r.state != RecoverySearching {
			r.stats.Searches++
			r.transition(RecoverySearching)
			if !r.haveAcq {
				monitoring.Logf("[recovery %s] no acquisition zoom, searching without zooming out", r.label)
			}
		}
		if !r.haveAcq {
			return MoveResult{}, false
		}
		r.stats.SearchSteps++
		return r.mover.SearchZoom(ctx, r.cfg.SearchZoomStep, r.floor(), now), true
	}
	return MoveResult{}, false
}

// NewTarget marks the next detection as a fresh acquisition, so its zoom
// becomes the search floor.
func (r *LossRecovery) NewTarget() { r.newTarget = true }

func (r *LossRecovery) reacquire(ctx context.Context) (MoveResult, bool) {
	var res MoveResult
	halted := false
	if r.state != RecoveryTracking {
		r.stats.Reacquired++
		// Cancel any residual search motion before centering resumes.
		res, halted = r.mover.Halt(ctx), true
		monitoring.Logf("[recovery %s] reacquired after %d cycles", r.label, r.missed)
		r.transition(RecoveryTracking)
	}
	r.missed = 0
	r.restored = false
	p, ok := r.mover.Pose()
	if !ok && r.mover.RefreshPose(ctx) {
		p, ok = r.mover.Pose()
	}
	if ok {
		r.lastPose, r.havePose = p, true
		if r.newTarget {
			r.acqZoom, r.haveAcq = p.Zoom, true
			r.newTarget = false
		}
	}
	return res, halted
}

// floor is the widest zoom search may reach. Search only runs once an
// acquisition zoom is recorded.
func (r *LossRecovery) floor() float64 { return r.acqZoom }

func (r *LossRecovery) transition(next RecoveryState) {
	if next == r.state {
		return
	}
	old := r.state
	r.state = next
	monitoring.Debugf("[recovery %s] %s -> %s", r.label, old, next)
	if r.onState != nil {
		r.onState(old, next)
	}
}

// Reset returns to tracking and forgets the episode and acquisition pose.
func (r *LossRecovery) Reset() {
	r.state = RecoveryTracking
	r.missed = 0
	r.restored = false
	r.havePose = false
	r.haveAcq = false
	r.newTarget = true
}
