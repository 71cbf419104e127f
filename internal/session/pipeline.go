// Package session runs the per-camera tracking pipelines. A Bridge owns one
// Session per camera; each session's worker goroutine drives a Pipeline at a
// fixed control cadence while detections arrive asynchronously.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/targeting"
	"github.com/banshee-data/harbour.watch/internal/tracking"
)

// Frame is one detector output for one video frame.
type Frame struct {
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	Detections []tracking.Detection `json:"detections"`
	Timestamp  time.Time            `json:"timestamp,omitempty"`
}

// Validate checks the frame geometry. Individual detections are validated
// by the TrackStore, which skips bad ones singly.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame size %dx%d must be positive", f.Width, f.Height)
	}
	return nil
}

// CycleResult describes one control cycle.
type CycleResult struct {
	Target   int                     `json:"target"`
	Seen     bool                    `json:"seen"`
	Commands []ptz.MoveResult        `json:"commands,omitempty"`
	Switches []targeting.SwitchEvent `json:"switches,omitempty"`
	Recovery ptz.RecoveryState       `json:"recovery"`
	Pruned   []int                   `json:"pruned,omitempty"`
}

// PipelineStats counts frames and detections fed to a pipeline.
type PipelineStats struct {
	Frames        int `json:"frames"`
	Detections    int `json:"detections"`
	SkippedFrames int `json:"skipped_frames"`
	Cycles        int `json:"cycles"`
}

// Pipeline is the synchronous tracking chain of one camera: TrackStore,
// object registry, scheduler, motion controller and loss recovery. It is not
// safe for concurrent use; a session worker or the replay tool owns it.
type Pipeline struct {
	label string

	store     *tracking.TrackStore
	registry  *targeting.Registry
	scheduler *targeting.Scheduler
	motion    *ptz.MotionController
	recovery  *ptz.LossRecovery

	predict     bool
	predictTime time.Duration

	seen     map[int]bool // target IDs with a fresh observation since the last cycle
	last     []tracking.TrackResult
	engaged  bool // a target has been followed since the last completed recovery
	switches []targeting.SwitchEvent
	stats    PipelineStats
}

// NewPipeline builds a pipeline for act from cfg. The actuator must already
// be connected.
func NewPipeline(cfg *config.TrackingConfig, act ptz.Actuator, cal calibration.Data, label string) (*Pipeline, error) {
	motion, err := ptz.NewMotionController(ptz.MotionConfigFromTuning(cfg), act, cal)
	if err != nil {
		return nil, err
	}
	if !act.Capabilities().PositionFeed {
		monitoring.Logf("[session %s] actuator has no position feed; search zoom and pose restore are disabled", label)
	}
	p := &Pipeline{
		label:       label,
		store:       tracking.NewTrackStore(tracking.StoreConfigFromTuning(cfg)),
		registry:    targeting.NewRegistry(targeting.RegistryConfigFromTuning(cfg)),
		scheduler:   targeting.NewScheduler(targeting.SchedulerConfigFromTuning(cfg), targeting.Scorer{Weights: targeting.WeightsFromTuning(cfg)}),
		motion:      motion,
		recovery:    ptz.NewLossRecovery(ptz.RecoveryConfigFromTuning(cfg), motion, label),
		predict:     cfg.GetPredictionEnabled(),
		predictTime: cfg.GetPredictionTime(),
		seen:        make(map[int]bool),
	}
	p.scheduler.OnSwitch(func(ev targeting.SwitchEvent) {
		p.switches = append(p.switches, ev)
	})
	return p, nil
}

// Ingest feeds one detector frame through the TrackStore and registry.
func (p *Pipeline) Ingest(f Frame, now time.Time) error {
	if err := f.Validate(); err != nil {
		p.stats.SkippedFrames++
		return err
	}
	p.stats.Frames++
	p.stats.Detections += len(f.Detections)

	results := p.store.Update(f.Detections)
	p.last = results
	p.registry.Observe(results, f.Width, f.Height, now)
	for _, r := range results {
		if !r.Retained && !r.Untracked {
			p.seen[r.ID] = true
		}
	}
	return nil
}

// Control runs one control cycle: expire objects, pick the target, then
// either center on it or let loss recovery act.
func (p *Pipeline) Control(ctx context.Context, now time.Time) CycleResult {
	p.stats.Cycles++
	p.switches = p.switches[:0]
	var res CycleResult

	res.Pruned = p.registry.Prune(now)
	if r, ok := p.motion.Tick(ctx, now); ok {
		res.Commands = append(res.Commands, r)
	}

	before := p.scheduler.Current()
	target, ok := p.scheduler.Select(p.registry.Objects(), now)
	res.Switches = append(res.Switches, p.switches...)

	switch {
	case ok:
		res.Target = target.ID
		if target.ID != before {
			p.recovery.NewTarget()
		}
		p.engaged = true
		res.Seen = p.seen[target.ID]
		if r, acted := p.recovery.Observe(ctx, res.Seen, now); acted {
			res.Commands = append(res.Commands, r)
		}
		if res.Seen {
			pos := target.Current()
			if p.predict {
				pos = target.PredictedPosition(p.predictTime)
			}
			res.Commands = append(res.Commands, p.motion.Track(ctx, pos, now))
		}

	case before != targeting.NoTarget:
		monitoring.Debugf("[session %s] target %d gone, halting", p.label, before)
		res.Commands = append(res.Commands, p.motion.Halt(ctx))
		fallthrough

	default:
		// Keep counting the loss episode so recovery can finish after the
		// last object expired.
		if p.engaged {
			if r, acted := p.recovery.Observe(ctx, false, now); acted {
				res.Commands = append(res.Commands, r)
			}
			if p.recovery.State() == ptz.RecoveryRecovering {
				p.engaged = false
			}
		}
	}

	res.Recovery = p.recovery.State()
	clear(p.seen)
	return res
}

// SetCalibration replaces the calibration used for centering.
func (p *Pipeline) SetCalibration(cal calibration.Data) { p.motion.SetCalibration(cal) }

// Calibration returns the calibration in use.
func (p *Pipeline) Calibration() calibration.Data { return p.motion.Calibration() }

// Halt stops all motion.
func (p *Pipeline) Halt(ctx context.Context) ptz.MoveResult { return p.motion.Halt(ctx) }

// Results returns the TrackStore output of the last ingested frame.
func (p *Pipeline) Results() []tracking.TrackResult { return p.last }

// Objects returns the live tracked objects ordered by ID.
func (p *Pipeline) Objects() []*targeting.TrackedObject { return p.registry.Objects() }

// Target returns the followed object ID, or targeting.NoTarget.
func (p *Pipeline) Target() int { return p.scheduler.Current() }

// SchedulerState returns the scheduler state after the last cycle.
func (p *Pipeline) SchedulerState() targeting.SchedulerState { return p.scheduler.State() }

// RecoveryState returns the loss recovery state.
func (p *Pipeline) RecoveryState() ptz.RecoveryState { return p.recovery.State() }

// Pose returns the last known camera pose.
func (p *Pipeline) Pose() (ptz.Pose, bool) { return p.motion.Pose() }

// Stats gathers the counters of every stage.
func (p *Pipeline) Stats() Stats {
	m := p.motion.Stats()
	return Stats{
		PipelineStats: p.stats,
		Switches:      p.scheduler.SwitchCount(),
		Motion:        m,
		SuccessRate:   m.SuccessRate(),
		Recovery:      p.recovery.Stats(),
		Tracks:        p.store.Stats(),
	}
}

// Reset drops every track and object and returns recovery to tracking.
func (p *Pipeline) Reset() {
	p.store.Reset()
	p.registry.Reset()
	p.scheduler.Reset()
	p.recovery.Reset()
	p.engaged = false
	p.last = nil
	clear(p.seen)
}
