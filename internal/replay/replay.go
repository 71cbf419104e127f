// Package replay drives a recorded detection log through a full tracking
// pipeline on a mock clock and a simulated camera, so tuning changes can be
// compared offline.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/session"
	"github.com/banshee-data/harbour.watch/internal/targeting"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

// DefaultFrameInterval spaces frames that carry no timestamp.
const DefaultFrameInterval = 100 * time.Millisecond

// Options control a replay run.
type Options struct {
	Config      *config.TrackingConfig
	Calibration calibration.Data
	// FrameInterval spaces frames without a timestamp.
	FrameInterval time.Duration
	// Tail keeps the control loop running after the last frame so loss
	// recovery can play out.
	Tail         time.Duration
	Capabilities ptz.Capabilities
}

// Sample is the camera state after one control cycle.
type Sample struct {
	Offset   time.Duration     `json:"offset_ns"`
	Pose     ptz.Pose          `json:"pose"`
	Target   int               `json:"target"`
	Recovery ptz.RecoveryState `json:"recovery"`
}

// Summary describes a finished replay.
type Summary struct {
	Frames          int                     `json:"frames"`
	SkippedFrames   int                     `json:"skipped_frames"`
	Detections      int                     `json:"detections"`
	Cycles          int                     `json:"cycles"`
	DurationSecs    float64                 `json:"duration_secs"`
	TracksCreated   int                     `json:"tracks_created"`
	Targets         int                     `json:"distinct_targets"`
	Switches        int                     `json:"switches"`
	TargetCoverage  float64                 `json:"target_coverage"`
	MeanHoldSecs    float64                 `json:"mean_hold_secs"`
	PanMean         float64                 `json:"pan_mean"`
	PanStdDev       float64                 `json:"pan_stddev"`
	TiltMean        float64                 `json:"tilt_mean"`
	TiltStdDev      float64                 `json:"tilt_stddev"`
	MaxZoom         float64                 `json:"max_zoom"`
	Motion          ptz.MotionStats         `json:"motion"`
	SuccessRate     float64                 `json:"success_rate"`
	Recovery        ptz.RecoveryStats       `json:"recovery"`
	SwitchLog       []targeting.SwitchEvent `json:"switch_log,omitempty"`
	FinalTarget     int                     `json:"final_target"`
	FinalRecovery   ptz.RecoveryState       `json:"final_recovery"`
	ActuatorCommand map[string]int          `json:"actuator_commands"`
}

// Result is the outcome of Run.
type Result struct {
	Summary Summary
	Samples []Sample
}

// ReadFrames parses a JSONL detection log: one session.Frame per line.
// Blank lines and lines starting with '#' are ignored.
func ReadFrames(r io.Reader) ([]session.Frame, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var frames []session.Frame
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var f session.Frame
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		frames = append(frames, f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read detections: %w", err)
	}
	return frames, nil
}

// Run replays frames through a fresh pipeline. Control cycles fire at the
// configured interval on the frame clock; frames whose timestamps go
// backwards are rejected.
func Run(ctx context.Context, frames []session.Frame, opts Options) (*Result, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to replay")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultTrackingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	cal := opts.Calibration
	if cal.CameraIP == "" {
		cal = calibration.Default("replay")
	}

	start := frames[0].Timestamp
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	clock := timeutil.NewMockClock(start)
	sim := ptz.NewSimulatedActuator(clock, opts.Capabilities)
	if err := sim.Connect(ctx); err != nil {
		return nil, err
	}
	defer sim.Close()

	pipe, err := session.NewPipeline(cfg, sim, cal, "replay")
	if err != nil {
		return nil, err
	}

	interval := cfg.GetControlInterval()
	res := &Result{}
	var switches []targeting.SwitchEvent
	next := start.Add(interval)

	cycle := func(at time.Time) {
		clock.Advance(at.Sub(clock.Now()))
		cr := pipe.Control(ctx, at)
		switches = append(switches, cr.Switches...)
		res.Samples = append(res.Samples, Sample{
			Offset:   at.Sub(start),
			Pose:     sim.Pose(),
			Target:   cr.Target,
			Recovery: cr.Recovery,
		})
	}

	last := start
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ts := f.Timestamp
		if ts.IsZero() {
			ts = start.Add(time.Duration(i) * opts.FrameInterval)
		}
		if ts.Before(last) {
			return nil, fmt.Errorf("frame %d: timestamp %s before previous %s", i, ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		}
		last = ts
		for !next.After(ts) {
			cycle(next)
			next = next.Add(interval)
		}
		clock.Advance(ts.Sub(clock.Now()))
		if err := pipe.Ingest(f, ts); err != nil {
			monitoring.Debugf("[replay] frame %d skipped: %v", i, err)
		}
	}
	for end := last.Add(opts.Tail); !next.After(end); next = next.Add(interval) {
		cycle(next)
	}
	// Flush the final frame if no cycle ran after it.
	if len(res.Samples) == 0 {
		cycle(next)
	}

	res.Summary = summarize(pipe, sim, res.Samples, switches)
	return res, nil
}

func summarize(pipe *session.Pipeline, sim *ptz.SimulatedActuator, samples []Sample, switches []targeting.SwitchEvent) Summary {
	st := pipe.Stats()
	s := Summary{
		Frames:        st.Frames,
		SkippedFrames: st.SkippedFrames,
		Detections:    st.Detections,
		Cycles:        st.Cycles,
		TracksCreated: st.Tracks.Created,
		Switches:      st.Switches,
		Motion:        st.Motion,
		SuccessRate:   st.SuccessRate,
		Recovery:      st.Recovery,
		SwitchLog:     switches,
		FinalTarget:   pipe.Target(),
		FinalRecovery: pipe.RecoveryState(),
		ActuatorCommand: map[string]int{
			ptz.OpContinuous: sim.CountOp(ptz.OpContinuous),
			ptz.OpAbsolute:   sim.CountOp(ptz.OpAbsolute),
			ptz.OpStop:       sim.CountOp(ptz.OpStop),
		},
	}
	if len(samples) == 0 {
		return s
	}
	s.DurationSecs = samples[len(samples)-1].Offset.Seconds()

	pan := make([]float64, len(samples))
	tilt := make([]float64, len(samples))
	zoom := make([]float64, len(samples))
	targets := make(map[int]bool)
	var holds []float64
	held, covered := 0, 0
	for i, smp := range samples {
		pan[i], tilt[i], zoom[i] = smp.Pose.Pan, smp.Pose.Tilt, smp.Pose.Zoom
		if smp.Target != targeting.NoTarget {
			covered++
			targets[smp.Target] = true
		}
		// A hold is a run of cycles on the same real target.
		if i > 0 && smp.Target != samples[i-1].Target {
			if samples[i-1].Target != targeting.NoTarget {
				holds = append(holds, float64(held))
			}
			held = 0
		}
		held++
	}
	if samples[len(samples)-1].Target != targeting.NoTarget {
		holds = append(holds, float64(held))
	}

	s.Targets = len(targets)
	s.TargetCoverage = float64(covered) / float64(len(samples))
	s.PanMean, s.PanStdDev = stat.MeanStdDev(pan, nil)
	s.TiltMean, s.TiltStdDev = stat.MeanStdDev(tilt, nil)
	s.MaxZoom = floats.Max(zoom)
	if len(holds) > 0 && len(samples) > 1 {
		step := (samples[1].Offset - samples[0].Offset).Seconds()
		s.MeanHoldSecs = stat.Mean(holds, nil) * step
	}
	return s
}
