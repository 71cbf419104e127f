package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/db"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

// Session is one camera's worker. Only the worker goroutine touches the
// pipeline; everything else reads the published status.
type Session struct {
	id    string
	info  ptz.ConnectionInfo
	runID string

	act      ptz.Actuator
	pipe     *Pipeline
	clock    timeutil.Clock
	interval time.Duration
	timeout  time.Duration
	sink     EventSink
	observer Observer

	inbox       chan Frame
	calibration chan calibration.Data
	cancel      context.CancelFunc
	done        chan struct{}

	started time.Time
	dropped atomic.Int64
	status  atomic.Pointer[Status]
}

func newSession(id string, info ptz.ConnectionInfo, runID string, cfg *config.TrackingConfig,
	act ptz.Actuator, pipe *Pipeline, clock timeutil.Clock, sink EventSink, observer Observer) *Session {
	s := &Session{
		id:          id,
		info:        info,
		runID:       runID,
		act:         act,
		pipe:        pipe,
		clock:       clock,
		interval:    cfg.GetControlInterval(),
		timeout:     cfg.GetActuatorTimeout(),
		sink:        sink,
		observer:    observer,
		inbox:       make(chan Frame, cfg.GetSessionInbox()),
		calibration: make(chan calibration.Data, 1),
		done:        make(chan struct{}),
		started:     clock.Now(),
	}
	s.publish(s.started, "", true)
	return s
}

// ID returns the camera ID.
func (s *Session) ID() string { return s.id }

// RunID returns the ID of this run.
func (s *Session) RunID() string { return s.runID }

// Status returns the latest published snapshot.
func (s *Session) Status() Status { return *s.status.Load() }

// deliver hands a frame to the worker without blocking.
func (s *Session) deliver(f Frame) bool {
	select {
	case s.inbox <- f:
		return true
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			monitoring.Logf("[session %s] inbox full, dropped %d batches", s.id, n)
		}
		return false
	}
}

// setCalibration queues a calibration change for the worker, replacing one
// that has not been applied yet.
func (s *Session) setCalibration(cal calibration.Data) {
	for {
		select {
		case s.calibration <- cal:
			return
		default:
		}
		select {
		case <-s.calibration:
		default:
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.inbox:
			if err := s.pipe.Ingest(f, s.clock.Now()); err != nil {
				monitoring.Debugf("[session %s] skipping frame: %v", s.id, err)
			}
		case cal := <-s.calibration:
			s.pipe.SetCalibration(cal)
			monitoring.Logf("[session %s] calibration updated", s.id)
		case now := <-ticker.C():
			s.cycle(ctx, now)
		}
	}
}

func (s *Session) cycle(ctx context.Context, now time.Time) {
	prevRecovery := s.pipe.RecoveryState()
	res := s.pipe.Control(ctx, now)

	for _, ev := range res.Switches {
		monitoring.Logf("[session %s] target %d -> %d (%s)", s.id, ev.Old, ev.New, ev.Reason)
		if err := s.sink.RecordTargetSwitch(ctx, db.TargetSwitch{
			RunID: s.runID, OldTarget: ev.Old, NewTarget: ev.New, Reason: ev.Reason, At: ev.At,
		}); err != nil {
			monitoring.Logf("[session %s] failed to record switch: %v", s.id, err)
		}
		s.observer.TargetSwitched(s.id, ev)
	}
	if res.Recovery != prevRecovery {
		s.observer.RecoveryChanged(s.id, res.Recovery)
	}

	last := ""
	if n := len(res.Commands); n > 0 {
		last = res.Commands[n-1].Command
	}
	s.publish(now, last, true)
}

func (s *Session) publish(now time.Time, lastCommand string, active bool) {
	st := &Status{
		CameraID:       s.id,
		CameraIP:       s.info.IP,
		RunID:          s.runID,
		Active:         active,
		StartedAt:      s.started,
		UpdatedAt:      now,
		UptimeSeconds:  now.Sub(s.started).Seconds(),
		CurrentTarget:  s.pipe.Target(),
		SchedulerState: s.pipe.SchedulerState(),
		RecoveryState:  s.pipe.RecoveryState(),
		Objects:        objectStatuses(s.pipe.Objects()),
		LastCommand:    lastCommand,
		Calibration:    s.pipe.Calibration(),
		Stats:          s.pipe.Stats(),
	}
	if lastCommand == "" {
		if prev := s.status.Load(); prev != nil {
			st.LastCommand = prev.LastCommand
		}
	}
	if p, ok := s.pipe.Pose(); ok {
		st.Pose = &p
	}
	st.Stats.DroppedBatches = int(s.dropped.Load())
	s.status.Store(st)
}

// stop cancels the worker and waits up to timeout for it. It then stops
// and closes the actuator whether or not the worker exited. An abandoned
// worker holds a cancelled context, so only a command already in flight can
// land after the final stop; both actuators tolerate Close concurrent with
// such a call, and later calls fail with ErrNotConnected.
func (s *Session) stop(timeout time.Duration) {
	s.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	joined := true
	select {
	case <-s.done:
	case <-timer.C:
		joined = false
		monitoring.Logf("[session %s] worker did not exit within %v, abandoning it; final stop races its in-flight command", s.id, timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.act.Stop(ctx); err != nil {
		monitoring.Logf("[session %s] final stop failed: %v", s.id, err)
	}
	if err := s.act.Close(); err != nil {
		monitoring.Logf("[session %s] closing actuator: %v", s.id, err)
	}

	now := s.clock.Now()
	st := s.Status()
	if joined {
		s.publish(now, st.LastCommand, false)
		st = s.Status()
	} else {
		st.Active = false
		s.status.Store(&st)
	}
	if err := s.sink.RecordSessionStop(ctx, s.runID, now, st.Stats); err != nil {
		monitoring.Logf("[session %s] failed to record stop: %v", s.id, err)
	}
}
