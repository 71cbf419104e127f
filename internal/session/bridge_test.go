package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/db"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/targeting"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

var camInfo = ptz.ConnectionInfo{IP: "10.0.0.5", Port: 80, Username: "admin", Password: "secret"}

// simRegistry records the simulators handed out by the factory.
type simRegistry struct {
	mu   sync.Mutex
	sims map[string]*ptz.SimulatedActuator
}

func (r *simRegistry) add(info ptz.ConnectionInfo, s *ptz.SimulatedActuator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sims[info.IP] = s
}

func (r *simRegistry) get(ip string) *ptz.SimulatedActuator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sims[ip]
}

type recordingSink struct {
	mu       sync.Mutex
	starts   []db.SessionRun
	stops    []string
	switches []db.TargetSwitch
}

func (s *recordingSink) RecordSessionStart(_ context.Context, run db.SessionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, run)
	return nil
}

func (s *recordingSink) RecordSessionStop(_ context.Context, runID string, _ time.Time, _ interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, runID)
	return nil
}

func (s *recordingSink) RecordTargetSwitch(_ context.Context, sw db.TargetSwitch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switches = append(s.switches, sw)
	return nil
}

func (s *recordingSink) switchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.switches)
}

func newTestBridge(t *testing.T, opts Options) (*Bridge, *timeutil.MockClock, *simRegistry) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	reg := &simRegistry{sims: make(map[string]*ptz.SimulatedActuator)}
	opts.Clock = clock
	if opts.Factory == nil {
		opts.Factory = ptz.SimulatedFactory(clock, fullCaps, reg.add)
	}
	b := NewBridge(opts)
	t.Cleanup(b.Close)
	return b, clock, reg
}

// runUntil advances the clock one control interval at a time until cond
// holds for the camera's status.
func runUntil(t *testing.T, b *Bridge, clock *timeutil.MockClock, cameraID string, cond func(Status) bool) Status {
	t.Helper()
	var last Status
	require.Eventually(t, func() bool {
		clock.Advance(cycle)
		st, ok := b.SessionStatus(cameraID)
		last = st
		return ok && cond(st)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

// --- lifecycle ---

func TestBridge_StartAndStop(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	var started, stopped []string
	var mu sync.Mutex
	b, _, reg := newTestBridge(t, Options{
		Sink: sink,
		Observers: []Observer{ObserverFuncs{
			Started: func(id, _ string) { mu.Lock(); started = append(started, id); mu.Unlock() },
			Stopped: func(id string) { mu.Lock(); stopped = append(stopped, id); mu.Unlock() },
		}},
	})

	require.True(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))
	st, ok := b.SessionStatus("cam1")
	require.True(t, ok)
	assert.True(t, st.Active)
	assert.Equal(t, "10.0.0.5", st.CameraIP)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, targeting.NoTarget, st.CurrentTarget)

	sim := reg.get("10.0.0.5")
	require.NotNil(t, sim)
	assert.True(t, sim.Connected())

	// A second session for the same camera is refused.
	assert.False(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))
	_, err := b.Start(context.Background(), "cam1", camInfo, testConfig())
	assert.ErrorIs(t, err, ErrSessionExists)

	require.True(t, b.StopSession("cam1"))
	assert.False(t, sim.Connected(), "actuator closed")
	assert.GreaterOrEqual(t, sim.CountOp(ptz.OpStop), 1, "explicit final stop")
	assert.False(t, b.StopSession("cam1"))
	_, ok = b.SessionStatus("cam1")
	assert.False(t, ok)

	_, err = b.Session("cam1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	mu.Lock()
	assert.Equal(t, []string{"cam1"}, started)
	assert.Equal(t, []string{"cam1"}, stopped)
	mu.Unlock()
	sink.mu.Lock()
	require.Len(t, sink.starts, 1)
	assert.Equal(t, []string{sink.starts[0].RunID}, sink.stops)
	sink.mu.Unlock()
}

func TestBridge_StartFailuresLeakNothing(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(t0)
	var sims []*ptz.SimulatedActuator
	var mu sync.Mutex
	factory := func(info ptz.ConnectionInfo) (ptz.Actuator, error) {
		s := ptz.NewSimulatedActuator(clock, ptz.Capabilities{})
		s.FailNext(ptz.OpConnect, errors.New("connection refused"))
		mu.Lock()
		sims = append(sims, s)
		mu.Unlock()
		return s, nil
	}
	b := NewBridge(Options{Factory: factory, Clock: clock})
	t.Cleanup(b.Close)

	assert.False(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))
	assert.Zero(t, b.GlobalStatus().ActiveSessions)
	require.Len(t, sims, 1)
	assert.False(t, sims[0].Connected())

	// Validation failures never reach the factory.
	bad := testConfig()
	zero := 0
	bad.NInit = &zero
	assert.False(t, b.StartSession(context.Background(), "cam1", camInfo, bad))
	assert.False(t, b.StartSession(context.Background(), "cam1", ptz.ConnectionInfo{IP: "10.0.0.5"}, testConfig()))
	assert.False(t, b.StartSession(context.Background(), "", camInfo, testConfig()))
	assert.Len(t, sims, 1)

	// Absolute mode on an actuator without it fails after connecting and
	// closes the actuator again.
	abs := true
	cfg := testConfig()
	cfg.UseAbsoluteMove = &abs
	factory2 := func(ptz.ConnectionInfo) (ptz.Actuator, error) {
		s := ptz.NewSimulatedActuator(clock, ptz.Capabilities{})
		mu.Lock()
		sims = append(sims, s)
		mu.Unlock()
		return s, nil
	}
	b2 := NewBridge(Options{Factory: factory2, Clock: clock})
	t.Cleanup(b2.Close)
	_, err := b2.Start(context.Background(), "cam1", camInfo, cfg)
	assert.ErrorIs(t, err, ptz.ErrUnsupported)
	assert.False(t, sims[len(sims)-1].Connected())
	assert.Zero(t, b2.GlobalStatus().ActiveSessions)
}

func TestBridge_UnknownCamera(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t, Options{})
	assert.False(t, b.UpdateDetections("nope", frame(box(0, 0, 10, 10, 0.9))))
	assert.False(t, b.StopSession("nope"))
	_, ok := b.SessionStatus("nope")
	assert.False(t, ok)
}

func TestBridge_CloseRejectsWork(t *testing.T) {
	t.Parallel()
	b, _, reg := newTestBridge(t, Options{})
	require.True(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))
	b.Close()
	assert.False(t, reg.get("10.0.0.5").Connected())
	assert.False(t, b.StartSession(context.Background(), "cam2", camInfo, testConfig()))
	assert.False(t, b.UpdateDetections("cam1", frame()))
	assert.Zero(t, b.GlobalStatus().ActiveSessions)
}

// --- queueing ---

func TestBridge_QueueOverflowDropsNewest(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(t0)
	// No consumer yet, so the queue fills.
	b := newBridge(Options{Factory: ptz.SimulatedFactory(clock, fullCaps, nil), Clock: clock, QueueSize: 2})
	t.Cleanup(b.Close)
	require.True(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))

	first := frame(box(1, 1, 41, 41, 0.9))
	assert.True(t, b.UpdateDetections("cam1", first))
	assert.True(t, b.UpdateDetections("cam1", frame(box(2, 2, 42, 42, 0.9))))
	assert.False(t, b.UpdateDetections("cam1", frame(box(3, 3, 43, 43, 0.9))))

	gs := b.GlobalStatus()
	assert.Equal(t, int64(1), gs.DroppedBatches)
	assert.Equal(t, 2, gs.QueueLength)
	assert.Equal(t, 2, gs.QueueCapacity)

	// The oldest batch is still at the head.
	head := <-b.queue
	if diff := cmp.Diff(first, head.frame); diff != "" {
		t.Errorf("queue head mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_InboxOverflowIsCounted(t *testing.T) {
	t.Parallel()
	s := &Session{id: "cam1", inbox: make(chan Frame, 1)}
	assert.True(t, s.deliver(frame()))
	assert.False(t, s.deliver(frame()))
	assert.Equal(t, int64(1), s.dropped.Load())
}

// --- control loop ---

func TestBridge_DetectionsDriveTheCamera(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	var mu sync.Mutex
	var switches []targeting.SwitchEvent
	b, clock, reg := newTestBridge(t, Options{
		Sink: sink,
		Observers: []Observer{ObserverFuncs{
			Switched: func(_ string, ev targeting.SwitchEvent) { mu.Lock(); switches = append(switches, ev); mu.Unlock() },
		}},
	})
	require.True(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))

	// Off-center object so the controller has to move.
	for i := 0; i < 5; i++ {
		require.True(t, b.UpdateDetections("cam1", frame(box(20, 20, 80, 80, 0.9))))
	}
	st := runUntil(t, b, clock, "cam1", func(st Status) bool {
		return st.Stats.Frames == 5 && st.CurrentTarget != targeting.NoTarget
	})
	assert.Equal(t, 5, st.Stats.Detections)
	require.Len(t, st.Objects, 1)
	assert.True(t, st.Objects[0].IsPrimaryTarget)
	assert.NotNil(t, st.Pose)

	sim := reg.get("10.0.0.5")
	assert.GreaterOrEqual(t, sim.CountOp(ptz.OpContinuous), 1)
	assert.GreaterOrEqual(t, sink.switchCount(), 1)
	sink.mu.Lock()
	assert.Equal(t, targeting.ReasonAcquired, sink.switches[0].Reason)
	assert.Equal(t, sink.starts[0].RunID, sink.switches[0].RunID)
	sink.mu.Unlock()
	mu.Lock()
	assert.NotEmpty(t, switches)
	mu.Unlock()

	gs := b.GlobalStatus()
	assert.Equal(t, 1, gs.ActiveSessions)
	assert.Equal(t, "cam1", gs.Sessions[0].CameraID)
}

func TestBridge_LiveCalibrationUpdate(t *testing.T) {
	t.Parallel()
	store := calibration.NewMemoryStore()
	saved := calibration.Default("10.0.0.5")
	saved.CenterOffsetX = 0.05
	require.NoError(t, store.Save(context.Background(), saved))

	b, clock, _ := newTestBridge(t, Options{Calibration: store})
	require.True(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))
	st, _ := b.SessionStatus("cam1")
	if diff := cmp.Diff(saved, st.Calibration); diff != "" {
		t.Errorf("loaded calibration mismatch (-want +got):\n%s", diff)
	}

	updated := saved
	updated.PanDirection = -1
	assert.Equal(t, 1, b.UpdateCalibration(updated))
	assert.Zero(t, b.UpdateCalibration(calibration.Default("10.9.9.9")))
	runUntil(t, b, clock, "cam1", func(st Status) bool { return st.Calibration.PanDirection == -1 })
}

func TestBridge_PersistsRunHistory(t *testing.T) {
	t.Parallel()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	b, clock, _ := newTestBridge(t, Options{Sink: database, Calibration: db.NewCalibrationStore(database)})
	require.True(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))
	for i := 0; i < 4; i++ {
		require.True(t, b.UpdateDetections("cam1", frame(box(20, 20, 80, 80, 0.9))))
	}
	st := runUntil(t, b, clock, "cam1", func(st Status) bool {
		return st.Stats.Frames == 4 && st.CurrentTarget != targeting.NoTarget
	})
	require.True(t, b.StopSession("cam1"))

	runs, err := database.SessionRuns(context.Background(), "cam1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, st.RunID, runs[0].RunID)
	assert.NotNil(t, runs[0].StoppedAt)
	assert.Contains(t, string(runs[0].Summary), `"frames":4`)

	switches, err := database.TargetSwitches(context.Background(), st.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, switches)
	assert.Equal(t, targeting.ReasonAcquired, switches[0].Reason)
}

// --- abandoned worker ---

// stallingActuator blocks the first continuous move until released,
// ignoring its context.
type stallingActuator struct {
	*ptz.SimulatedActuator
	once     sync.Once
	entered  chan struct{}
	release  chan struct{}
	returned chan error
}

func (a *stallingActuator) ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error {
	stall := false
	a.once.Do(func() { stall = true })
	if !stall {
		return a.SimulatedActuator.ContinuousMove(ctx, pan, tilt, zoom)
	}
	close(a.entered)
	<-a.release
	err := a.SimulatedActuator.ContinuousMove(ctx, pan, tilt, zoom)
	a.returned <- err
	return err
}

func TestBridge_StopAbandonsStuckWorker(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	clock := timeutil.NewMockClock(t0)
	act := &stallingActuator{
		SimulatedActuator: ptz.NewSimulatedActuator(clock, fullCaps),
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
		returned:          make(chan error, 1),
	}
	b := NewBridge(Options{
		Factory:     func(ptz.ConnectionInfo) (ptz.Actuator, error) { return act, nil },
		Clock:       clock,
		Sink:        sink,
		StopTimeout: 20 * time.Millisecond,
	})
	t.Cleanup(b.Close)
	require.True(t, b.StartSession(context.Background(), "cam1", camInfo, testConfig()))

	require.Eventually(t, func() bool {
		b.UpdateDetections("cam1", frame(box(100, 100, 160, 160, 0.9)))
		clock.Advance(cycle)
		select {
		case <-act.entered:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, b.StopSession("cam1"))
	assert.False(t, act.Connected(), "actuator closed despite the stuck worker")
	assert.GreaterOrEqual(t, act.CountOp(ptz.OpStop), 1)
	sink.mu.Lock()
	assert.Len(t, sink.stops, 1)
	sink.mu.Unlock()

	// The released command carries the cancelled worker context.
	close(act.release)
	select {
	case err := <-act.returned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled command never returned")
	}
	assert.False(t, act.Moving())
}
