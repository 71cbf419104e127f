package ptz

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

// Simulated actuator operations, used in Call.Op and FailNext.
const (
	OpConnect    = "connect"
	OpContinuous = "continuous_move"
	OpAbsolute   = "absolute_move"
	OpStop       = "stop"
	OpPosition   = "position"
)

// simRate is the generic-space distance covered per second at speed 1.
const simRate = 0.5

// Call is one recorded actuator invocation.
type Call struct {
	Op   string
	Pose Pose // velocity for continuous moves, target for absolute moves
	At   time.Time
}

// SimulatedActuator integrates continuous velocities into a pose in memory.
// It records every call and can be told to fail, which makes it the actuator
// for dev mode, replay and tests.
type SimulatedActuator struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	caps      Capabilities
	connected bool
	pose      Pose
	velocity  Pose
	since     time.Time
	calls     []Call
	failNext  map[string][]error
	failAll   error
	// Latency delays every call; a call whose ctx ends first fails with
	// the ctx error.
	Latency time.Duration
}

// NewSimulatedActuator returns a disconnected simulator at the home pose.
func NewSimulatedActuator(clock timeutil.Clock, caps Capabilities) *SimulatedActuator {
	return &SimulatedActuator{
		clock:    clock,
		caps:     caps,
		failNext: make(map[string][]error),
	}
}

// SimulatedFactory returns a Factory handing out simulators, recording each
// one in created when it is non-nil.
func SimulatedFactory(clock timeutil.Clock, caps Capabilities, created func(ConnectionInfo, *SimulatedActuator)) Factory {
	return func(info ConnectionInfo) (Actuator, error) {
		s := NewSimulatedActuator(clock, caps)
		if created != nil {
			created(info, s)
		}
		return s, nil
	}
}

// FailNext makes the next call of op return err. Calls queue up.
func (s *SimulatedActuator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], err)
}

// FailAll makes every call fail with err until it is called with nil.
func (s *SimulatedActuator) FailAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

// SetPose places the camera, as if moved by hand.
func (s *SimulatedActuator) SetPose(p Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = p.Clamp()
	s.since = s.clock.Now()
}

// Pose returns the integrated pose without recording a call.
func (s *SimulatedActuator) Pose() Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrate(s.clock.Now())
	return s.pose
}

// Moving reports whether a continuous velocity is active.
func (s *SimulatedActuator) Moving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.velocity != Pose{}
}

// Connected reports whether Connect succeeded and Close has not been called.
func (s *SimulatedActuator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Calls returns a copy of the call log.
func (s *SimulatedActuator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountOp returns how many recorded calls had the given op.
func (s *SimulatedActuator) CountOp(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *SimulatedActuator) Capabilities() Capabilities { return s.caps }

func (s *SimulatedActuator) Connect(ctx context.Context) error {
	return s.do(ctx, OpConnect, Pose{}, func(time.Time) error {
		s.connected = true
		return nil
	})
}

func (s *SimulatedActuator) ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error {
	v := Pose{Pan: clamp(pan, -1, 1), Tilt: clamp(tilt, -1, 1), Zoom: clamp(zoom, -1, 1)}
	return s.do(ctx, OpContinuous, v, func(time.Time) error {
		s.velocity = v
		return nil
	})
}

func (s *SimulatedActuator) AbsoluteMove(ctx context.Context, p Pose) error {
	return s.do(ctx, OpAbsolute, p, func(time.Time) error {
		if !s.caps.AbsoluteMove {
			return ErrUnsupported
		}
		s.velocity = Pose{}
		s.pose = p.Clamp()
		return nil
	})
}

func (s *SimulatedActuator) Stop(ctx context.Context) error {
	return s.do(ctx, OpStop, Pose{}, func(time.Time) error {
		s.velocity = Pose{}
		return nil
	})
}

func (s *SimulatedActuator) Position(ctx context.Context) (Pose, error) {
	var p Pose
	err := s.do(ctx, OpPosition, Pose{}, func(time.Time) error {
		p = s.pose
		return nil
	})
	return p, err
}

func (s *SimulatedActuator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.velocity = Pose{}
	return nil
}

// do waits out Latency, records the call and applies it. The pose is
// integrated up to the call time first.
func (s *SimulatedActuator) do(ctx context.Context, op string, arg Pose, apply func(now time.Time) error) error {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.calls = append(s.calls, Call{Op: op, Pose: arg, At: now})
	if s.failAll != nil {
		return s.failAll
	}
	if q := s.failNext[op]; len(q) > 0 {
		s.failNext[op] = q[1:]
		return q[0]
	}
	if op != OpConnect && !s.connected {
		return ErrNotConnected
	}
	s.integrate(now)
	return apply(now)
}

func (s *SimulatedActuator) integrate(now time.Time) {
	if !s.since.IsZero() && s.velocity != (Pose{}) {
		dt := now.Sub(s.since).Seconds() * simRate
		s.pose = Pose{
			Pan:  s.pose.Pan + s.velocity.Pan*dt,
			Tilt: s.pose.Tilt + s.velocity.Tilt*dt,
			Zoom: s.pose.Zoom + s.velocity.Zoom*dt,
		}.Clamp()
	}
	s.since = now
}
