package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/db"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/targeting"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrBridgeClosed    = errors.New("bridge closed")
)

// Options configure a Bridge. Factory is required.
type Options struct {
	Factory     ptz.Factory
	Clock       timeutil.Clock
	Calibration calibration.Store // nil uses the built-in defaults
	Sink        EventSink         // nil discards run history
	Observers   []Observer

	QueueSize      int           // shared detection queue; defaults to the config default
	ConnectTimeout time.Duration // defaults to 5s
	StopTimeout    time.Duration // worker join bound; defaults to the config default
}

type batch struct {
	cameraID string
	frame    Frame
}

// Bridge multiplexes camera sessions. Detections enter one bounded queue
// and a single consumer routes them to per-session inboxes, so producers
// never block on camera control.
type Bridge struct {
	opts  Options
	clock timeutil.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	queue   chan batch
	dropped atomic.Int64
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge and starts its consumer goroutine.
func NewBridge(opts Options) *Bridge {
	b := newBridge(opts)
	go b.consume()
	return b
}

func newBridge(opts Options) *Bridge {
	defaults := config.EmptyTrackingConfig()
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.GetQueueSize()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaults.GetStopTimeout()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		opts:     opts,
		clock:    opts.Clock,
		sessions: make(map[string]*Session),
		queue:    make(chan batch, opts.QueueSize),
		started:  opts.Clock.Now(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// AddObserver registers o for events of sessions started afterwards.
func (b *Bridge) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.Observers = append(b.opts.Observers, o)
}

// StartSession starts a session and reports whether it is running. The
// reason for a failure is logged.
func (b *Bridge) StartSession(ctx context.Context, cameraID string, info ptz.ConnectionInfo, cfg *config.TrackingConfig) bool {
	if _, err := b.Start(ctx, cameraID, info, cfg); err != nil {
		monitoring.Logf("[bridge] failed to start session %s: %v", cameraID, err)
		return false
	}
	return true
}

// Start validates the inputs, connects the actuator, loads the camera's
// calibration and starts the worker. On error nothing is left running.
func (b *Bridge) Start(ctx context.Context, cameraID string, info ptz.ConnectionInfo, cfg *config.TrackingConfig) (Status, error) {
	if cameraID == "" {
		return Status{}, errors.New("camera id is required")
	}
	if cfg == nil {
		cfg = config.DefaultTrackingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return Status{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := info.Validate(); err != nil {
		return Status{}, fmt.Errorf("invalid connection: %w", err)
	}
	if b.opts.Factory == nil {
		return Status{}, errors.New("no actuator factory configured")
	}

	b.mu.RLock()
	_, exists := b.sessions[cameraID]
	closed := b.closed
	b.mu.RUnlock()
	switch {
	case closed:
		return Status{}, ErrBridgeClosed
	case exists:
		return Status{}, fmt.Errorf("%s: %w", cameraID, ErrSessionExists)
	}

	act, err := b.opts.Factory(info)
	if err != nil {
		return Status{}, fmt.Errorf("create actuator: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	err = act.Connect(cctx)
	cancel()
	if err != nil {
		act.Close()
		return Status{}, fmt.Errorf("connect %s: %w", info.IP, err)
	}

	cal := calibration.Default(info.IP)
	if b.opts.Calibration != nil {
		if cal, err = calibration.LoadOrDefault(ctx, b.opts.Calibration, info.IP); err != nil {
			act.Close()
			return Status{}, fmt.Errorf("load calibration: %w", err)
		}
	}

	pipe, err := NewPipeline(cfg, act, cal, cameraID)
	if err != nil {
		act.Close()
		return Status{}, err
	}

	runID := uuid.New().String()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		act.Close()
		return Status{}, ErrBridgeClosed
	}
	if _, ok := b.sessions[cameraID]; ok {
		b.mu.Unlock()
		act.Close()
		return Status{}, fmt.Errorf("%s: %w", cameraID, ErrSessionExists)
	}
	observer := multiObserver(append([]Observer(nil), b.opts.Observers...))
	s := newSession(cameraID, info, runID, cfg, act, pipe, b.clock, b.opts.Sink, observer)
	wctx, wcancel := context.WithCancel(b.ctx)
	s.cancel = wcancel
	b.sessions[cameraID] = s
	b.mu.Unlock()

	if err := b.opts.Sink.RecordSessionStart(ctx, db.SessionRun{
		RunID:     runID,
		CameraID:  cameraID,
		CameraIP:  info.IP,
		Preset:    info.ProfileToken,
		StartedAt: s.started,
	}); err != nil {
		monitoring.Logf("[bridge] failed to record start of %s: %v", cameraID, err)
	}
	go s.run(wctx)
	observer.SessionStarted(cameraID, runID)
	monitoring.Logf("[bridge] started session %s (%s) run %s", cameraID, info.IP, runID)
	return s.Status(), nil
}

// UpdateDetections enqueues a frame for cameraID without blocking. It
// returns false when the camera has no session or the queue is full; the
// newest batch is the one dropped.
func (b *Bridge) UpdateDetections(cameraID string, f Frame) bool {
	b.mu.RLock()
	_, ok := b.sessions[cameraID]
	closed := b.closed
	b.mu.RUnlock()
	if !ok || closed {
		return false
	}
	select {
	case b.queue <- batch{cameraID: cameraID, frame: f}:
		return true
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			monitoring.Logf("[bridge] detection queue full, dropped %d batches", n)
		}
		return false
	}
}

func (b *Bridge) consume() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case item := <-b.queue:
			b.mu.RLock()
			s, ok := b.sessions[item.cameraID]
			b.mu.RUnlock()
			if ok {
				s.deliver(item.frame)
			}
		}
	}
}

// StopSession stops and removes one session.
func (b *Bridge) StopSession(cameraID string) bool {
	b.mu.Lock()
	s, ok := b.sessions[cameraID]
	delete(b.sessions, cameraID)
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.stop(s)
	return true
}

func (b *Bridge) stop(s *Session) {
	s.stop(b.opts.StopTimeout)
	s.observer.SessionStopped(s.id)
	monitoring.Logf("[bridge] stopped session %s", s.id)
}

// StopAllSessions stops every session in parallel.
func (b *Bridge) StopAllSessions() {
	b.mu.Lock()
	all := make([]*Session, 0, len(b.sessions))
	for id, s := range b.sessions {
		all = append(all, s)
		delete(b.sessions, id)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			b.stop(s)
		}(s)
	}
	wg.Wait()
}

// Close stops every session and the consumer. The bridge rejects new work
// afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.StopAllSessions()
	b.cancel()
}

// UpdateCalibration applies cal to every running session on cal.CameraIP
// and returns how many were updated.
func (b *Bridge) UpdateCalibration(cal calibration.Data) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.sessions {
		if s.info.IP == cal.CameraIP {
			s.setCalibration(cal)
			n++
		}
	}
	return n
}

// SessionStatus returns the latest snapshot of one session.
func (b *Bridge) SessionStatus(cameraID string) (Status, bool) {
	b.mu.RLock()
	s, ok := b.sessions[cameraID]
	b.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return s.Status(), true
}

// Session returns the running session for cameraID.
func (b *Bridge) Session(cameraID string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[cameraID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", cameraID, ErrSessionNotFound)
	}
	return s, nil
}

// GlobalStatus returns snapshots of every session ordered by camera ID.
func (b *Bridge) GlobalStatus() GlobalStatus {
	b.mu.RLock()
	sessions := make([]Status, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s.Status())
	}
	b.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CameraID < sessions[j].CameraID })

	return GlobalStatus{
		ActiveSessions: len(sessions),
		Sessions:       sessions,
		QueueLength:    len(b.queue),
		QueueCapacity:  cap(b.queue),
		DroppedBatches: b.dropped.Load(),
		UptimeSeconds:  b.clock.Since(b.started).Seconds(),
	}
}

type multiObserver []Observer

func (m multiObserver) SessionStarted(cameraID, runID string) {
	for _, o := range m {
		o.SessionStarted(cameraID, runID)
	}
}

func (m multiObserver) SessionStopped(cameraID string) {
	for _, o := range m {
		o.SessionStopped(cameraID)
	}
}

func (m multiObserver) TargetSwitched(cameraID string, ev targeting.SwitchEvent) {
	for _, o := range m {
		o.TargetSwitched(cameraID, ev)
	}
}

func (m multiObserver) RecoveryChanged(cameraID string, state ptz.RecoveryState) {
	for _, o := range m {
		o.RecoveryChanged(cameraID, state)
	}
}
