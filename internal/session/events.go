package session

import (
	"context"
	"time"

	"github.com/banshee-data/harbour.watch/internal/db"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/targeting"
)

// EventSink persists session runs and target switches. *db.DB implements it.
type EventSink interface {
	RecordSessionStart(ctx context.Context, run db.SessionRun) error
	RecordSessionStop(ctx context.Context, runID string, stoppedAt time.Time, summary interface{}) error
	RecordTargetSwitch(ctx context.Context, sw db.TargetSwitch) error
}

var _ EventSink = (*db.DB)(nil)

// Observer receives session events. Callbacks run on the session worker or
// on the goroutine calling Start/Stop and must not block.
type Observer interface {
	SessionStarted(cameraID, runID string)
	SessionStopped(cameraID string)
	TargetSwitched(cameraID string, ev targeting.SwitchEvent)
	RecoveryChanged(cameraID string, state ptz.RecoveryState)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Started  func(cameraID, runID string)
	Stopped  func(cameraID string)
	Switched func(cameraID string, ev targeting.SwitchEvent)
	Recovery func(cameraID string, state ptz.RecoveryState)
}

func (f ObserverFuncs) SessionStarted(cameraID, runID string) {
	if f.Started != nil {
		f.Started(cameraID, runID)
	}
}

func (f ObserverFuncs) SessionStopped(cameraID string) {
	if f.Stopped != nil {
		f.Stopped(cameraID)
	}
}

func (f ObserverFuncs) TargetSwitched(cameraID string, ev targeting.SwitchEvent) {
	if f.Switched != nil {
		f.Switched(cameraID, ev)
	}
}

func (f ObserverFuncs) RecoveryChanged(cameraID string, state ptz.RecoveryState) {
	if f.Recovery != nil {
		f.Recovery(cameraID, state)
	}
}

// nopSink discards events when no store is configured.
type nopSink struct{}

func (nopSink) RecordSessionStart(context.Context, db.SessionRun) error { return nil }
func (nopSink) RecordSessionStop(context.Context, string, time.Time, interface{}) error {
	return nil
}
func (nopSink) RecordTargetSwitch(context.Context, db.TargetSwitch) error { return nil }
