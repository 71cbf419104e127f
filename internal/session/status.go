package session

import (
	"time"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/targeting"
	"github.com/banshee-data/harbour.watch/internal/tracking"
)

// Stats are the counters of one session.
type Stats struct {
	PipelineStats
	DroppedBatches int                 `json:"dropped_batches"`
	Switches       int                 `json:"switches"`
	Motion         ptz.MotionStats     `json:"motion"`
	SuccessRate    float64             `json:"success_rate"`
	Recovery       ptz.RecoveryStats   `json:"recovery"`
	Tracks         tracking.StoreStats `json:"tracks"`
}

// ObjectStatus is the published view of one tracked object.
type ObjectStatus struct {
	ID              int       `json:"id"`
	Priority        float64   `json:"priority"`
	Confidence      float64   `json:"confidence"`
	CX              float64   `json:"cx"`
	CY              float64   `json:"cy"`
	Moving          bool      `json:"moving"`
	IsPrimaryTarget bool      `json:"is_primary_target"`
	TrackingSeconds float64   `json:"tracking_seconds"`
	LastSeen        time.Time `json:"last_seen"`
}

// Status is a read-only snapshot of one session, replaced atomically by the
// worker after every control cycle.
type Status struct {
	CameraID       string                   `json:"camera_id"`
	CameraIP       string                   `json:"camera_ip"`
	RunID          string                   `json:"run_id"`
	Active         bool                     `json:"active"`
	StartedAt      time.Time                `json:"started_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	UptimeSeconds  float64                  `json:"uptime_seconds"`
	CurrentTarget  int                      `json:"current_target"`
	SchedulerState targeting.SchedulerState `json:"scheduler_state"`
	RecoveryState  ptz.RecoveryState        `json:"recovery_state"`
	Objects        []ObjectStatus           `json:"objects"`
	Pose           *ptz.Pose                `json:"pose,omitempty"`
	LastCommand    string                   `json:"last_command,omitempty"`
	Calibration    calibration.Data         `json:"calibration"`
	Stats          Stats                    `json:"stats"`
}

// GlobalStatus summarizes every session of a bridge.
type GlobalStatus struct {
	ActiveSessions int      `json:"active_sessions"`
	Sessions       []Status `json:"sessions"`
	QueueLength    int      `json:"queue_length"`
	QueueCapacity  int      `json:"queue_capacity"`
	DroppedBatches int64    `json:"dropped_batches"`
	UptimeSeconds  float64  `json:"uptime_seconds"`
}

func objectStatuses(objs []*targeting.TrackedObject) []ObjectStatus {
	out := make([]ObjectStatus, 0, len(objs))
	for _, o := range objs {
		cur := o.Current()
		out = append(out, ObjectStatus{
			ID:              o.ID,
			Priority:        o.Priority,
			Confidence:      o.AverageConfidence(),
			CX:              cur.CX,
			CY:              cur.CY,
			Moving:          o.IsMoving(),
			IsPrimaryTarget: o.IsPrimaryTarget,
			TrackingSeconds: o.TotalTrackingTime.Seconds(),
			LastSeen:        o.LastSeen,
		})
	}
	return out
}
