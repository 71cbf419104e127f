package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SessionRun is one start-to-stop run of a camera session.
type SessionRun struct {
	RunID     string          `json:"run_id"`
	CameraID  string          `json:"camera_id"`
	CameraIP  string          `json:"camera_ip"`
	Preset    string          `json:"preset,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

// TargetSwitch is one change of the followed target within a run.
type TargetSwitch struct {
	RunID     string    `json:"run_id"`
	OldTarget int       `json:"old_target"`
	NewTarget int       `json:"new_target"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// RecordSessionStart inserts a new run.
func (db *DB) RecordSessionStart(ctx context.Context, run SessionRun) error {
	var preset sql.NullString
	if run.Preset != "" {
		preset = sql.NullString{String: run.Preset, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ptz_session_runs (run_id, camera_id, camera_ip, preset, started_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.CameraID, run.CameraIP, preset, toUnixNanos(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// RecordSessionStop closes a run and stores its final statistics, which may
// be any JSON-encodable value.
func (db *DB) RecordSessionStop(ctx context.Context, runID string, stoppedAt time.Time, summary interface{}) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode session summary: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE ptz_session_runs SET stopped_unix_nanos = ?, summary_json = ? WHERE run_id = ?`,
		toUnixNanos(stoppedAt), string(data), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record session stop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session run %s not found", runID)
	}
	return nil
}

// RecordTargetSwitch appends a switch event to a run.
func (db *DB) RecordTargetSwitch(ctx context.Context, sw TargetSwitch) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ptz_target_switches (run_id, old_target, new_target, reason, switch_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`,
		sw.RunID, sw.OldTarget, sw.NewTarget, sw.Reason, toUnixNanos(sw.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record target switch: %w", err)
	}
	return nil
}

// SessionRuns returns the most recent runs for cameraID, newest first. An
// empty cameraID returns runs for every camera.
func (db *DB) SessionRuns(ctx context.Context, cameraID string, limit int) ([]SessionRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, camera_id, camera_ip, preset, started_unix_nanos, stopped_unix_nanos, summary_json
		FROM ptz_session_runs
		WHERE ? = '' OR camera_id = ?
		ORDER BY started_unix_nanos DESC
		LIMIT ?`, cameraID, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SessionRun
	for rows.Next() {
		var (
			r       SessionRun
			preset  sql.NullString
			started int64
			stopped sql.NullInt64
			summary sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.CameraID, &r.CameraIP, &preset, &started, &stopped, &summary); err != nil {
			return nil, err
		}
		r.Preset = preset.String
		r.StartedAt = fromUnixNanos(started)
		if stopped.Valid {
			t := fromUnixNanos(stopped.Int64)
			r.StoppedAt = &t
		}
		if summary.Valid {
			r.Summary = json.RawMessage(summary.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TargetSwitches returns the switch log of one run in order.
func (db *DB) TargetSwitches(ctx context.Context, runID string) ([]TargetSwitch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT old_target, new_target, reason, switch_unix_nanos
		FROM ptz_target_switches
		WHERE run_id = ?
		ORDER BY switch_unix_nanos, switch_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TargetSwitch
	for rows.Next() {
		sw := TargetSwitch{RunID: runID}
		var at int64
		if err := rows.Scan(&sw.OldTarget, &sw.NewTarget, &sw.Reason, &at); err != nil {
			return nil, err
		}
		sw.At = fromUnixNanos(at)
		out = append(out, sw)
	}
	return out, rows.Err()
}
