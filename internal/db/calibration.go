package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/harbour.watch/internal/calibration"
)

// CalibrationStore keeps calibration records in the ptz_calibration table.
type CalibrationStore struct {
	db *DB
}

// NewCalibrationStore returns a calibration.Store backed by db.
func NewCalibrationStore(db *DB) *CalibrationStore {
	return &CalibrationStore{db: db}
}

var _ calibration.Store = (*CalibrationStore)(nil)

func (s *CalibrationStore) Load(ctx context.Context, cameraIP string) (calibration.Data, error) {
	d := calibration.Data{CameraIP: cameraIP}
	var date sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT center_offset_x, center_offset_y, pan_direction, tilt_direction,
		       pan_sensitivity, tilt_sensitivity, deadzone_x, deadzone_y, calibration_unix_nanos
		FROM ptz_calibration WHERE camera_ip = ?`, cameraIP,
	).Scan(
		&d.CenterOffsetX, &d.CenterOffsetY, &d.PanDirection, &d.TiltDirection,
		&d.PanSensitivity, &d.TiltSensitivity, &d.DeadzoneX, &d.DeadzoneY, &date,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Data{}, fmt.Errorf("%s: %w", cameraIP, calibration.ErrNotFound)
	}
	if err != nil {
		return calibration.Data{}, fmt.Errorf("failed to load calibration: %w", err)
	}
	if date.Valid {
		d.CalibrationDate = fromUnixNanos(date.Int64)
	}
	return d, nil
}

func (s *CalibrationStore) Save(ctx context.Context, d calibration.Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var date sql.NullInt64
	if !d.CalibrationDate.IsZero() {
		date = sql.NullInt64{Int64: toUnixNanos(d.CalibrationDate), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ptz_calibration (
			camera_ip, center_offset_x, center_offset_y, pan_direction, tilt_direction,
			pan_sensitivity, tilt_sensitivity, deadzone_x, deadzone_y, calibration_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_ip) DO UPDATE SET
			center_offset_x = excluded.center_offset_x,
			center_offset_y = excluded.center_offset_y,
			pan_direction = excluded.pan_direction,
			tilt_direction = excluded.tilt_direction,
			pan_sensitivity = excluded.pan_sensitivity,
			tilt_sensitivity = excluded.tilt_sensitivity,
			deadzone_x = excluded.deadzone_x,
			deadzone_y = excluded.deadzone_y,
			calibration_unix_nanos = excluded.calibration_unix_nanos,
			updated_at = CURRENT_TIMESTAMP`,
		d.CameraIP, d.CenterOffsetX, d.CenterOffsetY, d.PanDirection, d.TiltDirection,
		d.PanSensitivity, d.TiltSensitivity, d.DeadzoneX, d.DeadzoneY, date,
	)
	if err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	return nil
}

// CalibratedCameras returns the IPs with a stored calibration.
func (s *CalibrationStore) CalibratedCameras(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT camera_ip FROM ptz_calibration ORDER BY camera_ip`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}
