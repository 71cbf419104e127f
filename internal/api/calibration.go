package api

import (
	"fmt"
	"net/http"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/httputil"
)

func (s *Server) getCalibration(w http.ResponseWriter, r *http.Request) {
	d, err := calibration.LoadOrDefault(r.Context(), s.calibrations, r.PathValue("ip"))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load calibration: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

// putCalibration saves a calibration record and applies it to running
// sessions on that camera.
func (s *Server) putCalibration(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	var d calibration.Data
	if err := httputil.DecodeJSON(r, &d); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if d.CameraIP == "" {
		d.CameraIP = ip
	}
	if d.CameraIP != ip {
		httputil.BadRequest(w, "camera_ip does not match the path")
		return
	}
	if err := d.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.calibrations.Save(r.Context(), d); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to save calibration: %v", err))
		return
	}
	applied := s.bridge.UpdateCalibration(d)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"calibration": d,
		"applied_to":  applied,
	})
}
