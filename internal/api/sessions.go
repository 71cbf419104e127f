package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/httputil"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/session"
)

// StartSessionRequest is the body of POST /api/sessions. Config fields
// override the chosen preset.
type StartSessionRequest struct {
	CameraID   string                 `json:"camera_id"`
	Connection ptz.ConnectionInfo     `json:"connection"`
	Preset     string                 `json:"preset,omitempty"`
	Config     *config.TrackingConfig `json:"config,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.CameraID == "" {
		httputil.BadRequest(w, "camera_id is required")
		return
	}

	base := config.DefaultTrackingConfig()
	if req.Preset != "" {
		p, err := config.Preset(req.Preset)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		base = p
	}
	cfg, err := base.Merge(req.Config)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid config: %v", err))
		return
	}
	if err := req.Connection.Validate(); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid connection: %v", err))
		return
	}

	st, err := s.bridge.Start(r.Context(), req.CameraID, req.Connection, cfg)
	switch {
	case errors.Is(err, session.ErrSessionExists):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrBridgeClosed):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusCreated, st)
	}
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.bridge.SessionStatus(r.PathValue("id"))
	if !ok {
		httputil.NotFound(w, "session not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if !s.bridge.StopSession(r.PathValue("id")) {
		httputil.NotFound(w, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateDetections(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.bridge.SessionStatus(id); !ok {
		httputil.NotFound(w, "session not found")
		return
	}
	var f session.Frame
	if err := httputil.DecodeJSON(r, &f); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := f.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.bridge.UpdateDetections(id, f) {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "detection queue full")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{"queued": len(f.Detections)})
}

func (s *Server) globalStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.bridge.GlobalStatus())
}

func (s *Server) listPresets(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, config.PresetNames())
}
