package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/harbour.watch/internal/httputil"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "run history is not enabled")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 || v > 1000 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = v
	}
	runs, err := s.db.SessionRuns(r.Context(), r.URL.Query().Get("camera_id"), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (s *Server) listSwitches(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "run history is not enabled")
		return
	}
	switches, err := s.db.TargetSwitches(r.Context(), r.PathValue("run"))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve switches: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, switches)
}
