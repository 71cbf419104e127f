package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/db"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/session"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes the session bridge, calibration store and run history
// over HTTP.
type Server struct {
	bridge       *session.Bridge
	calibrations calibration.Store
	db           *db.DB // optional; history endpoints return 404 without it
}

func NewServer(bridge *session.Bridge, calibrations calibration.Store, database *db.DB) *Server {
	return &Server{
		bridge:       bridge,
		calibrations: calibrations,
		db:           database,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.startSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.sessionStatus)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.stopSession)
	mux.HandleFunc("POST /api/sessions/{id}/detections", s.updateDetections)
	mux.HandleFunc("GET /api/status", s.globalStatus)
	mux.HandleFunc("GET /api/presets", s.listPresets)

	mux.HandleFunc("GET /api/calibration/{ip}", s.getCalibration)
	mux.HandleFunc("PUT /api/calibration/{ip}", s.putCalibration)

	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{run}/switches", s.listSwitches)

	mux.HandleFunc("GET /debug/priorities", s.priorityChart)
	return mux
}
