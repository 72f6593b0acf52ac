package api

import (
	"errors"
	"net/http"
	"time"

	goa "goa.design/goa/v3/pkg"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
	"trafficcount/internal/ratemon"
)

// HealthResponse is returned by GET /api/v1/health
type HealthResponse struct {
	Status         string  `json:"status"`
	Tracker        string  `json:"tracker"`
	TrackerHealthy bool    `json:"tracker_healthy"`
	Accelerated    bool    `json:"accelerated"`
	Running        bool    `json:"running"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// StatusResponse is the engine state plus its settings
type StatusResponse struct {
	pipeline.Status
	Settings pipeline.Settings `json:"settings"`
}

// CountsResponse is returned by GET /api/v1/counts
type CountsResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Running   bool   `json:"running"`
	counting.Counts
}

// RateResponse is returned by GET /api/v1/rate
type RateResponse struct {
	Available bool              `json:"available"`
	Last      *ratemon.Snapshot `json:"last,omitempty"`
	Summary   *ratemon.Summary  `json:"summary,omitempty"`
}

// StartRequest is the body of POST /api/v1/session/start
type StartRequest struct {
	Source string `json:"source"`
}

// ConfidenceRequest is the body of PUT /api/v1/session/confidence
type ConfidenceRequest struct {
	Value *float64 `json:"value"`
}

// ZoneRequest is the body of PUT /api/v1/session/zone
type ZoneRequest struct {
	Center *int `json:"center"`
}

func (s *Server) status() StatusResponse {
	return StatusResponse{Status: s.engine.Status(), Settings: s.engine.Settings()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tracker := s.engine.Status().Tracker
	resp := HealthResponse{
		Status:         "healthy",
		Tracker:        tracker,
		TrackerHealthy: true,
		Running:        s.engine.Running(),
		UptimeSeconds:  time.Since(s.started).Seconds(),
	}
	if s.opts.TrackerHealth != nil {
		resp.TrackerHealthy = s.opts.TrackerHealth()
		if !resp.TrackerHealthy {
			resp.Status = "degraded"
		}
	}
	resp.Accelerated = s.engine.Accelerated()
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.status())
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	s.writeJSON(w, r, http.StatusOK, CountsResponse{
		SessionID: st.SessionID,
		Running:   st.Running,
		Counts:    s.engine.Session().Counts(),
	})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var resp RateResponse
	if last, ok := s.engine.Rate(); ok {
		resp.Available = true
		resp.Last = &last
		summary := s.engine.RateSummary()
		resp.Summary = &summary
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.engine.Settings())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}
	if body.Source == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing_field", goa.MissingFieldError("source", "body"))
		return
	}

	if err := s.engine.Start(body.Source); err != nil {
		s.writeError(w, r, http.StatusUnprocessableEntity, "source_unavailable", err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, s.status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			s.writeError(w, r, http.StatusConflict, "not_running", err)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "fault", err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	s.writeJSON(w, r, http.StatusOK, CountsResponse{
		SessionID: s.engine.Status().SessionID,
		Counts:    s.engine.Session().Counts(),
	})
}

func (s *Server) handleSetConfidence(w http.ResponseWriter, r *http.Request) {
	var body ConfidenceRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}
	if body.Value == nil {
		s.writeError(w, r, http.StatusBadRequest, "missing_field", goa.MissingFieldError("value", "body"))
		return
	}

	v := *body.Value
	if v < s.limits.ConfidenceMin {
		s.writeError(w, r, http.StatusBadRequest, "invalid_range", goa.InvalidRangeError("body.value", v, s.limits.ConfidenceMin, true))
		return
	}
	if v > s.limits.ConfidenceMax {
		s.writeError(w, r, http.StatusBadRequest, "invalid_range", goa.InvalidRangeError("body.value", v, s.limits.ConfidenceMax, false))
		return
	}

	s.engine.SetConfidence(v)
	s.writeJSON(w, r, http.StatusOK, s.engine.Settings())
}

func (s *Server) handleSetZone(w http.ResponseWriter, r *http.Request) {
	var body ZoneRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}
	if body.Center == nil {
		s.writeError(w, r, http.StatusBadRequest, "missing_field", goa.MissingFieldError("center", "body"))
		return
	}

	y := *body.Center
	if y < s.limits.ZoneMin {
		s.writeError(w, r, http.StatusBadRequest, "invalid_range", goa.InvalidRangeError("body.center", y, s.limits.ZoneMin, true))
		return
	}
	if y > s.limits.ZoneMax {
		s.writeError(w, r, http.StatusBadRequest, "invalid_range", goa.InvalidRangeError("body.center", y, s.limits.ZoneMax, false))
		return
	}

	s.engine.SetZoneCenter(y)
	s.writeJSON(w, r, http.StatusOK, s.engine.Settings())
}
