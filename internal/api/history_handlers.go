package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	goa "goa.design/goa/v3/pkg"

	"trafficcount/internal/database"
)

const (
	defaultSessionLimit  = 50
	defaultCrossingLimit = 1000
	maxCrossingLimit     = 10000
)

// SessionResponse describes a recorded run
type SessionResponse struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Tracker     string         `json:"tracker"`
	Confidence  float64        `json:"confidence"`
	ZoneCenter  int            `json:"zone_center"`
	ZoneOffset  int            `json:"zone_offset"`
	StartedAt   time.Time      `json:"started_at"`
	StoppedAt   *time.Time     `json:"stopped_at,omitempty"`
	StopReason  string         `json:"stop_reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	Total       int            `json:"total"`
	TotalFrames uint64         `json:"total_frames"`
	ByCategory  map[string]int `json:"by_category,omitempty"`
}

// CrossingResponse is one logged crossing
type CrossingResponse struct {
	ID         string    `json:"id"`
	FrameSeq   uint64    `json:"frame_seq"`
	TrackID    int       `json:"track_id"`
	Category   string    `json:"category"`
	Trigger    string    `json:"trigger"`
	Confidence float64   `json:"confidence"`
	CentroidX  int       `json:"centroid_x"`
	CentroidY  int       `json:"centroid_y"`
	Timestamp  time.Time `json:"timestamp"`
}

func sessionResponse(s *database.SessionRecord) SessionResponse {
	return SessionResponse{
		ID:          s.ID,
		Source:      s.Source,
		Tracker:     s.Tracker,
		Confidence:  s.Confidence,
		ZoneCenter:  s.ZoneCenter,
		ZoneOffset:  s.ZoneOffset,
		StartedAt:   s.StartedAt,
		StoppedAt:   s.StoppedAt,
		StopReason:  s.StopReason,
		Error:       s.Error,
		Total:       s.Total,
		TotalFrames: s.TotalFrames,
	}
}

// requireDB writes 503 and returns false when recording is disabled
func (s *Server) requireDB(w http.ResponseWriter, r *http.Request) bool {
	if s.db == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "unavailable", errors.New("crossing log is disabled"))
		return false
	}
	return true
}

// queryLimit parses ?limit=, returning def when absent
func queryLimit(r *http.Request, def, max int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, goa.InvalidFieldTypeError("limit", v, "integer")
	}
	if n < 1 {
		return 0, goa.InvalidRangeError("limit", n, 1, true)
	}
	if max > 0 && n > max {
		return 0, goa.InvalidRangeError("limit", n, max, false)
	}
	return n, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	limit, err := queryLimit(r, defaultSessionLimit, 0)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}

	records, err := s.db.ListSessions(limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "fault", err)
		return
	}

	out := make([]SessionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionResponse(rec))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	id := s.mux.Vars(r)["id"]

	rec, err := s.db.GetSession(id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	totals, err := s.db.CategoryTotals(id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "fault", err)
		return
	}

	resp := sessionResponse(rec)
	resp.ByCategory = totals
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleListCrossings(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w, r) {
		return
	}
	id := s.mux.Vars(r)["id"]

	if _, err := s.db.GetSession(id); err != nil {
		s.writeLookupError(w, r, err)
		return
	}

	limit, err := queryLimit(r, defaultCrossingLimit, maxCrossingLimit)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}

	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", goa.InvalidFormatError("since", v, goa.FormatDateTime, err))
			return
		}
		since = &t
	}

	records, err := s.db.ListCrossings(id, since, limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "fault", err)
		return
	}

	out := make([]CrossingResponse, 0, len(records))
	for _, c := range records {
		out = append(out, CrossingResponse{
			ID:         c.ID,
			FrameSeq:   c.FrameSeq,
			TrackID:    c.TrackID,
			Category:   c.Category,
			Trigger:    c.Trigger,
			Confidence: c.Confidence,
			CentroidX:  c.CentroidX,
			CentroidY:  c.CentroidY,
			Timestamp:  c.Timestamp,
		})
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, database.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Errorf("session not found"))
		return
	}
	s.writeError(w, r, http.StatusInternalServerError, "fault", err)
}
