// Package api exposes the counting engine over HTTP: session control,
// live counts, the crossing log, charts and the video/WebSocket feeds.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"
	goa "goa.design/goa/v3/pkg"

	"trafficcount/internal/auth"
	"trafficcount/internal/database"
	mw "trafficcount/internal/middleware"
	"trafficcount/internal/pipeline"
)

// Limits bounds the values accepted by the settings endpoints
type Limits struct {
	ConfidenceMin float64
	ConfidenceMax float64
	ZoneMin       int
	ZoneMax       int
}

// DefaultLimits matches the operator controls: confidence 0.3-0.7, zone 100-380
func DefaultLimits() Limits {
	return Limits{
		ConfidenceMin: 0.3,
		ConfidenceMax: 0.7,
		ZoneMin:       100,
		ZoneMax:       380,
	}
}

// Options wires the API to the rest of the service. Only Engine is required.
type Options struct {
	Engine *pipeline.Engine
	DB     *database.Database  // Nil disables the crossing log endpoints
	Auth   *auth.Authenticator // Nil disables login and token checks
	Limits Limits
	Logger *log.Logger
	Debug  bool // Log request and response bodies

	// Streaming endpoints, mounted outside the logging middleware
	Live          http.Handler // GET /ws/live
	Video         http.Handler // GET /ws/video
	MJPEG         http.Handler // GET /video/live
	Snapshot      http.Handler // GET /video/snapshot
	TrackerHealth func() bool
}

// Server serves the control API
type Server struct {
	engine  *pipeline.Engine
	db      *database.Database
	auth    *auth.Authenticator
	limits  Limits
	logger  *log.Logger
	started time.Time
	opts    Options
	mux     goahttp.Muxer
}

// New creates the API server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[api] ", log.Ltime)
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Auth == nil {
		opts.Auth, _ = auth.NewAuthenticator(auth.Config{})
	}
	return &Server{
		engine:  opts.Engine,
		db:      opts.DB,
		auth:    opts.Auth,
		limits:  opts.Limits,
		logger:  opts.Logger,
		started: time.Now(),
		opts:    opts,
	}
}

// Mount registers every JSON and chart route on mux
func (s *Server) Mount(mux goahttp.Muxer) {
	s.mux = mux
	mux.Handle(http.MethodGet, "/api/v1/health", s.handleHealth)
	mux.Handle(http.MethodGet, "/api/v1/status", s.handleStatus)
	mux.Handle(http.MethodGet, "/api/v1/counts", s.handleCounts)
	mux.Handle(http.MethodGet, "/api/v1/rate", s.handleRate)
	mux.Handle(http.MethodGet, "/api/v1/settings", s.handleGetSettings)

	mux.Handle(http.MethodPost, "/api/v1/session/start", s.handleStart)
	mux.Handle(http.MethodPost, "/api/v1/session/stop", s.handleStop)
	mux.Handle(http.MethodPost, "/api/v1/session/reset", s.handleReset)
	mux.Handle(http.MethodPut, "/api/v1/session/confidence", s.handleSetConfidence)
	mux.Handle(http.MethodPut, "/api/v1/session/zone", s.handleSetZone)

	mux.Handle(http.MethodGet, "/api/v1/sessions", s.handleListSessions)
	mux.Handle(http.MethodGet, "/api/v1/sessions/{id}", s.handleGetSession)
	mux.Handle(http.MethodGet, "/api/v1/sessions/{id}/crossings", s.handleListCrossings)

	mux.Handle(http.MethodPost, "/api/v1/auth/login", s.handleLogin)
	mux.Handle(http.MethodGet, "/api/v1/auth/status", s.handleAuthStatus)

	mux.Handle(http.MethodGet, "/charts/counts", s.handleCountsChart)
	mux.Handle(http.MethodGet, "/charts/rate", s.handleRateChart)
}

// Handler builds the full HTTP handler: goa muxer with request id, logging
// and auth middleware for the API, plus the raw streaming endpoints.
func (s *Server) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	s.Mount(mux)

	var api http.Handler = mux
	{
		if s.opts.Debug {
			api = httpmdlwr.Debug(mux, os.Stdout)(api)
		}
		api = mw.AuthMiddleware(s.auth, mw.Mutating, "/api/v1/auth/login")(api)
		api = httpmdlwr.Log(middleware.NewLogger(s.logger))(api)
		api = httpmdlwr.RequestID()(api)
	}

	root := http.NewServeMux()
	root.Handle("/", api)
	for path, h := range map[string]http.Handler{
		"/ws/live":        s.opts.Live,
		"/ws/video":       s.opts.Video,
		"/video/live":     s.opts.MJPEG,
		"/video/snapshot": s.opts.Snapshot,
	} {
		if h != nil {
			root.Handle(path, h)
		}
	}
	return root
}

// errorBody mirrors goa's error response shape
type errorBody struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Printf("[%s] ERROR: encoding: %s", requestID(r.Context()), err)
	}
}

// writeError writes err with status; goa service errors keep their name
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, name string, err error) {
	body := errorBody{Name: name, ID: requestID(r.Context()), Message: err.Error()}
	var serr *goa.ServiceError
	if errors.As(err, &serr) {
		body.Name = serr.Name
	}
	if status >= http.StatusInternalServerError {
		s.logger.Printf("[%s] ERROR: %s", body.ID, err)
	}
	s.writeJSON(w, r, status, body)
}

// decode reads a JSON body; an empty body is a missing-payload error
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return goa.MissingPayloadError()
	}
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		return goa.DecodePayloadError(err.Error())
	}
	return nil
}
