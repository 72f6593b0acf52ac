package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficcount/internal/auth"
	"trafficcount/internal/counting"
	"trafficcount/internal/database"
	"trafficcount/internal/pipeline"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(io.Discard, "", 0)
}

type stubTracker struct{}

func (stubTracker) Name() string      { return "stub" }
func (stubTracker) Accelerated() bool { return false }
func (stubTracker) Close() error      { return nil }
func (stubTracker) Track(context.Context, *pipeline.Frame, pipeline.TrackParams) ([]counting.TrackedDetection, error) {
	return nil, nil
}

// heldSource serves blank frames until closed
type heldSource struct {
	once   sync.Once
	closed chan struct{}
}

func newHeldSource() *heldSource { return &heldSource{closed: make(chan struct{})} }

func (s *heldSource) Read() (image.Image, bool) {
	select {
	case <-s.closed:
		return nil, false
	case <-time.After(5 * time.Millisecond):
		return image.NewRGBA(image.Rect(0, 0, 640, 480)), true
	}
}

func (s *heldSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type testEnv struct {
	engine *pipeline.Engine
	server *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	open := func(source string) (pipeline.FrameSource, error) {
		if source == "missing.mp4" {
			return nil, errors.New("cannot open source")
		}
		src := newHeldSource()
		if source == "empty.mp4" {
			src.Close()
		}
		return src, nil
	}
	session := counting.NewSession(counting.DefaultSessionOptions())
	engine := pipeline.NewEngine(session, stubTracker{}, nil, open, nil, pipeline.EngineOptions{})
	t.Cleanup(func() { engine.Close() })

	opts.Engine = engine
	opts.Logger = testLogger(t)
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{engine: engine, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{TrackerHealth: func() bool { return false }})

	resp, body := env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "stub", health.Tracker)
	assert.False(t, health.TrackerHealthy)
	assert.False(t, health.Running)
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/session/start", StartRequest{Source: "traffic.mp4"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Running)
	assert.Equal(t, "traffic.mp4", status.Source)
	assert.NotEmpty(t, status.SessionID)
	assert.Equal(t, 0.5, status.Settings.Confidence)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/session/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.engine.Running())

	resp, body = env.do(t, http.MethodPost, "/api/v1/session/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "not_running", e.Name)
	assert.NotEmpty(t, e.ID, "request id is attached")
}

func TestStopAfterEndOfStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	stopped, unsub := env.engine.Events().SubscribeChannel(1, pipeline.EventStopped)
	defer unsub()

	resp, body := env.do(t, http.MethodPost, "/api/v1/session/start", StartRequest{Source: "empty.mp4"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	select {
	case ev := <-stopped:
		assert.Equal(t, pipeline.StopEndOfStream, ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("run never ended")
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/session/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "not_running", e.Name)
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, _ := env.do(t, http.MethodPost, "/api/v1/session/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty body")

	resp, body := env.do(t, http.MethodPost, "/api/v1/session/start", StartRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "source")

	resp, _ = env.do(t, http.MethodPost, "/api/v1/session/start", StartRequest{Source: "missing.mp4"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.False(t, env.engine.Running())
}

func TestSetConfidence(t *testing.T) {
	env := newTestEnv(t, Options{})

	for _, v := range []float64{0.2, 0.75} {
		resp, _ := env.do(t, http.MethodPut, "/api/v1/session/confidence", map[string]float64{"value": v})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "value %v", v)
	}
	assert.Equal(t, 0.5, env.engine.Settings().Confidence)

	resp, _ := env.do(t, http.MethodPut, "/api/v1/session/confidence", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing value")

	resp, body := env.do(t, http.MethodPut, "/api/v1/session/confidence", map[string]float64{"value": 0.65})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var settings pipeline.Settings
	require.NoError(t, json.Unmarshal(body, &settings))
	assert.Equal(t, 0.65, settings.Confidence)
	assert.Equal(t, 0.65, env.engine.Settings().Confidence)
}

func TestSetZone(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, _ := env.do(t, http.MethodPut, "/api/v1/session/zone", map[string]int{"center": 50})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPut, "/api/v1/session/zone", map[string]int{"center": 400})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/api/v1/session/zone", map[string]int{"center": 200})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	zone := env.engine.Settings().Zone
	assert.Equal(t, 200, zone.Center)
	assert.Equal(t, 160, zone.Top())
	assert.Equal(t, 240, zone.Bottom())
}

func TestCountsAndReset(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodGet, "/api/v1/counts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var counts CountsResponse
	require.NoError(t, json.Unmarshal(body, &counts))
	assert.Equal(t, 0, counts.Total)
	assert.Len(t, counts.ByCategory, 4)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/session/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/rate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rate RateResponse
	require.NoError(t, json.Unmarshal(body, &rate))
	assert.False(t, rate.Available)
}

func TestSessionsWithoutDatabase(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, _ := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func seedDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveSession(&database.SessionRecord{
		ID: "s1", Source: "traffic.mp4", Tracker: "stub", Confidence: 0.5,
		ZoneCenter: 280, ZoneOffset: 40, StartedAt: start,
	}))
	for i, cat := range []string{"mobil", "mobil", "bus"} {
		require.NoError(t, db.SaveCrossing(&database.CrossingRecord{
			ID:        "c" + string(rune('a'+i)),
			SessionID: "s1",
			FrameSeq:  uint64(10 * (i + 1)),
			TrackID:   i + 1,
			Category:  cat,
			Trigger:   "down",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		}))
	}
	return db
}

func TestSessionHistory(t *testing.T) {
	env := newTestEnv(t, Options{DB: seedDB(t)})

	resp, body := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []SessionResponse
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)

	resp, body = env.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session SessionResponse
	require.NoError(t, json.Unmarshal(body, &session))
	assert.Equal(t, map[string]int{"mobil": 2, "bus": 1}, session.ByCategory)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/sessions/s1/crossings?since=2026-03-01T08:01:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var crossings []CrossingResponse
	require.NoError(t, json.Unmarshal(body, &crossings))
	require.Len(t, crossings, 2)
	assert.Equal(t, 2, crossings[0].TrackID)
	assert.Equal(t, "bus", crossings[1].Category)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/sessions/s1/crossings?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/v1/sessions/s1/crossings?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/sessions/s1/crossings?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &crossings))
	assert.Len(t, crossings, 1)
}

func TestAuthProtectsMutations(t *testing.T) {
	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:        true,
		Username:       "admin",
		Password:       "secret",
		ViewerUsername: "wall",
		ViewerPassword: "display",
		JWTSecret:      "test-secret",
	})
	require.NoError(t, err)
	env := newTestEnv(t, Options{Auth: authenticator})

	resp, _ := env.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads stay open")

	resp, _ = env.do(t, http.MethodPost, "/api/v1/session/stop", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "admin", Password: "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login.Token)
	assert.Equal(t, "operator", login.Role)

	bearer := "Bearer " + login.Token
	resp, _ = env.do(t, http.MethodPost, "/api/v1/session/stop", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "authorized, but nothing is running")

	resp, body = env.do(t, http.MethodGet, "/api/v1/auth/status", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st AuthStatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Enabled)
	assert.True(t, st.Authenticated)
	require.NotNil(t, st.Username)
	assert.Equal(t, "admin", *st.Username)
	require.NotNil(t, st.Role)
	assert.Equal(t, "operator", *st.Role)
	assert.True(t, st.CanOperate)

	resp, body = env.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "wall", Password: "display"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &login))
	assert.Equal(t, "viewer", login.Role)

	viewer := "Bearer " + login.Token
	resp, _ = env.do(t, http.MethodPost, "/api/v1/session/reset", nil, "Authorization", viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/v1/counts", nil, "Authorization", viewer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/auth/status", nil, "Authorization", viewer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = AuthStatusResponse{}
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Authenticated)
	assert.False(t, st.CanOperate)
}

func TestCharts(t *testing.T) {
	env := newTestEnv(t, Options{DB: seedDB(t)})

	resp, body := env.do(t, http.MethodGet, "/charts/counts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "mobil")

	resp, body = env.do(t, http.MethodGet, "/charts/counts?session=s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "traffic.mp4")

	resp, _ = env.do(t, http.MethodGet, "/charts/counts?session=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/charts/rate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "Processing rate"))
}

func TestStreamingRoutesBypassMiddleware(t *testing.T) {
	snapshot := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8})
	})
	env := newTestEnv(t, Options{Snapshot: snapshot})

	resp, body := env.do(t, http.MethodGet, "/video/snapshot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte{0xff, 0xd8}, body)

	resp, _ = env.do(t, http.MethodGet, "/ws/live", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "unset handlers are not mounted")
}
