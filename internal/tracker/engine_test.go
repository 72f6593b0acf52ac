package tracker

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

// deviceBackend records the parameters of every call
type deviceBackend struct {
	mu          sync.Mutex
	accelerated bool
	calls       []pipeline.TrackParams
}

func (b *deviceBackend) Name() string      { return "device" }
func (b *deviceBackend) Accelerated() bool { return b.accelerated }
func (b *deviceBackend) Close() error      { return nil }

func (b *deviceBackend) Track(_ context.Context, _ *pipeline.Frame, p pipeline.TrackParams) ([]counting.TrackedDetection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, p)
	return nil, nil
}

func (b *deviceBackend) recorded() []pipeline.TrackParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pipeline.TrackParams(nil), b.calls...)
}

// framesSource yields n blank frames then ends
type framesSource struct {
	mu sync.Mutex
	n  int
}

func (s *framesSource) Read() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return nil, false
	}
	s.n--
	return image.NewRGBA(image.Rect(0, 0, 640, 480)), true
}

func (s *framesSource) Close() error { return nil }

func runEngine(t *testing.T, backend *deviceBackend, frames int) []pipeline.TrackParams {
	t.Helper()
	session := counting.NewSession(counting.DefaultSessionOptions())
	open := func(string) (pipeline.FrameSource, error) { return &framesSource{n: frames}, nil }
	engine := pipeline.NewEngine(session, NewAdaptive(backend), nil, open, nil, pipeline.EngineOptions{
		Params: pipeline.DefaultTrackParams(),
	})

	stopped, unsub := engine.Events().SubscribeChannel(1, pipeline.EventStopped)
	defer unsub()

	require.NoError(t, engine.Start("clip.mp4"))
	select {
	case ev := <-stopped:
		assert.Equal(t, pipeline.StopEndOfStream, ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("run never ended")
	}
	return backend.recorded()
}

func TestEngineRequestsHalfFromAcceleratedTracker(t *testing.T) {
	calls := runEngine(t, &deviceBackend{accelerated: true}, 2)

	require.Len(t, calls, 2)
	for _, p := range calls {
		assert.True(t, p.Half)
		assert.Equal(t, 640, p.ImageSize)
	}
}

func TestEngineKeepsCPUTrackerAtFullPrecision(t *testing.T) {
	calls := runEngine(t, &deviceBackend{}, 2)

	require.Len(t, calls, 2)
	for _, p := range calls {
		assert.False(t, p.Half)
		assert.Equal(t, 640, p.ImageSize)
	}
}
