package pipeline

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficcount/internal/relay"
	"trafficcount/internal/timeutil"
)

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint64
}

func (s *recordingSink) ShowFrame(f *AnnotatedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, f.Seq)
}

func (s *recordingSink) shown() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...)
}

func TestDisplayPollShowsLatestOnly(t *testing.T) {
	r := relay.New[*AnnotatedFrame]()
	sink := &recordingSink{}
	d := NewDisplayLoop(r, nil, 0, sink)

	assert.False(t, d.Poll())

	r.Publish(&AnnotatedFrame{Seq: 1})
	r.Publish(&AnnotatedFrame{Seq: 2})
	assert.True(t, d.Poll())
	assert.False(t, d.Poll())

	assert.Equal(t, []uint64{2}, sink.shown())
	assert.Equal(t, uint64(1), r.Stats().Dropped)
}

func TestDisplayRunFollowsTicker(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	r := relay.New[*AnnotatedFrame]()
	sink := &recordingSink{}
	d := NewDisplayLoop(r, clock, DefaultDisplayInterval)
	d.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	r.Publish(&AnnotatedFrame{Seq: 5})
	require.Eventually(t, func() bool {
		clock.Advance(DefaultDisplayInterval)
		return len(sink.shown()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []uint64{5}, sink.shown())
}

func TestAnnotatedFrameJPEGCached(t *testing.T) {
	f := &AnnotatedFrame{Image: image.NewRGBA(image.Rect(0, 0, 32, 24))}
	a, err := f.JPEG()
	require.NoError(t, err)
	require.NotEmpty(t, a)

	b, err := f.JPEG()
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0])

	empty := &AnnotatedFrame{}
	data, err := empty.JPEG()
	assert.NoError(t, err)
	assert.Empty(t, data)
}

func TestResize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	out := Resize(src, 640, 480)
	assert.Equal(t, image.Rect(0, 0, 640, 480), out.Bounds())

	same := image.NewRGBA(image.Rect(0, 0, 640, 480))
	assert.Same(t, same, Resize(same, 640, 480).(*image.RGBA))
}
