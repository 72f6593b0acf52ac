package ratemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficcount/internal/timeutil"
)

func TestHistoryRingEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(Snapshot{Frames: i})
	}

	require.Equal(t, 3, h.Len())
	var frames []int
	for _, s := range h.Snapshots() {
		frames = append(frames, s.Frames)
	}
	assert.Equal(t, []int{3, 4, 5}, frames)

	h.Clear()
	assert.Empty(t, h.Snapshots())
	assert.Equal(t, Summary{}, h.Summary())
}

func TestHistorySummary(t *testing.T) {
	h := NewHistory(10)
	h.Add(Snapshot{FPS: 10, DetectionRate: 50, Frames: 10})
	h.Add(Snapshot{FPS: 20, DetectionRate: 100, Frames: 20})
	h.Add(Snapshot{FPS: 30, DetectionRate: 0, Frames: 30})

	sum := h.Summary()
	assert.Equal(t, 3, sum.Windows)
	assert.Equal(t, 60, sum.Frames)
	assert.InDelta(t, 20.0, sum.MeanFPS, 1e-9)
	assert.InDelta(t, 10.0, sum.StdDevFPS, 1e-9)
	assert.InDelta(t, 10.0, sum.MinFPS, 1e-9)
	assert.InDelta(t, 30.0, sum.MaxFPS, 1e-9)
	assert.InDelta(t, 50.0, sum.MeanDetectionRate, 1e-9)
}

func TestHistorySummarySingleWindow(t *testing.T) {
	h := NewHistory(10)
	h.Add(Snapshot{FPS: 12.5, Frames: 25})

	sum := h.Summary()
	assert.Equal(t, 1, sum.Windows)
	assert.InDelta(t, 12.5, sum.MeanFPS, 1e-9)
	assert.Zero(t, sum.StdDevFPS)
}

func TestMonitorKeepsHistory(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	m := New(clock, time.Second, false)

	for w := 0; w < 3; w++ {
		for i := 0; i < 5; i++ {
			clock.Advance(200 * time.Millisecond)
			m.Observe(true)
		}
	}

	require.Len(t, m.History(), 3)
	sum := m.Summary()
	assert.Equal(t, 3, sum.Windows)
	assert.InDelta(t, 5.0, sum.MeanFPS, 1e-9)
	assert.InDelta(t, 100.0, sum.MeanDetectionRate, 1e-9)

	m.Reset()
	assert.Empty(t, m.History())
}
