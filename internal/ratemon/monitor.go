// Package ratemon measures processing throughput over fixed wall-clock windows.
package ratemon

import (
	"sync"
	"time"

	"trafficcount/internal/timeutil"
)

// DefaultWindow is the emission interval
const DefaultWindow = time.Second

// Health buckets the measured FPS for display
type Health string

const (
	HealthGood Health = "good"
	HealthFair Health = "fair"
	HealthPoor Health = "poor"
)

// Snapshot is the metric record emitted once per window
type Snapshot struct {
	FPS           float64       `json:"fps"`
	DetectionRate float64       `json:"detection_rate"` // Percent of frames with >=1 accepted detection
	Frames        int           `json:"frames"`
	Detections    int           `json:"detections"`
	Elapsed       time.Duration `json:"elapsed"`
	Health        Health        `json:"health"`
	At            time.Time     `json:"at"`
}

// Monitor accumulates frame cadence. Observe is called from the processing
// loop; Last may be read from anywhere.
type Monitor struct {
	clock       timeutil.Clock
	window      time.Duration
	accelerated bool

	mu          sync.Mutex
	windowStart time.Time
	frames      int
	detections  int
	last        *Snapshot
	history     *History
}

// New creates a monitor. accelerated selects the FPS bands used for Health.
func New(clock timeutil.Clock, window time.Duration, accelerated bool) *Monitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		clock:       clock,
		window:      window,
		accelerated: accelerated,
		windowStart: clock.Now(),
		history:     NewHistory(DefaultHistorySize),
	}
}

// Observe records one processed frame. It returns a snapshot when the
// window has elapsed, after which the window restarts from zero.
func (m *Monitor) Observe(hadDetections bool) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames++
	if hadDetections {
		m.detections++
	}

	now := m.clock.Now()
	elapsed := now.Sub(m.windowStart)
	if elapsed < m.window {
		return Snapshot{}, false
	}

	snap := Snapshot{
		FPS:        float64(m.frames) / elapsed.Seconds(),
		Frames:     m.frames,
		Detections: m.detections,
		Elapsed:    elapsed,
		At:         now,
	}
	if m.frames > 0 {
		snap.DetectionRate = float64(m.detections) / float64(m.frames) * 100
	}
	snap.Health = Classify(snap.FPS, m.accelerated)

	m.last = &snap
	m.history.Add(snap)
	m.windowStart = now
	m.frames = 0
	m.detections = 0
	return snap, true
}

// Reset restarts the window and forgets the last snapshot
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowStart = m.clock.Now()
	m.frames = 0
	m.detections = 0
	m.last = nil
	m.history.Clear()
}

// Last returns the most recent snapshot
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Snapshot{}, false
	}
	return *m.last, true
}

// History returns the retained snapshots, oldest first
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Snapshots()
}

// Summary aggregates the retained snapshots
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Summary()
}

// Classify maps an FPS reading onto a health bucket. Accelerated trackers
// are held to higher bands.
func Classify(fps float64, accelerated bool) Health {
	good, fair := 10.0, 7.0
	if accelerated {
		good, fair = 35, 25
	}
	switch {
	case fps >= good:
		return HealthGood
	case fps >= fair:
		return HealthFair
	default:
		return HealthPoor
	}
}
