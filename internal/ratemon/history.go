package ratemon

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultHistorySize keeps one minute of one-second windows
const DefaultHistorySize = 60

// Summary describes the retained windows
type Summary struct {
	Windows           int     `json:"windows"`
	MeanFPS           float64 `json:"mean_fps"`
	StdDevFPS         float64 `json:"stddev_fps"`
	MinFPS            float64 `json:"min_fps"`
	MaxFPS            float64 `json:"max_fps"`
	MeanDetectionRate float64 `json:"mean_detection_rate"`
	Frames            int     `json:"frames"`
}

// History is a fixed-size ring of snapshots. It is not safe for
// concurrent use; Monitor guards it.
type History struct {
	buf   []Snapshot
	next  int
	count int
}

// NewHistory creates a ring holding up to size snapshots
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]Snapshot, size)}
}

// Add appends a snapshot, evicting the oldest when full
func (h *History) Add(s Snapshot) {
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Clear drops every snapshot
func (h *History) Clear() {
	h.next = 0
	h.count = 0
}

// Len returns the number of retained snapshots
func (h *History) Len() int { return h.count }

// Snapshots returns a copy, oldest first
func (h *History) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, h.count)
	start := (h.next - h.count + len(h.buf)) % len(h.buf)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// Summary computes mean, spread and range of the retained FPS readings
func (h *History) Summary() Summary {
	snaps := h.Snapshots()
	if len(snaps) == 0 {
		return Summary{}
	}

	fps := make([]float64, len(snaps))
	rates := make([]float64, len(snaps))
	frames := 0
	for i, s := range snaps {
		fps[i] = s.FPS
		rates[i] = s.DetectionRate
		frames += s.Frames
	}

	sum := Summary{
		Windows:           len(snaps),
		MinFPS:            floats.Min(fps),
		MaxFPS:            floats.Max(fps),
		MeanDetectionRate: stat.Mean(rates, nil),
		Frames:            frames,
	}
	if len(fps) > 1 {
		sum.MeanFPS, sum.StdDevFPS = stat.MeanStdDev(fps, nil)
	} else {
		sum.MeanFPS = fps[0]
	}
	return sum
}
