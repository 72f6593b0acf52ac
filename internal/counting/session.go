package counting

import (
	"math"
	"sync"
	"sync/atomic"
)

// SessionOptions configures a new Session
type SessionOptions struct {
	Categories  []Category // Supported categories; all get a counter
	Accepted    []Category // Categories taken into account; defaults to Categories
	ZoneCenter  int
	ZoneOffset  int
	Confidence  float64
	FrameWidth  int
	FrameHeight int
}

// DefaultSessionOptions returns the stock 640x480 setup with the band at 280±40
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Categories:  DefaultCategories,
		ZoneCenter:  280,
		ZoneOffset:  40,
		Confidence:  0.5,
		FrameWidth:  640,
		FrameHeight: 480,
	}
}

// Counts is a point-in-time copy of the session counters
type Counts struct {
	ByCategory           Counters `json:"by_category"`
	Total                int      `json:"total"`
	TotalFrames          uint64   `json:"total_frames"`
	FramesWithDetections uint64   `json:"frames_with_detections"`
}

// Session owns the cumulative counting state and its runtime settings.
//
// Confidence and zone center are atomics so a control goroutine can change
// them while frames are being reduced. Reset and ReduceFrame share mu, so a
// reset never lands in the middle of a frame.
type Session struct {
	categories  []Category
	cfg         Config
	zoneOffset  int
	frameWidth  int
	frameHeight int

	confidenceBits atomic.Uint64
	zoneCenter     atomic.Int64

	mu                   sync.Mutex
	store                *TrackStore
	counted              CountedSet
	counters             Counters
	totalFrames          uint64
	framesWithDetections uint64
}

// NewSession creates a session with zeroed counters
func NewSession(opts SessionOptions) *Session {
	if len(opts.Categories) == 0 {
		opts.Categories = DefaultCategories
	}
	accepted := opts.Accepted
	if len(accepted) == 0 {
		accepted = opts.Categories
	}

	s := &Session{
		categories:  append([]Category(nil), opts.Categories...),
		cfg:         NewConfig(accepted),
		zoneOffset:  opts.ZoneOffset,
		frameWidth:  opts.FrameWidth,
		frameHeight: opts.FrameHeight,
	}
	s.SetConfidence(opts.Confidence)
	s.SetZoneCenter(opts.ZoneCenter)
	s.Reset()
	return s
}

// Reset clears history, counted identities, counters and frame tallies
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store = NewTrackStore()
	s.counted = make(CountedSet)
	s.counters = NewCounters(s.categories)
	s.totalFrames = 0
	s.framesWithDetections = 0
}

// SetConfidence changes the threshold passed to the tracker. Any value is accepted.
func (s *Session) SetConfidence(v float64) {
	s.confidenceBits.Store(math.Float64bits(v))
}

// Confidence returns the current tracker threshold
func (s *Session) Confidence() float64 {
	return math.Float64frombits(s.confidenceBits.Load())
}

// SetZoneCenter moves the counting band. Any value is accepted.
func (s *Session) SetZoneCenter(y int) {
	s.zoneCenter.Store(int64(y))
}

// Zone returns the current counting band
func (s *Session) Zone() CountingZone {
	return CountingZone{Center: int(s.zoneCenter.Load()), Offset: s.zoneOffset}
}

// Config returns the reduction config
func (s *Session) Config() Config {
	return s.cfg
}

// Categories returns the supported categories in display order
func (s *Session) Categories() []Category {
	return append([]Category(nil), s.categories...)
}

// FrameSize returns the fixed frame dimensions
func (s *Session) FrameSize() (int, int) {
	return s.frameWidth, s.frameHeight
}

// ReduceFrame applies one frame of detections under the session lock
func (s *Session) ReduceFrame(dets []TrackedDetection) FrameResult {
	zone := s.Zone()

	s.mu.Lock()
	defer s.mu.Unlock()

	result := Reduce(dets, zone, s.cfg, s.store, s.counted, s.counters)
	s.totalFrames++
	if result.Accepted > 0 {
		s.framesWithDetections++
	}
	return result
}

// Counts returns a snapshot of the counters
func (s *Session) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Counts{
		ByCategory:           s.counters.Clone(),
		Total:                s.counters.Total(),
		TotalFrames:          s.totalFrames,
		FramesWithDetections: s.framesWithDetections,
	}
}

// CountedIDs returns the number of identities counted so far
func (s *Session) CountedIDs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counted)
}

// TrackedIDs returns the number of identities with history
func (s *Session) TrackedIDs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// IsCounted reports whether id has already been counted
func (s *Session) IsCounted(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counted.Has(id)
}

// TrackState returns the stored history for id
func (s *Session) TrackState(id int) (PreviousState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}
