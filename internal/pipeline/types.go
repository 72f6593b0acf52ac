package pipeline

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"trafficcount/internal/counting"
	"trafficcount/internal/ratemon"
)

// Frame is one decoded video frame, already resized to the session size
type Frame struct {
	Seq       uint64      // Frame sequence number, 1-based per run
	Image     image.Image // Frame pixels
	Timestamp time.Time   // Time the frame was read
}

// TrackParams are the per-call settings handed to the tracker
type TrackParams struct {
	Confidence float64 // Minimum detection confidence
	IoU        float64 // NMS IoU threshold
	Persist    bool    // Keep tracker state between calls
	Classes    []int   // Class ids to keep
	ImageSize  int     // Inference size hint (optional capability)
	Half       bool    // Half precision hint (optional capability)
}

// DefaultTrackParams returns the stock tracker settings
func DefaultTrackParams() TrackParams {
	return TrackParams{
		Confidence: 0.5,
		IoU:        0.5,
		Persist:    true,
		ImageSize:  640,
		Half:       true,
	}
}

// AnnotatedFrame is what the processing loop hands to the display loop
type AnnotatedFrame struct {
	SessionID string
	Seq       uint64
	Timestamp time.Time
	Image     image.Image          // Rendered frame with overlays
	Result    counting.FrameResult // Per-detection annotations
	Counts    counting.Counts      // Counters after this frame

	jpegOnce sync.Once
	jpegData []byte
	jpegErr  error
}

// JPEG encodes the rendered image once and caches the bytes
func (f *AnnotatedFrame) JPEG() ([]byte, error) {
	f.jpegOnce.Do(func() {
		if f.Image == nil {
			return
		}
		var buf bytes.Buffer
		f.jpegErr = jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 85})
		f.jpegData = buf.Bytes()
	})
	return f.jpegData, f.jpegErr
}

// EventType identifies a session event
type EventType string

const (
	// EventStarted - a processing run began
	EventStarted EventType = "started"
	// EventCounted - an identity was counted
	EventCounted EventType = "counted"
	// EventRate - a rate monitor window closed
	EventRate EventType = "rate"
	// EventStopped - the processing loop ended (stop, end of stream or failure)
	EventStopped EventType = "stopped"
	// EventReset - counters were cleared
	EventReset EventType = "reset"
	// EventSettings - confidence or zone changed
	EventSettings EventType = "settings"
)

// StopReason says why a run ended
type StopReason string

const (
	StopRequested   StopReason = "requested"
	StopEndOfStream StopReason = "end_of_stream"
	StopFailed      StopReason = "failed"
)

// Crossing describes one counted identity
type Crossing struct {
	FrameSeq   uint64              `json:"frame_seq"`
	Annotation counting.Annotation `json:"annotation"`
}

// Settings is the runtime-mutable part of the session
type Settings struct {
	Confidence float64               `json:"confidence"`
	Zone       counting.CountingZone `json:"zone"`
}

// Event is delivered to bus subscribers
type Event struct {
	Type      EventType         `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Crossing  *Crossing         `json:"crossing,omitempty"`
	Counts    *counting.Counts  `json:"counts,omitempty"`
	Rate      *ratemon.Snapshot `json:"rate,omitempty"`
	Settings  *Settings         `json:"settings,omitempty"`
	Reason    StopReason        `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
}
