package pipeline

import (
	"context"
	"image"

	"trafficcount/internal/counting"
)

// Tracker is the detection+tracking capability. It is called synchronously,
// one frame at a time, in frame order.
type Tracker interface {
	// Name returns the tracker identifier (e.g., "grpc")
	Name() string

	// Track runs detection and tracking on a frame
	Track(ctx context.Context, frame *Frame, params TrackParams) ([]counting.TrackedDetection, error)

	// Accelerated reports whether inference runs on an accelerator
	Accelerated() bool

	// Close releases tracker resources
	Close() error
}

// FrameSource yields decoded frames until exhausted or closed
type FrameSource interface {
	// Read returns the next frame; ok is false at end of stream or on a read failure
	Read() (img image.Image, ok bool)

	// Close releases the capture handle
	Close() error
}

// SourceOpener opens a frame source from a file path or URL
type SourceOpener func(source string) (FrameSource, error)

// Renderer draws annotations for display
type Renderer interface {
	// Render returns a new image with the zone and annotations drawn over frame
	Render(frame *Frame, result counting.FrameResult) image.Image
}

// FrameSink receives the frames picked up by the display loop
type FrameSink interface {
	ShowFrame(frame *AnnotatedFrame)
}

// EventHandler receives session events
type EventHandler interface {
	// OnEvent is called for each published event
	OnEvent(ev *Event)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ev *Event)

// OnEvent implements EventHandler
func (f EventHandlerFunc) OnEvent(ev *Event) { f(ev) }
