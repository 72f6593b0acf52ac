// Package tracker adapts external detection+tracking backends to the
// pipeline. Optional call parameters are negotiated once and the outcome is
// cached for the life of the process.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

// ErrUnsupportedOption is returned by a backend that rejects an optional
// parameter (image size or half precision)
var ErrUnsupportedOption = errors.New("tracker rejected optional parameter")

// CapabilityLevel is the richest call shape a backend accepts
type CapabilityLevel int32

const (
	// CapabilityUnknown - not yet resolved
	CapabilityUnknown CapabilityLevel = iota
	// CapabilityFull - image size and half precision hints
	CapabilityFull
	// CapabilityReduced - image size hint only
	CapabilityReduced
	// CapabilityMinimal - confidence, classes, IoU and persist only
	CapabilityMinimal
)

func (l CapabilityLevel) String() string {
	switch l {
	case CapabilityFull:
		return "full"
	case CapabilityReduced:
		return "reduced"
	case CapabilityMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// next returns the level to fall back to, or CapabilityUnknown when there is none
func (l CapabilityLevel) next() CapabilityLevel {
	switch l {
	case CapabilityFull:
		return CapabilityReduced
	case CapabilityReduced:
		return CapabilityMinimal
	default:
		return CapabilityUnknown
	}
}

// requestFor strips the optional parameters a level does not carry.
// Half precision is only requested from accelerated backends.
func requestFor(level CapabilityLevel, params pipeline.TrackParams, accelerated bool) pipeline.TrackParams {
	out := params
	switch level {
	case CapabilityFull:
		out.Half = params.Half && accelerated
	case CapabilityReduced:
		out.Half = false
	default:
		out.ImageSize = 0
		out.Half = false
	}
	return out
}

// AdaptiveTracker wraps a backend and settles on the richest call shape it
// accepts. The first successful level is kept; later calls go straight to it.
type AdaptiveTracker struct {
	backend pipeline.Tracker
	level   atomic.Int32
}

// NewAdaptive wraps backend with capability negotiation
func NewAdaptive(backend pipeline.Tracker) *AdaptiveTracker {
	return &AdaptiveTracker{backend: backend}
}

// Level returns the resolved capability level
func (a *AdaptiveTracker) Level() CapabilityLevel {
	return CapabilityLevel(a.level.Load())
}

// Name implements pipeline.Tracker
func (a *AdaptiveTracker) Name() string { return a.backend.Name() }

// Accelerated implements pipeline.Tracker
func (a *AdaptiveTracker) Accelerated() bool { return a.backend.Accelerated() }

// Close implements pipeline.Tracker
func (a *AdaptiveTracker) Close() error { return a.backend.Close() }

// Track implements pipeline.Tracker. Only ErrUnsupportedOption triggers a
// fallback; any other error is returned as is and leaves the level untouched.
func (a *AdaptiveTracker) Track(ctx context.Context, frame *pipeline.Frame, params pipeline.TrackParams) ([]counting.TrackedDetection, error) {
	level := a.Level()
	if level == CapabilityUnknown {
		level = CapabilityFull
	}

	for {
		dets, err := a.backend.Track(ctx, frame, requestFor(level, params, a.backend.Accelerated()))
		if err == nil {
			if prev := CapabilityLevel(a.level.Swap(int32(level))); prev != level {
				log.Printf("[Tracker] %s resolved to %s call shape", a.backend.Name(), level)
			}
			return dets, nil
		}
		if !errors.Is(err, ErrUnsupportedOption) {
			return nil, err
		}

		fallback := level.next()
		if fallback == CapabilityUnknown {
			return nil, fmt.Errorf("minimal call shape rejected: %w", err)
		}
		log.Printf("[Tracker] %s rejected %s call shape: %v", a.backend.Name(), level, err)
		level = fallback
	}
}

var _ pipeline.Tracker = (*AdaptiveTracker)(nil)
