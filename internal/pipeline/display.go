package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"trafficcount/internal/relay"
	"trafficcount/internal/timeutil"
)

// DefaultDisplayInterval polls the relay 20 times per second
const DefaultDisplayInterval = 50 * time.Millisecond

// DisplayLoop polls the relay at a fixed cadence and forwards whatever frame
// is waiting to the registered sinks. The processing loop never waits on it.
type DisplayLoop struct {
	relay    *relay.Relay[*AnnotatedFrame]
	clock    timeutil.Clock
	interval time.Duration

	sinks []FrameSink
	mu    sync.RWMutex
}

// NewDisplayLoop creates a display loop over r
func NewDisplayLoop(r *relay.Relay[*AnnotatedFrame], clock timeutil.Clock, interval time.Duration, sinks ...FrameSink) *DisplayLoop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultDisplayInterval
	}
	return &DisplayLoop{
		relay:    r,
		clock:    clock,
		interval: interval,
		sinks:    sinks,
	}
}

// AddSink registers another frame consumer
func (d *DisplayLoop) AddSink(sink FrameSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Run polls until ctx is cancelled
func (d *DisplayLoop) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	log.Printf("[Display] Polling relay every %v", d.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.Poll()
		}
	}
}

// Poll takes the waiting frame, if any, and hands it to every sink.
// Returns whether a frame was shown.
func (d *DisplayLoop) Poll() bool {
	frame, ok := d.relay.TryTake()
	if !ok || frame == nil {
		return false
	}

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		sink.ShowFrame(frame)
	}
	return true
}
