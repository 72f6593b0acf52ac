package pipeline

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
)

// process runs frames through tracker and reducer until the run is stopped,
// the source is exhausted or a frame fails. Frames are handled strictly one
// at a time, in read order.
func (e *Engine) process(ctx context.Context, r *run) (reason StopReason, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[Processor] Panic in session %s: %v\n%s", r.id, p, debug.Stack())
			reason = StopFailed
			err = fmt.Errorf("panic during frame processing: %v", p)
		}
	}()

	log.Printf("[Processor] Processing loop started for session %s", r.id)

	var seq uint64
	for {
		if !r.running.Load() {
			return StopRequested, nil
		}
		if ctx.Err() != nil {
			return StopRequested, nil
		}

		img, ok := r.src.Read()
		if !ok {
			// A failed read after Stop closed the source is still a requested stop
			if !r.running.Load() {
				return StopRequested, nil
			}
			return StopEndOfStream, nil
		}

		seq++
		width, height := e.session.FrameSize()
		frame := &Frame{
			Seq:       seq,
			Image:     Resize(img, width, height),
			Timestamp: e.clock.Now(),
		}

		if err := e.processFrame(ctx, r, frame); err != nil {
			return StopFailed, err
		}
	}
}

// processFrame runs one frame: track, reduce, render, relay, measure
func (e *Engine) processFrame(ctx context.Context, r *run, frame *Frame) error {
	params := e.params
	params.Confidence = e.session.Confidence()

	dets, err := e.tracker.Track(ctx, frame, params)
	if err != nil {
		return fmt.Errorf("track frame %d: %w", frame.Seq, err)
	}

	result := e.session.ReduceFrame(dets)
	counts := e.session.Counts()

	for _, ann := range result.Counted() {
		ann := ann
		e.bus.Publish(&Event{
			Type:      EventCounted,
			SessionID: r.id,
			Timestamp: frame.Timestamp,
			Crossing:  &Crossing{FrameSeq: frame.Seq, Annotation: ann},
			Counts:    &counts,
		})
	}

	rendered := frame.Image
	if e.renderer != nil {
		rendered = e.renderer.Render(frame, result)
	}

	e.relay.Publish(&AnnotatedFrame{
		SessionID: r.id,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Image:     rendered,
		Result:    result,
		Counts:    counts,
	})

	if snap, ok := e.monitor.Observe(result.Accepted > 0); ok {
		e.bus.Publish(&Event{
			Type:      EventRate,
			SessionID: r.id,
			Timestamp: snap.At,
			Rate:      &snap,
		})
	}
	return nil
}
