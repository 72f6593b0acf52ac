package database

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"trafficcount/internal/pipeline"
)

// DefaultRecorderBuffer is the event queue length between the bus and the writer
const DefaultRecorderBuffer = 1024

// Recorder persists session lifecycle and crossings from the event bus
type Recorder struct {
	db      *Database
	tracker string
}

// NewRecorder creates a recorder; tracker is stored with each session
func NewRecorder(db *Database, tracker string) *Recorder {
	return &Recorder{db: db, tracker: tracker}
}

// Handle writes one event. Events other than started, counted and stopped are ignored.
func (r *Recorder) Handle(ev *pipeline.Event) error {
	switch ev.Type {
	case pipeline.EventStarted:
		rec := &SessionRecord{
			ID:        ev.SessionID,
			Source:    ev.Source,
			Tracker:   r.tracker,
			StartedAt: ev.Timestamp,
		}
		if ev.Settings != nil {
			rec.Confidence = ev.Settings.Confidence
			rec.ZoneCenter = ev.Settings.Zone.Center
			rec.ZoneOffset = ev.Settings.Zone.Offset
		}
		return r.db.SaveSession(rec)

	case pipeline.EventCounted:
		if ev.Crossing == nil {
			return fmt.Errorf("counted event without crossing")
		}
		ann := ev.Crossing.Annotation
		return r.db.SaveCrossing(&CrossingRecord{
			ID:         uuid.NewString(),
			SessionID:  ev.SessionID,
			FrameSeq:   ev.Crossing.FrameSeq,
			TrackID:    ann.TrackID,
			Category:   string(ann.Category),
			Trigger:    string(ann.Trigger),
			Confidence: ann.Confidence,
			CentroidX:  ann.CentroidX,
			CentroidY:  ann.CentroidY,
			Timestamp:  ev.Timestamp,
		})

	case pipeline.EventStopped:
		total, frames := 0, uint64(0)
		if ev.Counts != nil {
			total, frames = ev.Counts.Total, ev.Counts.TotalFrames
		}
		return r.db.FinishSession(ev.SessionID, ev.Timestamp, string(ev.Reason), ev.Error, total, frames)
	}
	return nil
}

// Attach subscribes to bus and writes events on a background goroutine.
// The returned function unsubscribes and waits for queued events to be written.
func (r *Recorder) Attach(bus *pipeline.EventBus, buffer int) func() {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	events, unsubscribe := bus.SubscribeChannel(buffer,
		pipeline.EventStarted, pipeline.EventCounted, pipeline.EventStopped)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := r.Handle(ev); err != nil {
				log.Printf("[Recorder] Error recording %s event for session %s: %v", ev.Type, ev.SessionID, err)
			}
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}
