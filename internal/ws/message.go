package ws

import (
	"time"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
	"trafficcount/internal/ratemon"
)

// Message types sent on the live feed
const (
	TypeCounts   = "counts"
	TypeCrossing = "crossing"
	TypeRate     = "rate"
	TypeStatus   = "status"
	TypeSettings = "settings"
	TypeTracks   = "tracks"
)

// CountsMessage carries the counters after a change
type CountsMessage struct {
	Type      string          `json:"type"` // "counts"
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Counts    counting.Counts `json:"counts"`
}

// CrossingMessage announces one counted identity
type CrossingMessage struct {
	Type      string    `json:"type"` // "crossing"
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	FrameSeq  uint64    `json:"frame_seq"`
	TrackID   int       `json:"track_id"`
	Category  string    `json:"category"`
	Trigger   string    `json:"trigger"` // "down", "up", "entered"
}

// RateMessage carries a closed rate window
type RateMessage struct {
	Type      string           `json:"type"` // "rate"
	SessionID string           `json:"session_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Rate      ratemon.Snapshot `json:"rate"`
}

// StatusMessage reports run lifecycle changes
type StatusMessage struct {
	Type      string    `json:"type"`  // "status"
	State     string    `json:"state"` // "started", "stopped", "reset"
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SettingsMessage echoes a settings change
type SettingsMessage struct {
	Type      string            `json:"type"` // "settings"
	Timestamp time.Time         `json:"timestamp"`
	Settings  pipeline.Settings `json:"settings"`
}

// TracksMessage is the per-frame annotation list for client-side overlays
type TracksMessage struct {
	Type        string                `json:"type"` // "tracks"
	SessionID   string                `json:"session_id"`
	FrameSeq    uint64                `json:"frame_seq"`
	Timestamp   time.Time             `json:"timestamp"`
	FrameWidth  int                   `json:"frame_width"`
	FrameHeight int                   `json:"frame_height"`
	Zone        counting.CountingZone `json:"zone"`
	Objects     []counting.Annotation `json:"objects"`
}

// NewTracksMessage builds a tracks message from a displayed frame
func NewTracksMessage(frame *pipeline.AnnotatedFrame) *TracksMessage {
	msg := &TracksMessage{
		Type:      TypeTracks,
		SessionID: frame.SessionID,
		FrameSeq:  frame.Seq,
		Timestamp: frame.Timestamp,
		Zone:      frame.Result.Zone,
		Objects:   frame.Result.Annotations,
	}
	if frame.Image != nil {
		b := frame.Image.Bounds()
		msg.FrameWidth, msg.FrameHeight = b.Dx(), b.Dy()
	}
	if msg.Objects == nil {
		msg.Objects = make([]counting.Annotation, 0)
	}
	return msg
}

// messagesFor converts a bus event into feed messages
func messagesFor(ev *pipeline.Event) []any {
	var out []any

	switch ev.Type {
	case pipeline.EventStarted, pipeline.EventStopped, pipeline.EventReset:
		out = append(out, &StatusMessage{
			Type:      TypeStatus,
			State:     string(ev.Type),
			SessionID: ev.SessionID,
			Timestamp: ev.Timestamp,
			Source:    ev.Source,
			Reason:    string(ev.Reason),
			Error:     ev.Error,
		})
	case pipeline.EventCounted:
		if c := ev.Crossing; c != nil {
			out = append(out, &CrossingMessage{
				Type:      TypeCrossing,
				SessionID: ev.SessionID,
				Timestamp: ev.Timestamp,
				FrameSeq:  c.FrameSeq,
				TrackID:   c.Annotation.TrackID,
				Category:  string(c.Annotation.Category),
				Trigger:   string(c.Annotation.Trigger),
			})
		}
	case pipeline.EventRate:
		if ev.Rate != nil {
			out = append(out, &RateMessage{
				Type:      TypeRate,
				SessionID: ev.SessionID,
				Timestamp: ev.Timestamp,
				Rate:      *ev.Rate,
			})
		}
	case pipeline.EventSettings:
		if ev.Settings != nil {
			out = append(out, &SettingsMessage{
				Type:      TypeSettings,
				Timestamp: ev.Timestamp,
				Settings:  *ev.Settings,
			})
		}
	}

	if ev.Counts != nil {
		out = append(out, &CountsMessage{
			Type:      TypeCounts,
			SessionID: ev.SessionID,
			Timestamp: ev.Timestamp,
			Counts:    *ev.Counts,
		})
	}
	return out
}
