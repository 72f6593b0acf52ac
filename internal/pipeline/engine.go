package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trafficcount/internal/counting"
	"trafficcount/internal/ratemon"
	"trafficcount/internal/relay"
	"trafficcount/internal/timeutil"
)

// ErrNotRunning is returned by Stop when no processing loop is active
var ErrNotRunning = errors.New("processing loop not running")

// EngineOptions tunes an Engine
type EngineOptions struct {
	Params     TrackParams    // Base tracker parameters; Confidence is overridden per frame
	Clock      timeutil.Clock // Defaults to the wall clock
	RateWindow time.Duration  // Rate monitor window, defaults to one second
}

// Status is a point-in-time view of the engine
type Status struct {
	Running   bool      `json:"running"`
	SessionID string    `json:"session_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Tracker   string    `json:"tracker"`
}

// Engine owns the counting session lifecycle: it starts and stops the
// processing loop, and is the only place that resets the session while
// frames may be flowing.
type Engine struct {
	session  *counting.Session
	tracker  Tracker
	renderer Renderer
	open     SourceOpener
	bus      *EventBus
	relay    *relay.Relay[*AnnotatedFrame]
	monitor  *ratemon.Monitor
	clock    timeutil.Clock
	params   TrackParams

	mu        sync.Mutex
	current   *run
	sessionID string
}

// run is one processing loop over one frame source
type run struct {
	id        string
	source    string
	src       FrameSource
	startedAt time.Time
	running   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// release closes the frame source. Safe to call from any goroutine, any number of times.
func (r *run) release() {
	r.closeOnce.Do(func() {
		if err := r.src.Close(); err != nil {
			log.Printf("[Engine] Failed to close source %s: %v", r.source, err)
		}
	})
}

// NewEngine wires a session to its tracker, renderer and frame source opener.
// renderer may be nil, in which case frames are relayed without overlays.
func NewEngine(session *counting.Session, tracker Tracker, renderer Renderer, open SourceOpener, bus *EventBus, opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if bus == nil {
		bus = NewEventBus()
	}
	defaults := DefaultTrackParams()
	if opts.Params.IoU <= 0 {
		opts.Params.IoU = defaults.IoU
	}
	if opts.Params.ImageSize <= 0 {
		opts.Params.ImageSize = defaults.ImageSize
	}
	opts.Params.Persist = true
	// Half precision is a request; the tracker adapter drops it for CPU backends
	opts.Params.Half = true

	return &Engine{
		session:  session,
		tracker:  tracker,
		renderer: renderer,
		open:     open,
		bus:      bus,
		relay:    relay.New[*AnnotatedFrame](),
		monitor:  ratemon.New(opts.Clock, opts.RateWindow, tracker.Accelerated()),
		clock:    opts.Clock,
		params:   opts.Params,
	}
}

// Session returns the counting session
func (e *Engine) Session() *counting.Session { return e.session }

// Relay returns the processing-to-display hand-off slot
func (e *Engine) Relay() *relay.Relay[*AnnotatedFrame] { return e.relay }

// Events returns the event bus
func (e *Engine) Events() *EventBus { return e.bus }

// Rate returns the last rate snapshot
func (e *Engine) Rate() (ratemon.Snapshot, bool) { return e.monitor.Last() }

// RateHistory returns the retained rate windows, oldest first
func (e *Engine) RateHistory() []ratemon.Snapshot { return e.monitor.History() }

// RateSummary aggregates the retained rate windows
func (e *Engine) RateSummary() ratemon.Summary { return e.monitor.Summary() }

// Accelerated reports whether the tracker runs on an accelerator
func (e *Engine) Accelerated() bool { return e.tracker.Accelerated() }

// Start opens source, zeroes the counters and launches the processing loop.
// A loop that is already running is stopped first.
func (e *Engine) Start(source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.endedLocked() {
		e.stopLocked()
	}

	src, err := e.open(source)
	if err != nil {
		return fmt.Errorf("open source %q: %w", source, err)
	}

	e.resetLocked()

	r := &run{
		id:        uuid.NewString(),
		source:    source,
		src:       src,
		startedAt: e.clock.Now(),
		done:      make(chan struct{}),
	}
	r.running.Store(true)
	e.current = r
	e.sessionID = r.id

	settings := e.Settings()
	e.bus.Publish(&Event{
		Type:      EventStarted,
		SessionID: r.id,
		Timestamp: r.startedAt,
		Source:    source,
		Settings:  &settings,
	})

	go e.loop(r)

	log.Printf("[Engine] Started session %s on %s (tracker: %s)", r.id, source, e.tracker.Name())
	return nil
}

// Stop clears the running flag, releases the source and waits for the loop
// to finish the frame it is on.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.endedLocked() {
		return ErrNotRunning
	}
	e.stopLocked()
	return nil
}

// endedLocked reports whether there is no live run. A run that ended on its
// own (end of stream, tracker failure) is waited for and cleared.
func (e *Engine) endedLocked() bool {
	r := e.current
	if r == nil {
		return true
	}
	if r.running.Load() {
		return false
	}
	<-r.done
	e.current = nil
	return true
}

func (e *Engine) stopLocked() {
	r := e.current
	e.current = nil

	r.running.Store(false)
	r.release()
	<-r.done
	log.Printf("[Engine] Stopped session %s", r.id)
}

// Reset stops any running loop and zeroes the session
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.endedLocked() {
		e.stopLocked()
	}
	e.resetLocked()

	counts := e.session.Counts()
	e.bus.Publish(&Event{
		Type:      EventReset,
		SessionID: e.sessionID,
		Timestamp: e.clock.Now(),
		Counts:    &counts,
	})
}

func (e *Engine) resetLocked() {
	e.session.Reset()
	e.monitor.Reset()
	e.relay.Clear()
}

// Running reports whether a processing loop is active
func (e *Engine) Running() bool {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return r.running.Load()
	}
}

// Status returns the engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	r := e.current
	st := Status{SessionID: e.sessionID, Tracker: e.tracker.Name()}
	e.mu.Unlock()

	if r != nil {
		st.Source = r.source
		st.StartedAt = r.startedAt
		select {
		case <-r.done:
		default:
			st.Running = r.running.Load()
		}
	}
	return st
}

// SetConfidence changes the tracker threshold; the next frame picks it up
func (e *Engine) SetConfidence(v float64) {
	e.session.SetConfidence(v)
	e.publishSettings()
}

// SetZoneCenter moves the counting band; the next frame picks it up
func (e *Engine) SetZoneCenter(y int) {
	e.session.SetZoneCenter(y)
	e.publishSettings()
}

// Settings returns the runtime-mutable session settings
func (e *Engine) Settings() Settings {
	return Settings{
		Confidence: e.session.Confidence(),
		Zone:       e.session.Zone(),
	}
}

func (e *Engine) publishSettings() {
	settings := e.Settings()
	e.mu.Lock()
	id := e.sessionID
	e.mu.Unlock()

	e.bus.Publish(&Event{
		Type:      EventSettings,
		SessionID: id,
		Timestamp: e.clock.Now(),
		Settings:  &settings,
	})
}

// Close stops the loop and releases the tracker
func (e *Engine) Close() error {
	if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return e.tracker.Close()
}

// loop runs the processing loop for r and reports how it ended
func (e *Engine) loop(r *run) {
	reason, err := e.process(context.Background(), r)
	r.release()

	ev := &Event{
		Type:      EventStopped,
		SessionID: r.id,
		Timestamp: e.clock.Now(),
		Source:    r.source,
		Reason:    reason,
	}
	if err != nil {
		ev.Error = err.Error()
		log.Printf("[Engine] Session %s failed: %v", r.id, err)
	} else {
		log.Printf("[Engine] Session %s ended (%s)", r.id, reason)
	}
	counts := e.session.Counts()
	ev.Counts = &counts

	r.running.Store(false)
	e.bus.Publish(ev)
	close(r.done)
}
