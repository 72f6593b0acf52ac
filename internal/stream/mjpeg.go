package stream

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"trafficcount/internal/pipeline"
)

// MJPEGServer streams the latest annotated frame to HTTP clients as
// multipart/x-mixed-replace. It is a pipeline.FrameSink.
type MJPEGServer struct {
	clients   map[chan []byte]struct{}
	clientsMu sync.RWMutex

	current []byte
	seq     uint64
	frameMu sync.RWMutex
}

// NewMJPEGServer creates an MJPEG server with no frame yet
func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		clients: make(map[chan []byte]struct{}),
	}
}

var _ pipeline.FrameSink = (*MJPEGServer)(nil)

// ShowFrame implements pipeline.FrameSink
func (s *MJPEGServer) ShowFrame(frame *pipeline.AnnotatedFrame) {
	data, err := frame.JPEG()
	if err != nil {
		log.Printf("[MJPEG] Error encoding frame %d: %v", frame.Seq, err)
		return
	}
	if len(data) == 0 {
		return
	}

	s.frameMu.Lock()
	s.current = data
	s.seq = frame.Seq
	s.frameMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for ch := range s.clients {
		select {
		case ch <- data:
		default:
			// Slow client, skip this frame
		}
	}
}

// CurrentFrame returns the latest JPEG and its sequence number
func (s *MJPEGServer) CurrentFrame() ([]byte, uint64) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.current, s.seq
}

// ClientCount returns the number of connected viewers
func (s *MJPEGServer) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ServeHTTP serves the MJPEG stream to a client
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCh := make(chan []byte, 5)
	if frame, _ := s.CurrentFrame(); frame != nil {
		clientCh <- frame
	}

	s.clientsMu.Lock()
	s.clients[clientCh] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, clientCh)
		s.clientsMu.Unlock()
		log.Printf("[MJPEG] Client %s disconnected", r.RemoteAddr)
	}()

	log.Printf("[MJPEG] Client %s connected", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-clientCh:
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves the latest frame as a single JPEG
func (s *MJPEGServer) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frame, seq := s.CurrentFrame()
		if frame == nil {
			http.Error(w, "No frame available", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
		w.Header().Set("X-Frame-Seq", fmt.Sprintf("%d", seq))
		w.Write(frame)
	})
}
