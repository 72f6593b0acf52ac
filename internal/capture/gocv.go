//go:build gocv

package capture

import (
	"fmt"
	"image"
	"log"
	"sync"

	"gocv.io/x/gocv"
)

func init() {
	openGoCV = func(source string) (Source, error) {
		src, err := NewGoCVSource(source)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// GoCVSource reads frames through OpenCV's VideoCapture
type GoCVSource struct {
	source string
	cap    *gocv.VideoCapture
	mat    gocv.Mat

	mu     sync.Mutex
	closed bool
}

// NewGoCVSource opens a file, URL or device index string
func NewGoCVSource(source string) (*GoCVSource, error) {
	vc, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return nil, fmt.Errorf("error opening video source %s: %w", source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video source %s did not open", source)
	}
	// Minimize OpenCV buffer size for live streams
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	log.Printf("[GoCV] Capturing %s", source)
	return &GoCVSource{source: source, cap: vc, mat: gocv.NewMat()}, nil
}

// Read implements pipeline.FrameSource. Reads and Close are serialised since
// a VideoCapture must not be released mid-read.
func (s *GoCVSource) Read() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, false
	}

	img, err := s.mat.ToImage()
	if err != nil {
		log.Printf("[GoCV] %s: failed to convert frame: %v", s.source, err)
		return nil, false
	}
	return img, true
}

// Close releases the capture handle
func (s *GoCVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	return s.cap.Close()
}
