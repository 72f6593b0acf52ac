// Package capture opens video sources and yields decoded frames one at a time.
package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"log"
	"sync"
)

// JPEGStream splits a byte stream of concatenated JPEG images (ffmpeg
// image2pipe output, MJPEG bodies) into decoded frames
type JPEGStream struct {
	r      io.ReadCloser
	name   string
	buffer []byte
	chunk  []byte
	frames uint64

	closeOnce sync.Once
	closeErr  error
}

// NewJPEGStream wraps r; name is only used in log lines
func NewJPEGStream(r io.ReadCloser, name string) *JPEGStream {
	return &JPEGStream{
		r:      r,
		name:   name,
		buffer: make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 8192),
	}
}

// Read returns the next complete frame. ok is false once the stream ends or
// a frame fails to decode.
func (s *JPEGStream) Read() (image.Image, bool) {
	for {
		if data := extractJPEGFrame(&s.buffer); data != nil {
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				log.Printf("[Capture] %s: failed to decode frame %d: %v", s.name, s.frames+1, err)
				return nil, false
			}
			s.frames++
			if s.frames%500 == 0 {
				log.Printf("[Capture] %s: frame %d", s.name, s.frames)
			}
			return img, true
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buffer = append(s.buffer, s.chunk[:n]...)
			continue
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[Capture] %s: error reading frame: %v", s.name, err)
			}
			return nil, false
		}
	}
}

// Frames returns the number of frames decoded so far
func (s *JPEGStream) Frames() uint64 { return s.frames }

// Close closes the underlying reader
func (s *JPEGStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.r.Close()
	})
	return s.closeErr
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := bytes.Index(*buffer, []byte{0xFF, 0xD8})
	if startIdx == -1 {
		// Keep a trailing 0xFF in case the marker is split across reads
		if (*buffer)[len(*buffer)-1] == 0xFF {
			*buffer = (*buffer)[len(*buffer)-1:]
		} else {
			*buffer = (*buffer)[:0]
		}
		return nil
	}

	// Find JPEG end marker (FFD9)
	rel := bytes.Index((*buffer)[startIdx+2:], []byte{0xFF, 0xD9})
	if rel == -1 {
		return nil
	}
	endIdx := startIdx + 2 + rel + 2

	// Extract frame
	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}
