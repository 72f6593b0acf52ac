package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"trafficcount/internal/timeutil"
)

// IsSnapshotURL reports whether source is an HTTP endpoint serving single images
func IsSnapshotURL(source string) bool {
	return (strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")) &&
		(strings.Contains(source, ".jpg") || strings.Contains(source, ".jpeg") || strings.Contains(source, "image"))
}

// SnapshotSource polls an HTTP still-image endpoint at a fixed interval
type SnapshotSource struct {
	url      string
	client   *http.Client
	clock    timeutil.Clock
	ticker   timeutil.Ticker
	failures int
	maxFails int

	done      chan struct{}
	closeOnce sync.Once
}

// NewSnapshotSource polls url at fps frames per second (at most 10)
func NewSnapshotSource(url string, fps int, clock timeutil.Clock) *SnapshotSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if fps <= 0 {
		fps = 5
	}
	interval := time.Second / time.Duration(fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	return &SnapshotSource{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		clock:    clock,
		ticker:   clock.NewTicker(interval),
		maxFails: 5,
		done:     make(chan struct{}),
	}
}

// Read waits for the next tick and fetches one image. Transient fetch
// errors are retried; the source ends after consecutive failures.
func (s *SnapshotSource) Read() (image.Image, bool) {
	for {
		select {
		case <-s.done:
			return nil, false
		case <-s.ticker.C():
		}

		img, err := s.fetch()
		if err == nil {
			s.failures = 0
			return img, true
		}

		s.failures++
		log.Printf("[Snapshot] Error fetching frame from %s: %v", s.url, err)
		if s.failures >= s.maxFails {
			return nil, false
		}
	}
}

func (s *SnapshotSource) fetch() (image.Image, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return jpeg.Decode(bytes.NewReader(data))
}

// Close stops polling
func (s *SnapshotSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ticker.Stop()
	})
	return nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}
