package tracker

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

// HTTPConfig holds configuration for the HTTP tracker
type HTTPConfig struct {
	Endpoint    string // Base URL, e.g. http://localhost:8000
	ClassMap    map[int]counting.Category
	Timeout     time.Duration
	JPEGQuality int
	Client      *http.Client
}

// HTTPTracker posts each frame as a multipart upload to a YOLO-style
// tracking service (POST /track, GET /health)
type HTTPTracker struct {
	endpoint string
	client   *http.Client
	classMap map[int]counting.Category
	quality  int

	accelerated bool
	device      string
	healthCheck time.Time
	mu          sync.RWMutex
}

// NewHTTPTracker creates an HTTP tracker and probes its health once
func NewHTTPTracker(cfg HTTPConfig) *HTTPTracker {
	if cfg.ClassMap == nil {
		cfg.ClassMap = counting.DefaultClassMap()
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second // Longer timeout for GPU inference
		}
		client = &http.Client{Timeout: timeout}
	}

	ht := &HTTPTracker{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   client,
		classMap: cfg.ClassMap,
		quality:  cfg.JPEGQuality,
	}
	ht.IsHealthy()
	return ht
}

// Name implements pipeline.Tracker
func (ht *HTTPTracker) Name() string { return "http" }

// Accelerated implements pipeline.Tracker
func (ht *HTTPTracker) Accelerated() bool {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.accelerated
}

// IsHealthy checks if the tracking service is available
func (ht *HTTPTracker) IsHealthy() bool {
	ht.mu.RLock()
	// Cache health check for 30 seconds
	if time.Since(ht.healthCheck) < 30*time.Second {
		ht.mu.RUnlock()
		return true
	}
	ht.mu.RUnlock()

	resp, err := ht.client.Get(ht.endpoint + "/health")
	if err != nil {
		log.Printf("[HTTPTracker] Health check failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return false
	}

	health := gjson.ParseBytes(body)
	if !health.Get("model_loaded").Bool() {
		return false
	}

	device := strings.ToLower(health.Get("device").String())
	ht.mu.Lock()
	ht.healthCheck = time.Now()
	ht.device = device
	ht.accelerated = health.Get("gpu_available").Bool() || (device != "" && device != "cpu")
	ht.mu.Unlock()
	return true
}

// Track implements pipeline.Tracker
func (ht *HTTPTracker) Track(ctx context.Context, frame *pipeline.Frame, params pipeline.TrackParams) ([]counting.TrackedDetection, error) {
	if !ht.Accelerated() {
		params.Half = false
	}
	body, contentType, err := ht.buildForm(frame, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ht.endpoint+"/track", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("track request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read track response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		hasOptional := params.ImageSize > 0 || params.Half
		if hasOptional && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity) {
			lower := strings.ToLower(msg)
			if strings.Contains(lower, "imgsz") || strings.Contains(lower, "half") {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedOption, msg)
			}
		}
		return nil, fmt.Errorf("track failed with status %d: %s", resp.StatusCode, msg)
	}

	return ht.parseDetections(data), nil
}

func (ht *HTTPTracker) buildForm(frame *pipeline.Frame, params pipeline.TrackParams) (*bytes.Buffer, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, "", err
	}
	if err := jpeg.Encode(fw, frame.Image, &jpeg.Options{Quality: ht.quality}); err != nil {
		return nil, "", fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}

	classes := make([]string, 0, len(params.Classes))
	for _, c := range params.Classes {
		classes = append(classes, strconv.Itoa(c))
	}

	w.WriteField("conf", strconv.FormatFloat(params.Confidence, 'f', 3, 64))
	w.WriteField("iou", strconv.FormatFloat(params.IoU, 'f', 3, 64))
	w.WriteField("persist", strconv.FormatBool(params.Persist))
	if len(classes) > 0 {
		w.WriteField("classes", strings.Join(classes, ","))
	}
	if params.ImageSize > 0 {
		w.WriteField("imgsz", strconv.Itoa(params.ImageSize))
	}
	if params.Half {
		w.WriteField("half", "true")
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

// parseDetections reads {"detections":[{"track_id","class_id","confidence","bbox":[x1,y1,x2,y2]}]}.
// Detections without a track id are skipped.
func (ht *HTTPTracker) parseDetections(data []byte) []counting.TrackedDetection {
	items := gjson.GetBytes(data, "detections").Array()
	detections := make([]counting.TrackedDetection, 0, len(items))

	for _, item := range items {
		id := item.Get("track_id")
		if !id.Exists() || id.Type == gjson.Null {
			continue
		}
		box := item.Get("bbox").Array()
		if len(box) != 4 {
			continue
		}

		classID := int(item.Get("class_id").Int())
		detections = append(detections, counting.TrackedDetection{
			TrackID:    int(id.Int()),
			ClassID:    classID,
			Category:   ht.classMap[classID],
			Confidence: item.Get("confidence").Float(),
			Box: counting.Box{
				Left:   int(box[0].Float()),
				Top:    int(box[1].Float()),
				Right:  int(box[2].Float()),
				Bottom: int(box[3].Float()),
			},
		})
	}
	return detections
}

// Close implements pipeline.Tracker
func (ht *HTTPTracker) Close() error {
	ht.client.CloseIdleConnections()
	return nil
}

var _ pipeline.Tracker = (*HTTPTracker)(nil)
