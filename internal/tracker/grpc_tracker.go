package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"log"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

const (
	trackMethod  = "/trafficcount.tracker.v1.TrackerService/Track"
	healthMethod = "/trafficcount.tracker.v1.TrackerService/Health"
)

// GRPCConfig holds configuration for the gRPC tracker
type GRPCConfig struct {
	Endpoint    string
	ClassMap    map[int]counting.Category // Tracker class id -> category
	CallTimeout time.Duration             // Per-frame deadline; zero means none
	JPEGQuality int
	DialOptions []grpc.DialOption // Extra options (tests use a bufconn dialer)
}

// GRPCTracker calls a remote detection+tracking service with one unary RPC
// per frame. Messages are google.protobuf.Struct so no generated stubs are
// needed on either side.
type GRPCTracker struct {
	endpoint    string
	conn        *grpc.ClientConn
	classMap    map[int]counting.Category
	callTimeout time.Duration
	quality     int

	healthy     bool
	accelerated bool
	device      string
	lastHealth  time.Time
	healthMu    sync.RWMutex
}

// NewGRPCTracker connects to the tracking service
func NewGRPCTracker(cfg GRPCConfig) (*GRPCTracker, error) {
	if cfg.ClassMap == nil {
		cfg.ClassMap = counting.DefaultClassMap()
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}

	gt := &GRPCTracker{
		endpoint:    cfg.Endpoint,
		classMap:    cfg.ClassMap,
		callTimeout: cfg.CallTimeout,
		quality:     cfg.JPEGQuality,
	}

	if err := gt.connect(cfg.DialOptions); err != nil {
		return nil, fmt.Errorf("failed to connect to tracking service: %w", err)
	}

	// Probe once so Accelerated is known before the first frame
	gt.IsHealthy()
	return gt, nil
}

// connect establishes the gRPC connection
func (gt *GRPCTracker) connect(extra []grpc.DialOption) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithBlock(),
	}
	opts = append(opts, extra...)

	conn, err := grpc.DialContext(ctx, gt.endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	gt.conn = conn
	log.Printf("[GRPCTracker] Connected to %s", gt.endpoint)
	return nil
}

// Name implements pipeline.Tracker
func (gt *GRPCTracker) Name() string { return "grpc" }

// Accelerated reports whether the service last said it runs on a GPU
func (gt *GRPCTracker) Accelerated() bool {
	gt.healthMu.RLock()
	defer gt.healthMu.RUnlock()
	return gt.accelerated
}

// Device returns the inference device reported by the service
func (gt *GRPCTracker) Device() string {
	gt.healthMu.RLock()
	defer gt.healthMu.RUnlock()
	return gt.device
}

// IsHealthy checks if the tracking service is available
func (gt *GRPCTracker) IsHealthy() bool {
	gt.healthMu.RLock()
	if time.Since(gt.lastHealth) < 30*time.Second && gt.healthy {
		gt.healthMu.RUnlock()
		return true
	}
	gt.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gt.conn.Invoke(ctx, healthMethod, &structpb.Struct{}, resp); err != nil {
		log.Printf("[GRPCTracker] Health check failed: %v", err)
		gt.healthMu.Lock()
		gt.healthy = false
		gt.healthMu.Unlock()
		return false
	}

	fields := resp.GetFields()
	device := strings.ToLower(fields["device"].GetStringValue())

	gt.healthMu.Lock()
	gt.healthy = fields["status"].GetStringValue() == "healthy" && fields["model_loaded"].GetBoolValue()
	gt.device = device
	gt.accelerated = device != "" && device != "cpu"
	gt.lastHealth = time.Now()
	healthy := gt.healthy
	gt.healthMu.Unlock()

	return healthy
}

// Track implements pipeline.Tracker
func (gt *GRPCTracker) Track(ctx context.Context, frame *pipeline.Frame, params pipeline.TrackParams) ([]counting.TrackedDetection, error) {
	if !gt.Accelerated() {
		params.Half = false
	}
	req, err := gt.buildRequest(frame, params)
	if err != nil {
		return nil, err
	}

	if gt.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gt.callTimeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := gt.conn.Invoke(ctx, trackMethod, req, resp); err != nil {
		return nil, classifyError(err, params)
	}

	return gt.convertResponse(resp), nil
}

// buildRequest encodes the frame and parameters; optional fields are only
// present when set so a minimal request carries none of them
func (gt *GRPCTracker) buildRequest(frame *pipeline.Frame, params pipeline.TrackParams) (*structpb.Struct, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: gt.quality}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}

	classes := make([]any, 0, len(params.Classes))
	for _, c := range params.Classes {
		classes = append(classes, c)
	}

	fields := map[string]any{
		"frame_seq": float64(frame.Seq),
		"jpeg":      base64.StdEncoding.EncodeToString(buf.Bytes()),
		"conf":      params.Confidence,
		"iou":       params.IoU,
		"persist":   params.Persist,
		"classes":   classes,
	}
	if params.ImageSize > 0 {
		fields["imgsz"] = params.ImageSize
	}
	if params.Half {
		fields["half"] = true
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

// classifyError maps a rejection of optional parameters onto ErrUnsupportedOption
func classifyError(err error, params pipeline.TrackParams) error {
	hasOptional := params.ImageSize > 0 || params.Half
	st, ok := status.FromError(err)
	if !ok || !hasOptional {
		return fmt.Errorf("track call failed: %w", err)
	}

	switch st.Code() {
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", ErrUnsupportedOption, st.Message())
	case codes.InvalidArgument:
		msg := strings.ToLower(st.Message())
		if strings.Contains(msg, "imgsz") || strings.Contains(msg, "half") {
			return fmt.Errorf("%w: %s", ErrUnsupportedOption, st.Message())
		}
	}
	return fmt.Errorf("track call failed: %w", err)
}

// convertResponse converts the service response to tracked detections.
// Detections without a track id (tracker not yet locked on) are skipped.
func (gt *GRPCTracker) convertResponse(resp *structpb.Struct) []counting.TrackedDetection {
	list := resp.GetFields()["detections"].GetListValue().GetValues()
	detections := make([]counting.TrackedDetection, 0, len(list))

	for _, v := range list {
		det := v.GetStructValue().GetFields()
		if det == nil {
			continue
		}
		idVal, ok := det["track_id"]
		if !ok {
			continue
		}
		if _, isNull := idVal.GetKind().(*structpb.Value_NullValue); isNull {
			continue
		}

		box := det["box"].GetListValue().GetValues()
		if len(box) != 4 {
			continue
		}

		classID := int(det["class_id"].GetNumberValue())
		detections = append(detections, counting.TrackedDetection{
			TrackID:    int(idVal.GetNumberValue()),
			ClassID:    classID,
			Category:   gt.classMap[classID],
			Confidence: det["confidence"].GetNumberValue(),
			Box: counting.Box{
				Left:   int(box[0].GetNumberValue()),
				Top:    int(box[1].GetNumberValue()),
				Right:  int(box[2].GetNumberValue()),
				Bottom: int(box[3].GetNumberValue()),
			},
		})
	}

	return detections
}

// Close shuts down the gRPC connection
func (gt *GRPCTracker) Close() error {
	if gt.conn != nil {
		return gt.conn.Close()
	}
	return nil
}

var _ pipeline.Tracker = (*GRPCTracker)(nil)
