package tracker

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

// fakeService answers Track and Health with canned structs
type fakeService struct {
	mu       sync.Mutex
	requests []*structpb.Struct
	device   string
	noImgsz  bool
}

func (s *fakeService) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	switch method {
	case healthMethod:
		resp, _ := structpb.NewStruct(map[string]any{
			"status":       "healthy",
			"model_loaded": true,
			"device":       s.device,
		})
		return stream.SendMsg(resp)
	case trackMethod:
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		if _, ok := req.Fields["imgsz"]; ok && s.noImgsz {
			return status.Error(codes.InvalidArgument, "unexpected keyword imgsz")
		}
		resp, _ := structpb.NewStruct(map[string]any{
			"detections": []any{
				map[string]any{"track_id": 7, "class_id": 2, "confidence": 0.91, "box": []any{300.0, 260.5, 340.0, 300.9}},
				map[string]any{"track_id": 8, "class_id": 0, "confidence": 0.80, "box": []any{10, 10, 20, 20}},
				map[string]any{"track_id": nil, "class_id": 2, "confidence": 0.70, "box": []any{0, 0, 1, 1}},
				map[string]any{"track_id": 9, "class_id": 7, "confidence": 0.60, "box": []any{1, 2}},
			},
		})
		return stream.SendMsg(resp)
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func (s *fakeService) lastRequest() *structpb.Struct {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func startFake(t *testing.T, svc *fakeService) *GRPCTracker {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(svc.handle))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	gt, err := NewGRPCTracker(GRPCConfig{
		Endpoint: "bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { gt.Close() })
	return gt
}

func TestGRPCTrackerConvertsDetections(t *testing.T) {
	svc := &fakeService{device: "cuda:0"}
	gt := startFake(t, svc)

	assert.True(t, gt.IsHealthy())
	assert.True(t, gt.Accelerated())
	assert.Equal(t, "cuda:0", gt.Device())

	params := pipeline.DefaultTrackParams()
	params.Classes = []int{2, 3, 5, 7}
	dets, err := gt.Track(context.Background(), testFrame(), params)
	require.NoError(t, err)

	require.Len(t, dets, 2)
	assert.Equal(t, counting.TrackedDetection{
		TrackID:    7,
		ClassID:    2,
		Category:   counting.CategoryCar,
		Confidence: 0.91,
		Box:        counting.Box{Left: 300, Top: 260, Right: 340, Bottom: 300},
	}, dets[0])
	assert.Equal(t, counting.Category(""), dets[1].Category, "unmapped class has no category")

	req := svc.lastRequest()
	assert.Equal(t, 0.5, req.Fields["conf"].GetNumberValue())
	assert.True(t, req.Fields["persist"].GetBoolValue())
	assert.Len(t, req.Fields["classes"].GetListValue().GetValues(), 4)
	assert.Equal(t, 640.0, req.Fields["imgsz"].GetNumberValue())
	assert.True(t, req.Fields["half"].GetBoolValue(), "accelerated device gets half precision")
	assert.NotEmpty(t, req.Fields["jpeg"].GetStringValue())
}

func TestGRPCTrackerCPUDevice(t *testing.T) {
	svc := &fakeService{device: "cpu"}
	gt := startFake(t, svc)
	assert.True(t, gt.IsHealthy())
	assert.False(t, gt.Accelerated())

	_, err := gt.Track(context.Background(), testFrame(), pipeline.DefaultTrackParams())
	require.NoError(t, err)
	assert.NotContains(t, svc.lastRequest().Fields, "half")
}

func TestGRPCTrackerRejectedOptionFallsBack(t *testing.T) {
	svc := &fakeService{device: "cpu", noImgsz: true}
	gt := startFake(t, svc)

	_, err := gt.Track(context.Background(), testFrame(), pipeline.DefaultTrackParams())
	assert.ErrorIs(t, err, ErrUnsupportedOption)

	a := NewAdaptive(gt)
	dets, err := a.Track(context.Background(), testFrame(), pipeline.DefaultTrackParams())
	require.NoError(t, err)
	assert.Len(t, dets, 2)
	assert.Equal(t, CapabilityMinimal, a.Level())
	assert.NotContains(t, svc.lastRequest().Fields, "imgsz")
}

func TestClassifyError(t *testing.T) {
	withSize := pipeline.DefaultTrackParams()
	minimal := withSize
	minimal.ImageSize = 0
	minimal.Half = false

	unimpl := status.Error(codes.Unimplemented, "no")
	assert.ErrorIs(t, classifyError(unimpl, withSize), ErrUnsupportedOption)
	assert.NotErrorIs(t, classifyError(unimpl, minimal), ErrUnsupportedOption)

	bad := status.Error(codes.InvalidArgument, "conf out of range")
	assert.NotErrorIs(t, classifyError(bad, withSize), ErrUnsupportedOption)

	unavailable := status.Error(codes.Unavailable, "down")
	assert.NotErrorIs(t, classifyError(unavailable, withSize), ErrUnsupportedOption)
}
