package capture

import (
	"errors"
	"fmt"
	"image"

	"trafficcount/internal/pipeline"
	"trafficcount/internal/timeutil"
)

// Source is a frame source; identical to pipeline.FrameSource
type Source interface {
	Read() (image.Image, bool)
	Close() error
}

// Backend names a capture implementation
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendFFmpeg Backend = "ffmpeg"
	BackendGoCV   Backend = "gocv"
)

// ErrBackendUnavailable is returned for a backend not compiled into this binary
var ErrBackendUnavailable = errors.New("capture backend unavailable")

// openGoCV is set by gocv.go when built with -tags gocv
var openGoCV func(source string) (Source, error)

// Options selects and tunes the capture backend
type Options struct {
	Backend Backend
	FFmpeg  FFmpegOptions
	Clock   timeutil.Clock // Used by snapshot polling
}

// GoCVAvailable reports whether OpenCV capture is compiled in
func GoCVAvailable() bool { return openGoCV != nil }

// Opener returns a pipeline.SourceOpener for opts.
// Still-image URLs are always polled; everything else goes to the chosen
// backend, with auto preferring OpenCV when present.
func Opener(opts Options) pipeline.SourceOpener {
	return func(source string) (pipeline.FrameSource, error) {
		if source == "" {
			return nil, errors.New("empty source")
		}
		if IsSnapshotURL(source) {
			return NewSnapshotSource(source, opts.FFmpeg.FPS, opts.Clock), nil
		}

		switch opts.Backend {
		case BackendGoCV:
			if openGoCV == nil {
				return nil, fmt.Errorf("%w: gocv (build with -tags gocv)", ErrBackendUnavailable)
			}
			return openGoCV(source)
		case BackendFFmpeg:
			return openFFmpeg(source, opts.FFmpeg)
		case BackendAuto, "":
			if openGoCV != nil {
				return openGoCV(source)
			}
			return openFFmpeg(source, opts.FFmpeg)
		default:
			return nil, fmt.Errorf("unknown capture backend %q", opts.Backend)
		}
	}
}

func openFFmpeg(source string, opts FFmpegOptions) (pipeline.FrameSource, error) {
	src, err := NewFFmpegSource(source, opts)
	if err != nil {
		return nil, err
	}
	return src, nil
}
