package capture

import (
	"bufio"
	"fmt"
	"image"
	"log"
	"os/exec"
	"strings"
	"sync"
)

// FFmpegSource decodes any ffmpeg-readable input (file, RTSP, HTTP, V4L2)
// into a pipe of MJPEG frames
type FFmpegSource struct {
	source string
	cmd    *exec.Cmd
	stream *JPEGStream

	closeOnce sync.Once
}

// FFmpegOptions tunes the ffmpeg invocation
type FFmpegOptions struct {
	Binary   string // Defaults to "ffmpeg"
	FPS      int    // Output rate cap; zero keeps the source rate
	Width    int    // V4L2 capture size
	Height   int
	Realtime bool // Read files at native speed (-re)
}

// ffmpegArgs builds the command line for a source
func ffmpegArgs(source string, opts FFmpegOptions) []string {
	var args []string
	rate := func() []string {
		if opts.FPS > 0 {
			return []string{"-r", fmt.Sprintf("%d", opts.FPS)}
		}
		return nil
	}

	switch {
	case strings.HasPrefix(source, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp", "-i", source)
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		args = append(args, "-i", source)
	case strings.HasPrefix(source, "/dev/video"):
		// V4L2 device (USB camera)
		args = append(args, "-f", "v4l2")
		if opts.Width > 0 && opts.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
		}
		if opts.FPS > 0 {
			args = append(args, "-framerate", fmt.Sprintf("%d", opts.FPS))
		}
		args = append(args, "-i", source)
	default:
		if opts.Realtime {
			args = append(args, "-re")
		}
		args = append(args, "-i", source)
	}

	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	args = append(args, rate()...)
	args = append(args, "-q:v", "5", "-")
	return args
}

// NewFFmpegSource starts ffmpeg for source
func NewFFmpegSource(source string, opts FFmpegOptions) (*FFmpegSource, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	cmd := exec.Command(binary, append([]string{"-hide_banner", "-loglevel", "error"}, ffmpegArgs(source, opts)...)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[FFmpeg] %s: %s", source, scanner.Text())
		}
	}()

	log.Printf("[FFmpeg] Capturing %s", source)
	return &FFmpegSource{
		source: source,
		cmd:    cmd,
		stream: NewJPEGStream(stdout, source),
	}, nil
}

// Read implements pipeline.FrameSource
func (s *FFmpegSource) Read() (image.Image, bool) {
	return s.stream.Read()
}

// Close kills ffmpeg; a Read blocked on the pipe returns false
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.stream.Close()
		if err := s.cmd.Wait(); err != nil {
			log.Printf("[FFmpeg] %s exited: %v", s.source, err)
		}
	})
	return nil
}
