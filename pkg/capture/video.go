package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
)

const (
	DefaultFPS     = 1.0
	minFPS         = 0.1
	maxFrameBytes  = 8 << 20
	defaultGrabber = "ffmpeg"
)

// VideoSource runs an external frame grabber that writes a concatenated MJPEG
// stream to stdout and pushes each complete JPEG.
type VideoSource struct {
	Command string
	Args    []string
	FPS     float64
	// MaxFrameBytes bounds a single frame; zero means 8 MiB.
	MaxFrameBytes int
	Logger        *slog.Logger
}

// NewVideoSource returns a source that grabs the default camera through
// ffmpeg at fps frames per second.
func NewVideoSource(fps float64, logger *slog.Logger) *VideoSource {
	if logger == nil {
		logger = slog.Default()
	}
	fps = max(minFPS, fps)
	return &VideoSource{
		Command: defaultGrabber,
		Args:    DefaultGrabberArgs(runtime.GOOS, fps),
		FPS:     fps,
		Logger:  logger,
	}
}

// DefaultGrabberArgs returns ffmpeg arguments for the platform's default
// camera, emitting JPEG frames on stdout.
func DefaultGrabberArgs(goos string, fps float64) []string {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-framerate", "30", "-i", "0"}
	case "windows":
		input = []string{"-f", "dshow", "-i", "video=0"}
	default:
		input = []string{"-f", "v4l2", "-i", "/dev/video0"}
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-vf", "fps="+strconv.FormatFloat(max(minFPS, fps), 'f', -1, 64),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
	return args
}

func (s *VideoSource) Name() string { return "video" }

// Probe checks that the grabber binary is installed.
func (s *VideoSource) Probe() error {
	if _, err := exec.LookPath(s.command()); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrNoDevice, s.command(), err)
	}
	return nil
}

func (s *VideoSource) Run(ctx context.Context, push func([]byte)) error {
	cmd := exec.CommandContext(ctx, s.command(), s.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("video grabber stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start video grabber: %w", err)
	}
	s.logger().Debug("video capture started", "command", s.command(), "fps", s.FPS)

	splitter := NewFrameSplitter(stdout, s.MaxFrameBytes)
	var readErr error
	for {
		frame, err := splitter.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		push(frame)
	}
	if readErr != nil {
		// Nobody drains stdout anymore; the grabber would block on write.
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("read video frames: %w", readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("video grabber exited: %w: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	return fmt.Errorf("video grabber exited: %w", io.ErrUnexpectedEOF)
}

func (s *VideoSource) command() string {
	if s.Command == "" {
		return defaultGrabber
	}
	return s.Command
}

func (s *VideoSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

var ErrFrameTooLarge = errors.New("jpeg frame exceeds size limit")

// FrameSplitter extracts complete JPEG images from a concatenated stream by
// scanning for start-of-image and end-of-image markers. Bytes outside a
// frame are discarded.
type FrameSplitter struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

func NewFrameSplitter(r io.Reader, limit int) *FrameSplitter {
	if limit <= 0 {
		limit = maxFrameBytes
	}
	return &FrameSplitter{r: bufio.NewReaderSize(r, 64<<10), limit: limit}
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends, dropping any trailing partial frame.
func (f *FrameSplitter) Next() ([]byte, error) {
	chunk := make([]byte, 32<<10)
	for {
		if frame, ok := f.extract(); ok {
			return frame, nil
		}
		if len(f.buf) > f.limit {
			f.buf = f.buf[:0]
			return nil, ErrFrameTooLarge
		}
		n, err := f.r.Read(chunk)
		f.buf = append(f.buf, chunk[:n]...)
		if err != nil {
			if frame, ok := f.extract(); ok {
				return frame, nil
			}
			return nil, err
		}
	}
}

func (f *FrameSplitter) extract() ([]byte, bool) {
	start := bytes.Index(f.buf, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF in case the marker straddles reads.
		if n := len(f.buf); n > 0 && f.buf[n-1] == 0xFF {
			f.buf = append(f.buf[:0], 0xFF)
		} else {
			f.buf = f.buf[:0]
		}
		return nil, false
	}
	end := bytes.Index(f.buf[start+2:], jpegEOI)
	if end < 0 {
		if start > 0 {
			f.buf = append(f.buf[:0], f.buf[start:]...)
		}
		return nil, false
	}
	stop := start + 2 + end + 2
	frame := make([]byte, stop-start)
	copy(frame, f.buf[start:stop])
	f.buf = append(f.buf[:0], f.buf[stop:]...)
	return frame, true
}
