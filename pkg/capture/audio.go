package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

const (
	DefaultSampleRate      = 16000
	DefaultFramesPerBuffer = 1024
	minSampleRate          = 8000
	minFramesPerBuffer     = 128
)

// AudioSource captures mono 16-bit PCM from the default input device. Each
// pushed chunk is FramesPerBuffer samples, little-endian.
type AudioSource struct {
	SampleRate      int
	FramesPerBuffer int
	Logger          *slog.Logger
}

func NewAudioSource(sampleRate, framesPerBuffer int, logger *slog.Logger) *AudioSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioSource{
		SampleRate:      max(minSampleRate, sampleRate),
		FramesPerBuffer: max(minFramesPerBuffer, framesPerBuffer),
		Logger:          logger,
	}
}

func (s *AudioSource) Name() string { return "audio" }

// Probe initializes portaudio and checks for a default input device.
func (s *AudioSource) Probe() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return ErrNoDevice
	}
	return nil
}

// Run opens the default input stream and pushes every buffer until ctx is
// done. The callback runs on portaudio's thread and only copies and pushes.
func (s *AudioSource) Run(ctx context.Context, push func([]byte)) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	rate := max(minSampleRate, s.SampleRate)
	frames := max(minFramesPerBuffer, s.FramesPerBuffer)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), frames, func(in []int16) {
		push(EncodePCM16(in))
	})
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	s.logger().Debug("audio capture started", "sample_rate", rate, "frames", frames)

	<-ctx.Done()

	if err := stream.Stop(); err != nil {
		s.logger().Debug("audio capture stop failed", "error", err)
	}
	return nil
}

func (s *AudioSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// EncodePCM16 renders samples as little-endian bytes into a fresh slice.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
