package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"slices"
	"testing"
	"testing/iotest"
	"time"
)

func jpeg(payload ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	return append(out, 0xFF, 0xD9)
}

func TestFrameSplitter_SplitsConcatenatedFrames(t *testing.T) {
	a := jpeg(1, 2, 3)
	b := jpeg(4, 5)
	stream := append([]byte{0x00, 0x11}, a...)
	stream = append(stream, 0x22)
	stream = append(stream, b...)
	stream = append(stream, 0xFF, 0xD8, 9, 9) // trailing partial frame

	s := NewFrameSplitter(bytes.NewReader(stream), 0)
	got1, err := s.Next()
	if err != nil || !bytes.Equal(got1, a) {
		t.Fatalf("frame1=%v err=%v, want %v", got1, err, a)
	}
	got2, err := s.Next()
	if err != nil || !bytes.Equal(got2, b) {
		t.Fatalf("frame2=%v err=%v, want %v", got2, err, b)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want EOF", err)
	}
}

func TestFrameSplitter_MarkersAcrossReads(t *testing.T) {
	a := jpeg(7, 8, 9, 10)
	b := jpeg(11)
	stream := append(append([]byte{}, a...), b...)

	s := NewFrameSplitter(iotest.OneByteReader(bytes.NewReader(stream)), 0)
	var frames [][]byte
	for {
		f, err := s.Next()
		if err != nil {
			break
		}
		frames = append(frames, f)
	}
	if len(frames) != 2 || !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Fatalf("frames=%v", frames)
	}
}

func TestFrameSplitter_FrameTooLarge(t *testing.T) {
	stream := append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{1}, 256)...)
	s := NewFrameSplitter(iotest.HalfReader(bytes.NewReader(stream)), 64)
	var err error
	for i := 0; i < 100; i++ {
		if _, err = s.Next(); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err=%v, want ErrFrameTooLarge", err)
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	got := EncodePCM16([]int16{1, -1, 0x1234})
	want := []byte{0x01, 0x00, 0xFF, 0xFF, 0x34, 0x12}
	if !bytes.Equal(got, want) {
		t.Fatalf("got=%x, want %x", got, want)
	}
}

func TestDefaultGrabberArgs(t *testing.T) {
	args := DefaultGrabberArgs("linux", 0.01)
	if !slices.Contains(args, "/dev/video0") {
		t.Fatalf("linux args missing default device: %v", args)
	}
	if !slices.Contains(args, "fps=0.1") {
		t.Fatalf("fps should clamp to 0.1: %v", args)
	}
	if args[len(args)-1] != "-" {
		t.Fatalf("grabber must write to stdout: %v", args)
	}
	if !slices.Contains(DefaultGrabberArgs("darwin", 2), "avfoundation") {
		t.Fatalf("darwin args should use avfoundation")
	}
}

func TestNewSourcesClampSettings(t *testing.T) {
	a := NewAudioSource(4000, 16, nil)
	if a.SampleRate != 8000 || a.FramesPerBuffer != 128 {
		t.Fatalf("audio=%+v", a)
	}
	v := NewVideoSource(0, nil)
	if v.FPS != 0.1 {
		t.Fatalf("fps=%v, want 0.1", v.FPS)
	}
}

func TestVideoSource_ProbeMissingBinary(t *testing.T) {
	v := &VideoSource{Command: "definitely-not-a-real-grabber-binary"}
	if err := v.Probe(); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err=%v, want ErrNoDevice", err)
	}
}

func TestVideoSource_OversizedFrameStopsGrabber(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	v := &VideoSource{
		Command:       "sh",
		Args:          []string{"-c", `printf '\377\330'; exec cat /dev/zero`},
		FPS:           1,
		MaxFrameBytes: 4 << 10,
	}
	done := make(chan error, 1)
	go func() { done <- v.Run(context.Background(), func([]byte) {}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("err=%v, want ErrFrameTooLarge", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after an oversized frame")
	}
}

func TestFunc_DefaultBlocksUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Func{Label: "idle"}.Run(ctx, func([]byte) {}) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("err=%v", err)
	}
}
