// Package capture provides the hardware producers that feed the live
// session: microphone PCM through portaudio and camera JPEG frames through an
// external frame grabber.
package capture

import (
	"context"
	"errors"
)

// Source produces byte chunks until ctx is cancelled. push must never block;
// callers hand it a bounded queue's Push.
type Source interface {
	Name() string
	Run(ctx context.Context, push func([]byte)) error
}

// Prober is implemented by sources that can check hardware availability
// before a session starts.
type Prober interface {
	Probe() error
}

var ErrNoDevice = errors.New("capture device not available")

// Func adapts a plain function into a Source. Tests and synthetic inputs use
// it.
type Func struct {
	Label string
	Fn    func(ctx context.Context, push func([]byte)) error
}

func (f Func) Name() string { return f.Label }

func (f Func) Run(ctx context.Context, push func([]byte)) error {
	if f.Fn == nil {
		<-ctx.Done()
		return nil
	}
	return f.Fn(ctx, push)
}
