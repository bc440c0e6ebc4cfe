package live

import (
	"context"
	"fmt"
	"time"

	"github.com/vango-go/vai-macro/pkg/core/queue"
)

// sendLoop drains, per iteration: every queued text item in FIFO order, at
// most one audio chunk, and the newest video frame. It waits IdleWait when
// nothing was queued.
func (a *Agent) sendLoop(ctx context.Context, conn Conn, audio, video *queue.BoundedLatest[[]byte]) error {
	idle := time.NewTimer(a.opts.IdleWait)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sent := false
		for {
			item, ok := a.text.PopOne()
			if !ok {
				break
			}
			if err := conn.SendText(item.Body, item.Kind == TextPrompt); err != nil {
				return withKind(ErrorSend, fmt.Errorf("send text: %w", err))
			}
			sent = true
		}

		if chunk, ok := audio.PopOne(); ok {
			if err := conn.SendAudio(chunk, a.opts.AudioSampleRate); err != nil {
				return withKind(ErrorSend, fmt.Errorf("send audio: %w", err))
			}
			sent = true
		}

		if frame, ok := video.Latest(); ok {
			if err := conn.SendVideo(frame); err != nil {
				return withKind(ErrorSend, fmt.Errorf("send video: %w", err))
			}
			sent = true
		}

		if sent {
			continue
		}

		idle.Reset(a.opts.IdleWait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
		}
	}
}
