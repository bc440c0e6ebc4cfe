package live

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-macro/pkg/capture"
	"github.com/vango-go/vai-macro/pkg/core/queue"
)

var (
	errSessionClosed = errors.New("live session closed by backend")
	errGoAway        = errors.New("live session received go-away")
)

func (a *Agent) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer a.setState(StateStopped, ErrorNone)

	bo := a.opts.Backoff
	bo.Reset()

	for ctx.Err() == nil {
		a.setState(StateConnecting, ErrorNone)
		err := a.runAttempt(ctx, &bo)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errGoAway) || errors.Is(err, errSessionClosed) {
			if errors.Is(err, errGoAway) {
				a.setState(StateGoAway, ErrorNone)
			}
			a.setState(StateReconnecting, ErrorNone)
			if a.sleep(ctx, a.opts.GracefulPause) != nil {
				return
			}
			continue
		}

		kind := kindOf(err)
		delay := bo.Next()
		a.setLastError(err.Error())
		a.setState(StateError, kind)
		a.logger.Warn("live attempt failed", "error", err, "kind", string(kind), "backoff", delay)
		if a.sleep(ctx, delay) != nil {
			return
		}
	}
}

// runAttempt dials once and runs the send loop, receive loop, and capture
// producers until the first of them exits. All of them have returned and the
// connection is closed before runAttempt returns.
func (a *Agent) runAttempt(ctx context.Context, bo *Backoff) error {
	a.mu.Lock()
	a.attempts++
	handle := a.handle
	a.mu.Unlock()

	conn, err := a.dialer.Dial(ctx, DialRequest{Handle: handle})
	if err != nil {
		return withKind(ErrorDial, fmt.Errorf("dial: %w", err))
	}

	a.reasm.Reset()
	bo.Reset()
	a.mu.Lock()
	a.lastError = ""
	a.mu.Unlock()
	a.setState(StateConnected, ErrorNone)

	if a.opts.PrimingPrompt != "" {
		if err := conn.SendText(a.opts.PrimingPrompt, true); err != nil {
			_ = conn.Close()
			return withKind(ErrorSend, fmt.Errorf("send priming turn: %w", err))
		}
	}

	audio := queue.New[[]byte](a.opts.AudioQueueSize)
	video := queue.New[[]byte](a.opts.VideoQueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error { return a.sendLoop(gctx, conn, audio, video) })
	g.Go(func() error { return a.receiveLoop(gctx, conn) })
	a.runCapture(g, gctx, a.audio, audio)
	a.runCapture(g, gctx, a.video, video)

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (a *Agent) runCapture(g *errgroup.Group, ctx context.Context, src capture.Source, q *queue.BoundedLatest[[]byte]) {
	if src == nil {
		return
	}
	g.Go(func() error {
		err := src.Run(ctx, func(b []byte) { q.Push(b) })
		if err != nil && ctx.Err() == nil {
			return withKind(ErrorCapture, fmt.Errorf("%s capture: %w", src.Name(), err))
		}
		return nil
	})
}
