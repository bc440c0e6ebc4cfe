package live

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vango-go/vai-macro/pkg/core/toolcall"
)

// receiveLoop consumes inbound frames until the stream ends, a go-away
// arrives, or ctx is cancelled.
func (a *Agent) receiveLoop(ctx context.Context, conn Conn) error {
	for {
		msgs, err := conn.Receive()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errSessionClosed
			}
			return withKind(ErrorReceive, fmt.Errorf("receive: %w", err))
		}

		var responses []toolcall.Response
		goAway := false
	messages:
		for _, msg := range msgs {
			switch m := msg.(type) {
			case ResumptionUpdate:
				if m.Handle != "" {
					a.setHandle(m.Handle)
				}
			case GoAway:
				a.logger.Info("live go-away", "time_left", m.TimeLeft)
				goAway = true
				break messages
			case ModelText:
				if m.Text != "" {
					a.setLastText(m.Text)
				}
			case Transcript:
				if m.Text != "" {
					a.setLastText(m.Text)
				}
			case ToolCall:
				responses = append(responses, a.handleFragments(m.Fragments)...)
			case SetupComplete:
				a.logger.Debug("live setup complete")
			case TurnComplete:
				a.logger.Debug("live turn complete")
			}
		}

		if len(responses) > 0 {
			if err := conn.SendToolResponses(responses); err != nil {
				return withKind(ErrorSend, fmt.Errorf("send tool responses: %w", err))
			}
		}
		if goAway {
			return errGoAway
		}
	}
}

func (a *Agent) handleFragments(fragments []toolcall.Fragment) []toolcall.Response {
	var out []toolcall.Response
	for _, f := range fragments {
		call, done := a.reasm.Feed(f)
		if !done {
			continue
		}
		resp := a.handler.Handle(call)
		if resp.Status == toolcall.StatusError {
			a.setLastError(resp.Error)
			a.logger.Debug("tool call rejected", "call_id", resp.ID, "function", resp.Name, "error", resp.Error)
		} else {
			a.logger.Debug("tool call accepted", "call_id", resp.ID, "accepted", resp.Accepted)
		}
		out = append(out, resp)
	}
	return out
}
