package geminilive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-macro/pkg/core/toolcall"
	"github.com/vango-go/vai-macro/pkg/live"
)

// session is the subset of *genai.Session the adapter drives.
type session interface {
	SendClientContent(input genai.LiveClientContentInput) error
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// conn adapts a genai session to live.Conn. genai sessions write to a single
// websocket, so every send holds writeMu.
type conn struct {
	sess session

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(sess session) *conn {
	return &conn{sess: sess}
}

func (c *conn) SendText(text string, turnComplete bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sess.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(turnComplete),
	})
}

func (c *conn) SendAudio(chunk []byte, sampleRate int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk, MIMEType: "audio/pcm;rate=" + strconv.Itoa(sampleRate)},
	})
}

func (c *conn) SendVideo(jpeg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Video: &genai.Blob{Data: jpeg, MIMEType: "image/jpeg"},
	})
}

func (c *conn) SendToolResponses(responses []toolcall.Response) error {
	if len(responses) == 0 {
		return nil
	}
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Payload(),
		})
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sess.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: out})
}

func (c *conn) Receive() ([]live.ServerMessage, error) {
	msg, err := c.sess.Receive()
	if err != nil {
		return nil, classifyReceiveError(err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: empty server message", live.ErrProtocol)
	}
	return Decode(msg), nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sess.Close()
	})
	return c.closeErr
}

// classifyReceiveError maps a normal websocket close to io.EOF and malformed
// frames to live.ErrProtocol.
func classifyReceiveError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %v", live.ErrProtocol, err)
	}
	return err
}
