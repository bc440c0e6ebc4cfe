package live

import (
	"context"
	"errors"
	"time"

	"github.com/vango-go/vai-macro/pkg/core/toolcall"
)

// ServerMessage is the closed set of inbound message kinds the supervisor
// understands. Transports decode backend frames into these at the boundary.
type ServerMessage interface {
	isServerMessage()
}

// ResumptionUpdate carries a new session resumption handle.
type ResumptionUpdate struct {
	Handle    string
	Resumable bool
}

// GoAway announces that the backend will close the connection soon.
type GoAway struct {
	TimeLeft time.Duration
}

// ModelText is text from the model's turn.
type ModelText struct {
	Text string
}

// Transcript is an output audio transcription.
type Transcript struct {
	Text string
}

// ToolCall carries one or more function-call fragments.
type ToolCall struct {
	Fragments []toolcall.Fragment
}

type SetupComplete struct{}

type TurnComplete struct{}

func (ResumptionUpdate) isServerMessage() {}
func (GoAway) isServerMessage()           {}
func (ModelText) isServerMessage()        {}
func (Transcript) isServerMessage()       {}
func (ToolCall) isServerMessage()         {}
func (SetupComplete) isServerMessage()    {}
func (TurnComplete) isServerMessage()     {}

// TextKind distinguishes a conversational prompt from a background context
// update.
type TextKind int

const (
	// TextPrompt is sent as a complete turn.
	TextPrompt TextKind = iota + 1
	// TextContext is sent without completing the turn.
	TextContext
)

type TextItem struct {
	Kind TextKind
	Body string
}

// Conn is one open duplex session. Send methods may be called from the send
// and receive loops concurrently; implementations serialize writes.
type Conn interface {
	SendText(text string, turnComplete bool) error
	SendAudio(chunk []byte, sampleRate int) error
	SendVideo(jpeg []byte) error
	SendToolResponses(responses []toolcall.Response) error
	// Receive blocks for the next inbound frame. It returns io.EOF when the
	// backend closes the stream normally. Close unblocks it.
	Receive() ([]ServerMessage, error)
	Close() error
}

type DialRequest struct {
	// Handle resumes a previous session when non-empty.
	Handle string
}

// Dialer opens one session per connection attempt.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

// CredentialChecker is implemented by dialers that need an externally
// supplied credential. Agent.Start consults it before spawning anything.
type CredentialChecker interface {
	CheckCredential() error
}

var (
	ErrMissingCredential  = errors.New("live: missing API credential")
	ErrCaptureUnavailable = errors.New("live: capture hardware unavailable")
	ErrStopped            = errors.New("live: agent stopped")
	// ErrProtocol marks inbound frames a transport could not interpret.
	ErrProtocol = errors.New("live: protocol error")
)
