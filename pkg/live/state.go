package live

import (
	"context"
	"errors"
	"time"
)

// State is the supervisor's connection state. Only the supervisor changes it.
type State int

const (
	StateIdle State = iota
	StateDisabled
	StateStarting
	StateConnecting
	StateConnected
	StateReconnecting
	StateGoAway
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDisabled:
		return "disabled"
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGoAway:
		return "go_away"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrorKind qualifies StateError.
type ErrorKind string

const (
	ErrorNone     ErrorKind = ""
	ErrorDial     ErrorKind = "dial"
	ErrorSend     ErrorKind = "send"
	ErrorReceive  ErrorKind = "receive"
	ErrorCapture  ErrorKind = "capture"
	ErrorProtocol ErrorKind = "protocol"
)

// Status is a point-in-time copy of the supervisor's observable fields.
type Status struct {
	AgentID   string
	State     State
	ErrorKind ErrorKind
	Handle    string
	LastText  string
	LastError string
	Attempts  int
	Connected bool
}

// Label renders the state the way heartbeat lines show it, e.g. "error:dial".
func (s Status) Label() string {
	if s.State == StateError && s.ErrorKind != ErrorNone {
		return s.State.String() + ":" + string(s.ErrorKind)
	}
	return s.State.String()
}

// StateObserver is notified after every state transition.
type StateObserver interface {
	ObserveState(st Status)
}

// HandleObserver is notified whenever the backend issues a new resumption
// handle.
type HandleObserver interface {
	ObserveHandle(agentID, handle string)
}

type attemptError struct {
	kind ErrorKind
	err  error
}

func (e *attemptError) Error() string {
	return string(e.kind) + ": " + e.err.Error()
}

func (e *attemptError) Unwrap() error { return e.err }

func withKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var existing *attemptError
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, ErrProtocol) {
		kind = ErrorProtocol
	}
	return &attemptError{kind: kind, err: err}
}

func kindOf(err error) ErrorKind {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.kind
	}
	if errors.Is(err, ErrProtocol) {
		return ErrorProtocol
	}
	return ErrorReceive
}

// Backoff is the reconnect delay schedule: Initial, doubled by Factor after
// each failure, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	current time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
}

// Next returns the delay to sleep now and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.Current()
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}
	next := time.Duration(float64(d) * factor)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	b.current = next
	return d
}

// Current returns the delay Next would return without advancing.
func (b *Backoff) Current() time.Duration {
	d := b.current
	if d <= 0 {
		d = b.Initial
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

func (b *Backoff) Reset() {
	b.current = b.Initial
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
