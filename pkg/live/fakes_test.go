package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vango-go/vai-macro/pkg/core/toolcall"
)

type recvResult struct {
	msgs []ServerMessage
	err  error
}

type fakeConn struct {
	inbound chan recvResult

	mu        sync.Mutex
	events    []string
	texts     []TextItem
	responses [][]toolcall.Response
	sendErr   error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan recvResult, 16), closed: make(chan struct{})}
}

func (c *fakeConn) SendText(text string, turnComplete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	kind := TextContext
	if turnComplete {
		kind = TextPrompt
	}
	c.texts = append(c.texts, TextItem{Kind: kind, Body: text})
	c.events = append(c.events, "text:"+text)
	return nil
}

func (c *fakeConn) SendAudio(chunk []byte, sampleRate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, fmt.Sprintf("audio:%s@%d", chunk, sampleRate))
	return nil
}

func (c *fakeConn) SendVideo(jpeg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, "video:"+string(jpeg))
	return nil
}

func (c *fakeConn) SendToolResponses(responses []toolcall.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses)
	return nil
}

func (c *fakeConn) Receive() ([]ServerMessage, error) {
	select {
	case r, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return r.msgs, r.err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) snapshotEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *fakeConn) snapshotResponses() [][]toolcall.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]toolcall.Response(nil), c.responses...)
}

// scriptedDialer hands out the next scripted result per Dial; once the
// script is exhausted every dial fails.
type scriptedDialer struct {
	mu       sync.Mutex
	script   []dialResult
	requests []DialRequest
	credErr  error
}

type dialResult struct {
	conn Conn
	err  error
}

func (d *scriptedDialer) Dial(_ context.Context, req DialRequest) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if len(d.script) == 0 {
		return nil, errors.New("dial refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next.conn, next.err
}

func (d *scriptedDialer) CheckCredential() error { return d.credErr }

func (d *scriptedDialer) dialRequests() []DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialRequest(nil), d.requests...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) ObserveState(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.State)
}

func (r *stateRecorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

// sleepRecorder records requested delays. Once limit delays were recorded
// it blocks until ctx is done.
type sleepRecorder struct {
	mu      sync.Mutex
	delays  []time.Duration
	limit   int
	reached chan struct{}
	once    sync.Once
}

func newSleepRecorder(limit int) *sleepRecorder {
	return &sleepRecorder{limit: limit, reached: make(chan struct{})}
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	s.mu.Unlock()
	if s.limit > 0 && n >= s.limit {
		s.once.Do(func() { close(s.reached) })
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
