package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/vango-go/vai-macro/pkg/capture"
	"github.com/vango-go/vai-macro/pkg/core/controls"
	"github.com/vango-go/vai-macro/pkg/core/queue"
	"github.com/vango-go/vai-macro/pkg/core/toolcall"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackoff_SequenceAndReset(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("step %d: got=%v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != 500*time.Millisecond {
		t.Fatalf("after reset got=%v, want 500ms", got)
	}
}

func TestAgent_DisabledInferIsNonBlocking(t *testing.T) {
	a, err := New(Options{Enabled: false}, Dependencies{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.State() != StateDisabled {
		t.Fatalf("state=%v, want disabled", a.State())
	}

	start := time.Now()
	for i := 0; i < 1000; i++ {
		snap := a.Infer("prompt", map[string]any{"i": i})
		if len(snap.Controls) != 0 {
			t.Fatalf("disabled agent returned controls %v", snap.Controls)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("1000 Infer calls took %v", elapsed)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("state=%v, want stopped", a.State())
	}
}

func TestAgent_InferDedupesPromptAndRateLimitsContext(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := New(Options{Enabled: false, ContextInterval: time.Second}, Dependencies{
		Logger: quietLogger(),
		Now:    func() time.Time { return now },
	})

	a.Infer("make it loud", nil)
	a.Infer("make it loud", nil)
	if got := a.PendingText(); got != 1 {
		t.Fatalf("pending=%d, want 1 after duplicate prompt", got)
	}
	a.Infer("calm down", nil)
	if got := a.PendingText(); got != 2 {
		t.Fatalf("pending=%d, want 2", got)
	}

	a.Infer("", map[string]any{"vision_ts": 1})
	a.Infer("", map[string]any{"vision_ts": 2})
	if got := a.PendingText(); got != 3 {
		t.Fatalf("pending=%d, want 3 (second context inside interval)", got)
	}
	now = now.Add(time.Second)
	a.Infer("", map[string]any{"vision_ts": 3})
	if got := a.PendingText(); got != 4 {
		t.Fatalf("pending=%d, want 4", got)
	}

	want := []TextItem{
		{Kind: TextPrompt, Body: "make it loud"},
		{Kind: TextPrompt, Body: "calm down"},
		{Kind: TextContext, Body: `{"vision_ts":1}`},
		{Kind: TextContext, Body: `{"vision_ts":3}`},
	}
	if got := a.text.PopAll(); !reflect.DeepEqual(got, want) {
		t.Fatalf("queued=%v, want %v", got, want)
	}
}

func TestAgent_StartFailsFast(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		d := &scriptedDialer{credErr: errors.New("GEMINI_API_KEY is not set")}
		a, _ := New(Options{Enabled: true}, Dependencies{Dialer: d, Logger: quietLogger()})
		err := a.Start(context.Background())
		if !errors.Is(err, ErrMissingCredential) {
			t.Fatalf("err=%v, want ErrMissingCredential", err)
		}
		if a.State() != StateIdle {
			t.Fatalf("state=%v, want idle", a.State())
		}
		if len(d.dialRequests()) != 0 {
			t.Fatalf("dial attempted without credential")
		}
	})

	t.Run("capture unavailable", func(t *testing.T) {
		d := &scriptedDialer{}
		video := &probedSource{err: capture.ErrNoDevice}
		a, _ := New(Options{Enabled: true}, Dependencies{Dialer: d, Video: video, Logger: quietLogger()})
		err := a.Start(context.Background())
		if !errors.Is(err, ErrCaptureUnavailable) || !errors.Is(err, capture.ErrNoDevice) {
			t.Fatalf("err=%v, want ErrCaptureUnavailable wrapping ErrNoDevice", err)
		}
	})

	t.Run("enabled without dialer", func(t *testing.T) {
		if _, err := New(Options{Enabled: true}, Dependencies{}); err == nil {
			t.Fatalf("expected error")
		}
	})
}

type probedSource struct {
	capture.Func
	err error
}

func (p *probedSource) Probe() error { return p.err }

func TestAgent_BackoffAcrossFailuresResetsAfterSuccess(t *testing.T) {
	fail := dialResult{err: errors.New("connection refused")}
	ok := newFakeConn()
	close(ok.inbound) // graceful close right after connect

	d := &scriptedDialer{script: []dialResult{fail, fail, fail, fail, fail, fail, {conn: ok}}}
	sleeps := newSleepRecorder(8)
	a, _ := New(DefaultOptions(), Dependencies{Dialer: d, Logger: quietLogger(), Sleep: sleeps.Sleep})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-sleeps.reached:
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not reach expected sleeps, got %v", sleeps.recorded())
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
		200 * time.Millisecond,
		500 * time.Millisecond,
	}
	if got := sleeps.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sleeps=%v, want %v", got, want)
	}
	if a.Status().Attempts != 8 {
		t.Fatalf("attempts=%d, want 8", a.Status().Attempts)
	}
	if !ok.isClosed() {
		t.Fatalf("connection not closed after graceful end")
	}
	if a.State() != StateStopped {
		t.Fatalf("state=%v, want stopped", a.State())
	}
}

func TestAgent_ToolCallReassemblyAndObservability(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{script: []dialResult{{conn: conn}}}
	a, _ := New(DefaultOptions(), Dependencies{Dialer: d, Logger: quietLogger()})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	if !waitFor(2*time.Second, func() bool { return a.State() == StateConnected }) {
		t.Fatalf("state=%v, want connected", a.State())
	}

	conn.inbound <- recvResult{msgs: []ServerMessage{
		ResumptionUpdate{Handle: "handle-1", Resumable: true},
		ModelText{Text: "raising the filter"},
		ToolCall{Fragments: []toolcall.Fragment{
			{ID: "call-1", Name: toolcall.FunctionName, PartialText: `{"filter":`, WillContinue: true},
		}},
	}}

	// The continuation alone must not produce a response or a commit.
	time.Sleep(20 * time.Millisecond)
	if len(conn.snapshotResponses()) != 0 {
		t.Fatalf("response sent before terminating fragment")
	}
	if snap := a.Infer("", nil); len(snap.Controls) != 0 {
		t.Fatalf("controls committed before terminating fragment: %v", snap.Controls)
	}

	conn.inbound <- recvResult{msgs: []ServerMessage{
		ToolCall{Fragments: []toolcall.Fragment{
			{ID: "call-1", Name: toolcall.FunctionName, PartialText: ` 0.8}`},
			{ID: "call-2", Name: toolcall.FunctionName, Args: map[string]any{"reverb_macro": 7.0}, HasArgs: true},
		}},
	}}

	if !waitFor(2*time.Second, func() bool { return len(conn.snapshotResponses()) == 1 }) {
		t.Fatalf("no tool responses sent")
	}
	batch := conn.snapshotResponses()[0]
	if len(batch) != 2 {
		t.Fatalf("responses=%+v, want 2", batch)
	}
	if batch[0].ID != "call-1" || batch[0].Status != toolcall.StatusOK || batch[0].Accepted[controls.FilterMacro] != 0.8 {
		t.Fatalf("response[0]=%+v", batch[0])
	}
	if batch[1].ID != "call-2" || batch[1].Error != "invalid_args:out_of_range:reverb_macro" {
		t.Fatalf("response[1]=%+v", batch[1])
	}

	snap := a.Infer("", nil)
	if snap.Controls[controls.FilterMacro] != 0.8 {
		t.Fatalf("controls=%v, want filter_macro=0.8", snap.Controls)
	}
	if _, has := snap.Controls[controls.ReverbMacro]; has {
		t.Fatalf("rejected call leaked into controls: %v", snap.Controls)
	}
	if a.SessionHandle() != "handle-1" {
		t.Fatalf("handle=%q", a.SessionHandle())
	}
	if a.LastText() != "raising the filter" {
		t.Fatalf("last text=%q", a.LastText())
	}
	if a.LastError() != "invalid_args:out_of_range:reverb_macro" {
		t.Fatalf("last error=%q", a.LastError())
	}
	if a.State() != StateConnected {
		t.Fatalf("validation error changed state to %v", a.State())
	}
}

func TestAgent_GoAwayReconnectsWithHandle(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &scriptedDialer{script: []dialResult{{conn: first}, {conn: second}}}
	states := &stateRecorder{}
	a, _ := New(DefaultOptions(), Dependencies{
		Dialer:        d,
		Logger:        quietLogger(),
		StateObserver: states,
		Sleep:         func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first.inbound <- recvResult{msgs: []ServerMessage{
		ResumptionUpdate{Handle: "resume-me"},
		GoAway{TimeLeft: 10 * time.Second},
	}}

	if !waitFor(2*time.Second, func() bool { return len(d.dialRequests()) == 2 && a.State() == StateConnected }) {
		t.Fatalf("did not reconnect: requests=%v state=%v", d.dialRequests(), a.State())
	}
	reqs := d.dialRequests()
	if reqs[0].Handle != "" || reqs[1].Handle != "resume-me" {
		t.Fatalf("dial handles=%v", reqs)
	}
	if !first.isClosed() {
		t.Fatalf("first connection left open")
	}
	if !states.seen(StateGoAway) || !states.seen(StateReconnecting) {
		t.Fatalf("states=%v, want go_away and reconnecting", states.states)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !second.isClosed() {
		t.Fatalf("Stop left in-flight connection open")
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := a.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop err=%v, want ErrStopped", err)
	}
}

func TestAgent_ResumeHandleSeedsFirstDial(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{script: []dialResult{{conn: conn}}}
	opts := DefaultOptions()
	opts.ResumeHandle = "from-journal"
	a, _ := New(opts, Dependencies{Dialer: d, Logger: quietLogger()})
	if got := a.Status().Handle; got != "from-journal" {
		t.Fatalf("Handle=%q before start, want seeded handle", got)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()
	if !waitFor(2*time.Second, func() bool { return len(d.dialRequests()) == 1 }) {
		t.Fatalf("no dial")
	}
	if got := d.dialRequests()[0].Handle; got != "from-journal" {
		t.Fatalf("first dial handle=%q, want from-journal", got)
	}
}

func TestAgent_StartContextCancelStopsAndAllowsRestart(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &scriptedDialer{script: []dialResult{{conn: first}, {conn: second}}}
	a, _ := New(DefaultOptions(), Dependencies{Dialer: d, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !waitFor(2*time.Second, func() bool { return a.State() == StateConnected }) {
		t.Fatalf("state=%v, want connected", a.State())
	}
	cancel()
	if !waitFor(2*time.Second, func() bool { return a.State() == StateStopped }) {
		t.Fatalf("state=%v after ctx cancel, want stopped", a.State())
	}
	if !first.isClosed() {
		t.Fatalf("connection left open after ctx cancel")
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !waitFor(2*time.Second, func() bool { return len(d.dialRequests()) == 2 && a.State() == StateConnected }) {
		t.Fatalf("no restart: requests=%d state=%v", len(d.dialRequests()), a.State())
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !second.isClosed() {
		t.Fatalf("Stop left restarted connection open")
	}
}

func TestAgent_ReceiveErrorIsTransient(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{script: []dialResult{{conn: conn}}}
	sleeps := newSleepRecorder(1)
	a, _ := New(DefaultOptions(), Dependencies{Dialer: d, Logger: quietLogger(), Sleep: sleeps.Sleep})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn.inbound <- recvResult{err: errors.New("socket reset")}

	select {
	case <-sleeps.reached:
	case <-time.After(2 * time.Second):
		t.Fatalf("no backoff sleep after receive error")
	}
	st := a.Status()
	if st.State != StateError || st.ErrorKind != ErrorReceive || st.Label() != "error:receive" {
		t.Fatalf("status=%+v", st)
	}
	if st.LastError == "" {
		t.Fatalf("last error not recorded")
	}
	if snap := a.Infer("still fine", nil); snap.Timestamp.IsZero() {
		t.Fatalf("Infer returned zero snapshot")
	}
	_ = a.Stop()
}

func TestSendLoop_Ordering(t *testing.T) {
	a, _ := New(Options{Enabled: false, AudioSampleRate: 16000}, Dependencies{Logger: quietLogger()})
	a.text.Push(TextItem{Kind: TextPrompt, Body: "p1"})
	a.text.Push(TextItem{Kind: TextContext, Body: "c1"})
	a.text.Push(TextItem{Kind: TextPrompt, Body: "p2"})

	audio := queue.New[[]byte](64)
	audio.Push([]byte("a1"))
	audio.Push([]byte("a2"))
	video := queue.New[[]byte](4)
	video.Push([]byte("v1"))
	video.Push([]byte("v2"))
	video.Push([]byte("v3"))

	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.sendLoop(ctx, conn, audio, video) }()

	if !waitFor(2*time.Second, func() bool { return len(conn.snapshotEvents()) >= 6 }) {
		t.Fatalf("events=%v", conn.snapshotEvents())
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("sendLoop err=%v, want context.Canceled", err)
	}

	want := []string{"text:p1", "text:c1", "text:p2", "audio:a1@16000", "video:v3", "audio:a2@16000"}
	if got := conn.snapshotEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	if conn.texts[1].Kind != TextContext || conn.texts[0].Kind != TextPrompt {
		t.Fatalf("turn completion flags wrong: %+v", conn.texts)
	}
}

func TestSendLoop_SendFailureEndsAttempt(t *testing.T) {
	a, _ := New(Options{Enabled: false}, Dependencies{Logger: quietLogger()})
	a.text.Push(TextItem{Kind: TextPrompt, Body: "p"})
	conn := newFakeConn()
	conn.sendErr = errors.New("broken pipe")

	err := a.sendLoop(context.Background(), conn, queue.New[[]byte](1), queue.New[[]byte](1))
	if kindOf(err) != ErrorSend {
		t.Fatalf("err=%v kind=%v, want send", err, kindOf(err))
	}
}

func TestAgent_CaptureFeedsSendLoop(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{script: []dialResult{{conn: conn}}}
	mic := capture.Func{Label: "audio", Fn: func(ctx context.Context, push func([]byte)) error {
		push([]byte("pcm"))
		<-ctx.Done()
		return nil
	}}
	opts := DefaultOptions()
	opts.PrimingPrompt = "prime"
	a, _ := New(opts, Dependencies{Dialer: d, Audio: mic, Logger: quietLogger()})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	if !waitFor(2*time.Second, func() bool { return len(conn.snapshotEvents()) >= 2 }) {
		t.Fatalf("events=%v", conn.snapshotEvents())
	}
	events := conn.snapshotEvents()
	if events[0] != "text:prime" || events[1] != "audio:pcm@16000" {
		t.Fatalf("events=%v", events)
	}
}
