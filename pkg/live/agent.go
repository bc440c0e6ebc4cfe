// Package live supervises a persistent duplex session with the inference
// backend. It multiplexes prompts, context updates, audio, and video into the
// session, turns streamed tool calls into control updates, and serves a
// time-decayed control snapshot without ever blocking the caller.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-macro/pkg/capture"
	"github.com/vango-go/vai-macro/pkg/core/controls"
	"github.com/vango-go/vai-macro/pkg/core/queue"
	"github.com/vango-go/vai-macro/pkg/core/toolcall"
)

const (
	DefaultPrimingPrompt = "Operate autonomously from live audio/video input. " +
		"Prioritize tool use over natural language. " +
		"Call set_macro_controls repeatedly (roughly every 1-2 seconds) " +
		"with meaningful parameter updates in [-1, 1]. " +
		"Only valid keys are: filter_macro, beat_repeat_macro, reverb_macro, eq_low_macro. " +
		"Do not use keys like filter, volume, pitch, tempo, eq_high, eq_mid, crossfade. " +
		"Interpret body language strongly: repeated fist pumping, rapid arm pushes, large up/down movement, " +
		"high facial excitement, and strong vocal energy mean build-up/high energy. " +
		"For high energy: push filter_macro up (0.5~1.0), reverb_macro up (0.2~0.8), " +
		"and pulse beat_repeat_macro (0.1~0.7) briefly. " +
		"Interpret pre-drop tension cues (focused face, preparing posture, reduced movement, anticipation) " +
		"as controlled build: keep filter high, reverb moderate, beat repeat restrained. " +
		"Interpret calm/down energy (small movement, relaxed posture, low vocal intensity) " +
		"as low intensity: reduce effects and move toward neutral. " +
		"Do not output long explanations; prefer tool calls."

	defaultTextQueueSize  = 64
	defaultAudioQueueSize = 64
	defaultVideoQueueSize = 4
)

// Options tunes the supervisor, decay, and capture queues. New clamps
// out-of-range values and fills unset loop settings from DefaultOptions.
type Options struct {
	Enabled         bool
	Hold            time.Duration
	Ramp            time.Duration
	ContextInterval time.Duration
	AudioSampleRate int
	PrimingPrompt   string
	IdleWait        time.Duration
	GracefulPause   time.Duration
	Backoff         Backoff
	TextQueueSize   int
	AudioQueueSize  int
	VideoQueueSize  int
	// ResumeHandle seeds the first dial, e.g. from a previous run's journal.
	ResumeHandle string
}

// DefaultOptions returns the settings used when live mode is enabled from
// the command line.
func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		Hold:            2 * time.Second,
		Ramp:            time.Second,
		ContextInterval: time.Second,
		AudioSampleRate: capture.DefaultSampleRate,
		PrimingPrompt:   DefaultPrimingPrompt,
		IdleWait:        10 * time.Millisecond,
		GracefulPause:   200 * time.Millisecond,
		Backoff:         DefaultBackoff(),
		TextQueueSize:   defaultTextQueueSize,
		AudioQueueSize:  defaultAudioQueueSize,
		VideoQueueSize:  defaultVideoQueueSize,
	}
}

// Dependencies are the collaborators an Agent drives. Only Dialer is required,
// and only when live mode is enabled.
type Dependencies struct {
	Dialer Dialer
	// Audio and Video are optional capture producers run for each attempt.
	Audio capture.Source
	Video capture.Source

	Logger         *slog.Logger
	StateObserver  StateObserver
	HandleObserver HandleObserver
	ToolObserver   toolcall.Observer
	ID             string
	Now            func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
}

// Agent is one logical live agent. Construct a fresh Agent per instance;
// nothing is shared between agents.
type Agent struct {
	opts   Options
	dialer Dialer
	audio  capture.Source
	video  capture.Source
	logger *slog.Logger
	id     string
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	stateObserver  StateObserver
	handleObserver HandleObserver

	controls *controls.State
	handler  *toolcall.Handler
	reasm    *toolcall.Reassembler
	text     *queue.BoundedLatest[TextItem]

	lifeMu  sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error

	mu        sync.RWMutex
	state     State
	errKind   ErrorKind
	handle    string
	lastText  string
	lastError string
	attempts  int

	inferMu       sync.Mutex
	lastPrompt    string
	lastContextAt time.Time
	contextSent   bool
}

// New builds an idle Agent. Nothing is dialed until Start.
func New(opts Options, deps Dependencies) (*Agent, error) {
	if opts.Enabled && deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required when live mode is enabled")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.ID == "" {
		deps.ID = uuid.NewString()
	}
	opts = normalizeOptions(opts)

	a := &Agent{
		opts:           opts,
		dialer:         deps.Dialer,
		audio:          deps.Audio,
		video:          deps.Video,
		logger:         deps.Logger.With("agent_id", deps.ID),
		id:             deps.ID,
		now:            deps.Now,
		sleep:          deps.Sleep,
		stateObserver:  deps.StateObserver,
		handleObserver: deps.HandleObserver,
		controls:       controls.NewState(controls.Decay{Hold: opts.Hold, Ramp: opts.Ramp}),
		reasm:          toolcall.NewReassembler(),
		text:           queue.New[TextItem](opts.TextQueueSize),
		state:          StateIdle,
		handle:         opts.ResumeHandle,
	}
	a.handler = &toolcall.Handler{Committer: a.controls, Observer: deps.ToolObserver, Now: deps.Now}
	return a, nil
}

func normalizeOptions(opts Options) Options {
	def := DefaultOptions()
	opts.Hold = max(0, opts.Hold)
	if opts.Ramp < 10*time.Millisecond {
		opts.Ramp = 10 * time.Millisecond
	}
	if opts.ContextInterval < 100*time.Millisecond {
		opts.ContextInterval = 100 * time.Millisecond
	}
	if opts.AudioSampleRate < 8000 {
		opts.AudioSampleRate = 8000
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = def.IdleWait
	}
	if opts.GracefulPause <= 0 {
		opts.GracefulPause = def.GracefulPause
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.TextQueueSize <= 0 {
		opts.TextQueueSize = def.TextQueueSize
	}
	if opts.AudioQueueSize <= 0 {
		opts.AudioQueueSize = def.AudioQueueSize
	}
	if opts.VideoQueueSize <= 0 {
		opts.VideoQueueSize = def.VideoQueueSize
	}
	return opts
}

// Start launches the supervisor. With live mode disabled it settles in
// StateDisabled and returns nil. Calling Start while running is a no-op.
// Cancelling ctx ends the supervisor in StateStopped; Start may then be
// called again until Stop.
func (a *Agent) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.stopped {
		return ErrStopped
	}
	if a.running {
		select {
		case <-a.done:
			// The previous Start context ended; allow a fresh supervisor.
			a.cancel()
			a.cancel = nil
			a.running = false
		default:
			return nil
		}
	}
	if !a.opts.Enabled {
		a.setState(StateDisabled, ErrorNone)
		return nil
	}
	if checker, ok := a.dialer.(CredentialChecker); ok {
		if err := checker.CheckCredential(); err != nil {
			return fmt.Errorf("%w: %v", ErrMissingCredential, err)
		}
	}
	for _, src := range []capture.Source{a.audio, a.video} {
		if src == nil {
			continue
		}
		if p, ok := src.(capture.Prober); ok {
			if err := p.Probe(); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrCaptureUnavailable, src.Name(), err)
			}
		}
	}

	a.mu.Lock()
	a.lastError = ""
	a.mu.Unlock()
	a.setState(StateStarting, ErrorNone)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.supervise(runCtx, a.done)
	return nil
}

// Stop cancels the supervisor and every task of the in-flight attempt, waits
// for all of them, and leaves the agent in StateStopped. It is idempotent.
func (a *Agent) Stop() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.stopped {
		return a.runErr
	}
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel = nil
	}
	a.running = false
	a.setState(StateStopped, ErrorNone)
	a.logger.Info("live agent stopped")
	return a.runErr
}

// Infer submits the prompt (only when it differs from the last one) and, at
// most once per context interval, a serialized context update. It then
// returns the decayed control snapshot. It never waits on the network.
func (a *Agent) Infer(prompt string, runtimeContext map[string]any) controls.Snapshot {
	now := a.now()

	a.inferMu.Lock()
	if prompt != "" && prompt != a.lastPrompt {
		a.lastPrompt = prompt
		a.text.Push(TextItem{Kind: TextPrompt, Body: prompt})
	}
	if runtimeContext != nil && (!a.contextSent || now.Sub(a.lastContextAt) >= a.opts.ContextInterval) {
		a.lastContextAt = now
		a.contextSent = true
		body, err := json.Marshal(runtimeContext)
		if err != nil {
			a.logger.Debug("context update not serializable", "error", err)
		} else {
			a.text.Push(TextItem{Kind: TextContext, Body: string(body)})
		}
	}
	a.inferMu.Unlock()

	return controls.Snapshot{Timestamp: now, Controls: a.controls.SnapshotAt(now)}
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) SessionHandle() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handle
}

func (a *Agent) LastText() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastText
}

func (a *Agent) LastError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastError
}

func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statusLocked()
}

// PendingText reports how many text items await the send loop.
func (a *Agent) PendingText() int { return a.text.Len() }

func (a *Agent) statusLocked() Status {
	return Status{
		AgentID:   a.id,
		State:     a.state,
		ErrorKind: a.errKind,
		Handle:    a.handle,
		LastText:  a.lastText,
		LastError: a.lastError,
		Attempts:  a.attempts,
		Connected: a.state == StateConnected,
	}
}

func (a *Agent) setState(state State, kind ErrorKind) {
	a.mu.Lock()
	changed := a.state != state || a.errKind != kind
	a.state = state
	a.errKind = kind
	st := a.statusLocked()
	a.mu.Unlock()

	if !changed {
		return
	}
	a.logger.Info("live state", "state", st.Label(), "attempts", st.Attempts)
	if a.stateObserver != nil {
		a.stateObserver.ObserveState(st)
	}
}

func (a *Agent) setHandle(handle string) {
	a.mu.Lock()
	changed := a.handle != handle
	a.handle = handle
	a.mu.Unlock()

	if changed && a.handleObserver != nil {
		a.handleObserver.ObserveHandle(a.id, handle)
	}
}

func (a *Agent) setLastText(text string) {
	a.mu.Lock()
	a.lastText = text
	a.lastError = ""
	a.mu.Unlock()
}

func (a *Agent) setLastError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.mu.Unlock()
}
