// Package controlloop drives the host side of macro control: it polls the
// gesture source, asks the live agent for its current controls, merges and
// maps them, and applies the result to the parameter surface.
package controlloop

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/vango-go/vai-macro/pkg/core/controls"
	"github.com/vango-go/vai-macro/pkg/live"
	"github.com/vango-go/vai-macro/pkg/surface"
	"github.com/vango-go/vai-macro/pkg/vision"
)

const heartbeatTextLimit = 80

// Inferrer is the agent surface the loop needs. *live.Agent satisfies it.
type Inferrer interface {
	Infer(prompt string, runtimeContext map[string]any) controls.Snapshot
	Status() live.Status
}

// Loop is configured by its exported fields; zero values take defaults in
// Run.
type Loop struct {
	Agent  Inferrer
	Vision vision.Poller
	Sink   surface.Sink

	Policy    controls.MergePolicy
	Prompt    string
	Interval  time.Duration
	Smoothing time.Duration
	// Heartbeat is the status line period. Zero disables it.
	Heartbeat time.Duration
	// Label prefixes change and heartbeat lines ("live", "dry-run"). Empty
	// disables both.
	Label string

	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error

	lastApplied   map[string]float64
	lastHeartbeat time.Time
}

// Run ticks until ctx is done. It returns nil on cancellation and the error
// for a target mismatch between the controls and the surface.
func (l *Loop) Run(ctx context.Context) error {
	l.defaults()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.Tick(ctx); err != nil {
			return err
		}
		if err := l.Sleep(ctx, l.Interval); err != nil {
			return nil
		}
	}
}

func (l *Loop) defaults() {
	if l.Interval <= 0 {
		l.Interval = 50 * time.Millisecond
	}
	if l.Policy == "" {
		l.Policy = controls.GestureOverrides
	}
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	if l.Sleep == nil {
		l.Sleep = sleepCtx
	}
}

// Tick runs one iteration without sleeping.
func (l *Loop) Tick(ctx context.Context) error {
	l.defaults()

	var gesture controls.Snapshot
	if l.Vision != nil {
		gesture = l.Vision.Poll()
	}
	inference := l.Agent.Infer(l.Prompt, map[string]any{"vision_ts": unixSeconds(gesture.Timestamp)})

	merged := controls.Merge(l.Policy, inference.Controls, gesture.Controls)
	if len(merged) > 0 {
		if err := l.apply(merged); err != nil {
			return err
		}
	}
	l.heartbeat()
	return nil
}

func (l *Loop) apply(merged map[string]float64) error {
	normalized, err := controls.MapBatch(merged)
	if err != nil {
		return err
	}
	if l.Sink != nil {
		if err := l.Sink.SetBatchNormalized(normalized, l.Smoothing); err != nil {
			var unknown *controls.UnknownTargetError
			if errors.As(err, &unknown) {
				return err
			}
			l.Logger.Warn("apply controls failed", "error", err)
			return nil
		}
	}
	if l.Label != "" && !maps.Equal(normalized, l.lastApplied) {
		l.Logger.Info("applied controls", "mode", l.Label, "controls", normalized)
	}
	l.lastApplied = normalized
	return nil
}

func (l *Loop) heartbeat() {
	if l.Label == "" || l.Heartbeat <= 0 {
		return
	}
	now := l.Now()
	if !l.lastHeartbeat.IsZero() && now.Sub(l.lastHeartbeat) < l.Heartbeat {
		return
	}
	l.lastHeartbeat = now

	st := l.Agent.Status()
	l.Logger.Info("heartbeat",
		"mode", l.Label,
		"live_state", st.Label(),
		"handle", orDash(st.Handle),
		"last_text", orDash(Snippet(st.LastText)),
		"last_error", orDash(st.LastError),
	)
}

// Snippet flattens text onto one line and shortens it to 80 characters.
func Snippet(text string) string {
	s := strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	r := []rune(s)
	if len(r) > heartbeatTextLimit {
		return string(r[:heartbeatTextLimit-3]) + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
