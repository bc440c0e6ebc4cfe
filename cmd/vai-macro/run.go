package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-macro/pkg/capture"
	"github.com/vango-go/vai-macro/pkg/config"
	"github.com/vango-go/vai-macro/pkg/controlloop"
	"github.com/vango-go/vai-macro/pkg/health"
	"github.com/vango-go/vai-macro/pkg/journal"
	"github.com/vango-go/vai-macro/pkg/live"
	"github.com/vango-go/vai-macro/pkg/live/geminilive"
	"github.com/vango-go/vai-macro/pkg/surface"
	"github.com/vango-go/vai-macro/pkg/vision"
)

var errNoDeviceBinding = errors.New("no parameter device binding is built into this binary; use --dry-run-controls")

type runFlags struct {
	targets        string
	interval       time.Duration
	prompt         string
	live           bool
	model          string
	videoFPS       float64
	hold           time.Duration
	ramp           time.Duration
	dryRun         bool
	mergePolicy    string
	journalPath    string
	healthAddr     string
	resume         bool
	noAudio        bool
	noVideo        bool
	smoothing      time.Duration
	contextPushGap time.Duration
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.targets, "targets", config.DefaultTargetsPath, "path to the targets file (JSON or YAML)")
	fs.DurationVar(&f.interval, "interval", 50*time.Millisecond, "control loop interval")
	fs.StringVar(&f.prompt, "prompt", "", "optional high-level prompt sent to the live session")
	fs.BoolVar(&f.live, "gemini-live", false, "enable the Gemini Live audio/video/text session")
	fs.StringVar(&f.model, "gemini-model", config.DefaultModel, "Gemini Live model name")
	fs.Float64Var(&f.videoFPS, "gemini-video-fps", 1.0, "camera frame rate sent to the live session")
	fs.DurationVar(&f.hold, "gemini-hold", 2*time.Second, "hold controls this long after the last tool call")
	fs.DurationVar(&f.ramp, "gemini-neutral-ramp", time.Second, "ramp to neutral after the hold window")
	fs.DurationVar(&f.contextPushGap, "context-interval", time.Second, "minimum gap between runtime context pushes")
	fs.BoolVar(&f.dryRun, "dry-run-controls", false, "skip device writes and log normalized controls")
	fs.StringVar(&f.mergePolicy, "merge-policy", "gesture_overrides", "gesture_overrides|inference_overrides")
	fs.DurationVar(&f.smoothing, "smoothing", 250*time.Millisecond, "surface smoothing per batch")
	fs.StringVar(&f.journalPath, "journal", "", "SQLite journal path for tool calls and session handles")
	fs.BoolVar(&f.resume, "resume", false, "resume from the latest session handle in the journal")
	fs.StringVar(&f.healthAddr, "health-addr", "", "serve gRPC health on this address")
	fs.BoolVar(&f.noAudio, "no-audio", false, "do not capture the microphone")
	fs.BoolVar(&f.noVideo, "no-video", false, "do not capture the camera")
}

// apply copies explicitly set flags over cfg.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("targets", func() { cfg.TargetsPath = f.targets })
	set("interval", func() { cfg.Interval = f.interval })
	set("prompt", func() { cfg.Prompt = f.prompt })
	set("gemini-live", func() { cfg.Live = f.live })
	set("gemini-model", func() { cfg.Model = f.model })
	set("gemini-video-fps", func() { cfg.VideoFPS = f.videoFPS })
	set("gemini-hold", func() { cfg.Hold = f.hold })
	set("gemini-neutral-ramp", func() { cfg.Ramp = f.ramp })
	set("context-interval", func() { cfg.ContextInterval = f.contextPushGap })
	set("dry-run-controls", func() { cfg.DryRunControls = f.dryRun })
	set("merge-policy", func() { cfg.MergePolicy = f.mergePolicy })
	set("smoothing", func() { cfg.Smoothing = f.smoothing })
	set("journal", func() { cfg.JournalPath = f.journalPath })
	set("resume", func() { cfg.Resume = f.resume })
	set("health-addr", func() { cfg.HealthAddr = f.healthAddr })
	set("no-audio", func() { cfg.Audio = !f.noAudio })
	set("no-video", func() { cfg.Video = !f.noVideo })
}

type runDeps struct {
	newDialer func(cfg config.Config, logger *slog.Logger) live.Dialer
	newAudio  func(cfg config.Config, logger *slog.Logger) capture.Source
	newVideo  func(cfg config.Config, logger *slog.Logger) capture.Source
	newWriter func(targets []surface.Target, logger *slog.Logger) (surface.Writer, error)
}

func defaultRunDeps() runDeps {
	return runDeps{
		newDialer: func(cfg config.Config, logger *slog.Logger) live.Dialer {
			return geminilive.NewDialer(cfg.APIKey, cfg.Model, logger)
		},
		newAudio: func(cfg config.Config, logger *slog.Logger) capture.Source {
			return capture.NewAudioSource(cfg.AudioSampleRate, cfg.AudioFramesPerBuffer, logger)
		},
		newVideo: func(cfg config.Config, logger *slog.Logger) capture.Source {
			return capture.NewVideoSource(cfg.VideoFPS, logger)
		},
		newWriter: func([]surface.Target, *slog.Logger) (surface.Writer, error) {
			return nil, errNoDeviceBinding
		},
	}
}

func runCommand(cmd *cobra.Command, g *globalFlags, rf *runFlags, stderr io.Writer, deps runDeps) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	rf.apply(cmd.Flags(), &cfg)
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = g.logJSON
	}
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(stderr, cfg.LogLevel, cfg.LogJSON)
	return runController(cmd.Context(), cfg, logger, deps)
}

func loadRunTargets(cfg config.Config, logger *slog.Logger) ([]surface.Target, error) {
	targets, err := surface.LoadTargets(cfg.TargetsPath)
	if err == nil {
		return targets, nil
	}
	if cfg.DryRunControls && (cfg.TargetsPath == "" || errors.Is(err, os.ErrNotExist)) {
		logger.Warn("targets file not found, using unit-range defaults for dry run", "path", cfg.TargetsPath)
		return surface.DefaultTargets(), nil
	}
	return nil, err
}

func runController(ctx context.Context, cfg config.Config, logger *slog.Logger, deps runDeps) error {
	targets, err := loadRunTargets(cfg, logger)
	if err != nil {
		return err
	}
	if err := surface.CheckMacroContract(targets); err != nil {
		logger.Warn("targets do not cover the macro set", "error", err)
	}

	var writer surface.Writer
	if cfg.DryRunControls {
		writer = surface.NewMemoryWriter(logger)
	} else {
		if writer, err = deps.newWriter(targets, logger); err != nil {
			return err
		}
	}
	surf, err := surface.New(targets, writer, surface.Options{Logger: logger})
	if err != nil {
		return err
	}

	agentID := uuid.NewString()
	opts := live.DefaultOptions()
	opts.Enabled = cfg.Live
	opts.Hold = cfg.Hold
	opts.Ramp = cfg.Ramp
	opts.ContextInterval = cfg.ContextInterval
	opts.AudioSampleRate = cfg.AudioSampleRate

	agentDeps := live.Dependencies{Logger: logger, ID: agentID}
	if cfg.Live {
		agentDeps.Dialer = deps.newDialer(cfg, logger)
		if cfg.Audio {
			agentDeps.Audio = deps.newAudio(cfg, logger)
		}
		if cfg.Video {
			agentDeps.Video = deps.newVideo(cfg, logger)
		}
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, journal.Options{AgentID: agentID, Logger: logger})
		if err != nil {
			return err
		}
		defer j.Close()
		if cfg.Resume {
			if rec, ok, err := j.LatestHandle(ctx, ""); err != nil {
				return err
			} else if ok {
				opts.ResumeHandle = rec.Handle
				logger.Info("resuming live session", "handle", rec.Handle, "previous_agent_id", rec.AgentID)
			}
		}
		agentDeps.ToolObserver = j
		agentDeps.HandleObserver = j
	}

	var reporter *health.Reporter
	if cfg.HealthAddr != "" {
		reporter = health.NewReporter(logger)
		agentDeps.StateObserver = reporter
	}

	agent, err := live.New(opts, agentDeps)
	if err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := agent.Stop(); err != nil {
			logger.Warn("stop agent", "error", err)
		}
		logger.Info("agent stopped", "agent_id", agentID)
	}()

	loop := newControlLoop(cfg, agent, surf, logger)
	logger.Info("control loop starting",
		"agent_id", agentID,
		"live", cfg.Live,
		"dry_run", cfg.DryRunControls,
		"targets", len(targets),
		"merge_policy", string(loop.Policy),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil {
			return fmt.Errorf("control loop: %w", err)
		}
		return nil
	})
	if reporter != nil {
		g.Go(func() error { return reporter.ListenAndServe(gctx, cfg.HealthAddr) })
	}
	return g.Wait()
}

// newControlLoop builds the tick loop. Dry runs apply batches unsmoothed so
// the loop keeps its interval.
func newControlLoop(cfg config.Config, agent controlloop.Inferrer, sink surface.Sink, logger *slog.Logger) *controlloop.Loop {
	label := ""
	smoothing := cfg.Smoothing
	switch {
	case cfg.DryRunControls:
		label = "dry-run"
		smoothing = 0
	case cfg.Live:
		label = "live"
	}
	return &controlloop.Loop{
		Agent:     agent,
		Vision:    vision.NewEngine(nil),
		Sink:      sink,
		Policy:    cfg.Policy(),
		Prompt:    cfg.Prompt,
		Interval:  cfg.Interval,
		Smoothing: smoothing,
		Heartbeat: cfg.Heartbeat,
		Label:     label,
		Logger:    logger,
	}
}
