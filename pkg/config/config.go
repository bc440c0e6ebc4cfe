package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-macro/pkg/core/controls"
)

const (
	DefaultModel       = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultTargetsPath = "config/ableton_targets.json"
)

// Config is the runtime configuration. Precedence, lowest first: Defaults,
// a YAML file, VAI_MACRO_* environment variables, command line flags.
type Config struct {
	TargetsPath    string        `yaml:"targets"`
	Interval       time.Duration `yaml:"interval"`
	Prompt         string        `yaml:"prompt"`
	Smoothing      time.Duration `yaml:"smoothing"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	MergePolicy    string        `yaml:"merge_policy"`
	DryRunControls bool          `yaml:"dry_run_controls"`

	Live            bool          `yaml:"live"`
	Model           string        `yaml:"model"`
	Hold            time.Duration `yaml:"hold"`
	Ramp            time.Duration `yaml:"neutral_ramp"`
	ContextInterval time.Duration `yaml:"context_interval"`
	Resume          bool          `yaml:"resume"`

	// Never read from the YAML file; see LoadCredential.
	APIKey string `yaml:"-"`

	Audio                bool    `yaml:"audio"`
	AudioSampleRate      int     `yaml:"audio_sample_rate"`
	AudioFramesPerBuffer int     `yaml:"audio_frames_per_buffer"`
	Video                bool    `yaml:"video"`
	VideoFPS             float64 `yaml:"video_fps"`

	JournalPath string `yaml:"journal"`
	HealthAddr  string `yaml:"health_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

func Defaults() Config {
	return Config{
		TargetsPath:          DefaultTargetsPath,
		Interval:             50 * time.Millisecond,
		Smoothing:            250 * time.Millisecond,
		Heartbeat:            2 * time.Second,
		MergePolicy:          string(controls.GestureOverrides),
		Model:                DefaultModel,
		Hold:                 2 * time.Second,
		Ramp:                 time.Second,
		ContextInterval:      time.Second,
		Audio:                true,
		AudioSampleRate:      16000,
		AudioFramesPerBuffer: 1024,
		Video:                true,
		VideoFPS:             1.0,
		LogLevel:             "info",
	}
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are
// rejected. An empty file leaves cfg unchanged.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays VAI_MACRO_* variables onto cfg. Unparseable values keep
// the current setting.
func ApplyEnv(cfg *Config) {
	cfg.TargetsPath = envOr("VAI_MACRO_TARGETS", cfg.TargetsPath)
	cfg.Interval = envDurationOr("VAI_MACRO_INTERVAL", cfg.Interval)
	cfg.Prompt = envOr("VAI_MACRO_PROMPT", cfg.Prompt)
	cfg.Smoothing = envDurationOr("VAI_MACRO_SMOOTHING", cfg.Smoothing)
	cfg.Heartbeat = envDurationOr("VAI_MACRO_HEARTBEAT", cfg.Heartbeat)
	cfg.MergePolicy = envOr("VAI_MACRO_MERGE_POLICY", cfg.MergePolicy)
	cfg.DryRunControls = envBoolOr("VAI_MACRO_DRY_RUN_CONTROLS", cfg.DryRunControls)
	cfg.Live = envBoolOr("VAI_MACRO_LIVE", cfg.Live)
	cfg.Model = envOr("VAI_MACRO_MODEL", cfg.Model)
	cfg.Hold = envDurationOr("VAI_MACRO_HOLD", cfg.Hold)
	cfg.Ramp = envDurationOr("VAI_MACRO_NEUTRAL_RAMP", cfg.Ramp)
	cfg.ContextInterval = envDurationOr("VAI_MACRO_CONTEXT_INTERVAL", cfg.ContextInterval)
	cfg.Resume = envBoolOr("VAI_MACRO_RESUME", cfg.Resume)
	cfg.Audio = envBoolOr("VAI_MACRO_AUDIO", cfg.Audio)
	cfg.AudioSampleRate = envIntOr("VAI_MACRO_AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	cfg.AudioFramesPerBuffer = envIntOr("VAI_MACRO_AUDIO_FRAMES_PER_BUFFER", cfg.AudioFramesPerBuffer)
	cfg.Video = envBoolOr("VAI_MACRO_VIDEO", cfg.Video)
	cfg.VideoFPS = envFloat64Or("VAI_MACRO_VIDEO_FPS", cfg.VideoFPS)
	cfg.JournalPath = envOr("VAI_MACRO_JOURNAL", cfg.JournalPath)
	cfg.HealthAddr = envOr("VAI_MACRO_HEALTH_ADDR", cfg.HealthAddr)
	cfg.LogLevel = envOr("VAI_MACRO_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBoolOr("VAI_MACRO_LOG_JSON", cfg.LogJSON)
}

// LoadCredential sets APIKey from GEMINI_API_KEY, falling back to
// GOOGLE_API_KEY.
func LoadCredential(cfg *Config) {
	cfg.APIKey = envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", cfg.APIKey))
}

// Resolve layers defaults, the optional YAML file, and the environment
// without validating, so callers can overlay flags first.
func Resolve(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)
	LoadCredential(&cfg)
	return cfg, nil
}

// Load is Resolve followed by Clamp and Validate.
func Load(path string) (Config, error) {
	cfg, err := Resolve(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Clamp raises capture and decay settings to their floors.
func (c *Config) Clamp() {
	c.AudioSampleRate = max(8000, c.AudioSampleRate)
	c.AudioFramesPerBuffer = max(128, c.AudioFramesPerBuffer)
	c.VideoFPS = max(0.1, c.VideoFPS)
	c.Hold = max(0, c.Hold)
	c.Ramp = max(10*time.Millisecond, c.Ramp)
	c.ContextInterval = max(100*time.Millisecond, c.ContextInterval)
}

// Validate returns the first invalid setting.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("VAI_MACRO_INTERVAL must be > 0")
	}
	if c.Smoothing < 0 {
		return fmt.Errorf("VAI_MACRO_SMOOTHING must be >= 0")
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("VAI_MACRO_HEARTBEAT must be >= 0")
	}
	if c.Hold < 0 {
		return fmt.Errorf("VAI_MACRO_HOLD must be >= 0")
	}
	if _, err := controls.ParseMergePolicy(c.MergePolicy); err != nil {
		return fmt.Errorf("VAI_MACRO_MERGE_POLICY: %w", err)
	}
	if strings.TrimSpace(c.TargetsPath) == "" && !c.DryRunControls {
		return fmt.Errorf("VAI_MACRO_TARGETS is required unless dry-run controls are enabled")
	}
	if c.Live && strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("VAI_MACRO_MODEL must not be empty when live mode is enabled")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VAI_MACRO_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if c.Resume && strings.TrimSpace(c.JournalPath) == "" {
		return fmt.Errorf("VAI_MACRO_RESUME requires VAI_MACRO_JOURNAL")
	}
	return nil
}

// Policy returns the parsed merge policy. Call after Validate.
func (c Config) Policy() controls.MergePolicy {
	p, err := controls.ParseMergePolicy(c.MergePolicy)
	if err != nil {
		return controls.GestureOverrides
	}
	return p
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
