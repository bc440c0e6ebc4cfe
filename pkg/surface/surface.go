package surface

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-macro/pkg/core/controls"
)

// Writer is the device binding underneath a Surface. Values are absolute,
// in the target's own range.
type Writer interface {
	Parameter(t Target) (float64, error)
	SetParameter(t Target, value float64) error
	Tempo() (float64, error)
	SetTempo(bpm float64) error
}

// Sink is what the control loop hands mapped values to.
type Sink interface {
	SetBatchNormalized(values map[string]float64, smoothing time.Duration) error
}

const DefaultSmoothingHz = 50.0

// Options configures a Surface. Sleep and Logger default to time.Sleep and
// slog.Default.
type Options struct {
	SmoothingHz float64
	Sleep       func(time.Duration)
	Logger      *slog.Logger
}

// Surface applies normalized values to a Writer. It remembers the baseline
// captured by Resolve and the last normalized value written per target.
type Surface struct {
	writer      Writer
	targets     map[string]Target
	names       []string
	smoothingHz float64
	sleep       func(time.Duration)
	logger      *slog.Logger

	mu       sync.Mutex
	resolved bool
	baseline map[string]float64
	current  map[string]float64
}

var ErrNoTargets = errors.New("surface: no targets configured")

// New validates targets and returns a Surface writing through w. The
// baseline is read by Resolve or on first use.
func New(targets []Target, w Writer, opts Options) (*Surface, error) {
	if w == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if err := ValidateTargets(targets); err != nil {
		return nil, err
	}
	if opts.SmoothingHz < 1 {
		opts.SmoothingHz = DefaultSmoothingHz
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Surface{
		writer:      w,
		targets:     make(map[string]Target, len(targets)),
		smoothingHz: opts.SmoothingHz,
		sleep:       opts.Sleep,
		logger:      opts.Logger,
		baseline:    make(map[string]float64),
		current:     make(map[string]float64),
	}
	for _, t := range targets {
		s.targets[t.Name] = t
		s.names = append(s.names, t.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Targets returns the configured targets sorted by name.
func (s *Surface) Targets() []Target {
	out := make([]Target, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.targets[name])
	}
	return out
}

// Resolve reads every target's current value and records it as the
// baseline used by SafeReset.
func (s *Surface) Resolve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked()
}

func (s *Surface) resolveLocked() error {
	baseline := make(map[string]float64, len(s.names))
	current := make(map[string]float64, len(s.names))
	for _, name := range s.names {
		t := s.targets[name]
		abs, err := s.writer.Parameter(t)
		if err != nil {
			return fmt.Errorf("resolve target %q: %w", name, err)
		}
		baseline[name] = abs
		current[name] = AbsoluteToNormalized(t, abs)
	}
	s.baseline = baseline
	s.current = current
	s.resolved = true
	return nil
}

func (s *Surface) ensureResolvedLocked() error {
	if s.resolved {
		return nil
	}
	return s.resolveLocked()
}

func (s *Surface) target(name string) (Target, error) {
	t, ok := s.targets[name]
	if !ok {
		known := append([]string(nil), s.names...)
		return Target{}, &controls.UnknownTargetError{Name: name, Known: known}
	}
	return t, nil
}

// SetNormalized writes one target immediately.
func (s *Surface) SetNormalized(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureResolvedLocked(); err != nil {
		return err
	}
	return s.setLocked(name, value)
}

func (s *Surface) setLocked(name string, value float64) error {
	t, err := s.target(name)
	if err != nil {
		return err
	}
	n := clampUnit(value)
	if err := s.writer.SetParameter(t, NormalizedToAbsolute(t, n)); err != nil {
		return fmt.Errorf("set %q: %w", name, err)
	}
	s.current[name] = n
	return nil
}

// SetBatchNormalized writes every value, interpolating linearly from the
// last written values over smoothing at SmoothingHz steps. Every name is
// checked before anything is written.
func (s *Surface) SetBatchNormalized(values map[string]float64, smoothing time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureResolvedLocked(); err != nil {
		return err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		if _, err := s.target(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if smoothing <= 0 {
		for _, name := range names {
			if err := s.setLocked(name, values[name]); err != nil {
				return err
			}
		}
		return nil
	}

	steps := max(1, int(smoothing.Seconds()*s.smoothingHz))
	stepSleep := smoothing / time.Duration(steps)
	start := make(map[string]float64, len(names))
	for _, name := range names {
		start[name] = s.current[name]
	}

	for step := 1; step <= steps; step++ {
		alpha := float64(step) / float64(steps)
		for _, name := range names {
			end := clampUnit(values[name])
			if err := s.setLocked(name, start[name]+(end-start[name])*alpha); err != nil {
				return err
			}
		}
		if stepSleep > 0 {
			s.sleep(stepSleep)
		}
	}
	return nil
}

// SafeReset returns every target to the baseline captured by Resolve, or to
// the midpoint when no baseline exists.
func (s *Surface) SafeReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureResolvedLocked(); err != nil {
		return err
	}
	for _, name := range s.names {
		t := s.targets[name]
		abs, ok := s.baseline[name]
		if !ok {
			abs = NormalizedToAbsolute(t, 0.5)
		}
		if err := s.writer.SetParameter(t, abs); err != nil {
			return fmt.Errorf("reset %q: %w", name, err)
		}
		s.current[name] = AbsoluteToNormalized(t, abs)
	}
	s.logger.Info("surface reset to baseline", "targets", len(s.names))
	return nil
}

// Current returns a copy of the last normalized value written per target.
func (s *Surface) Current() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.current))
	for k, v := range s.current {
		out[k] = v
	}
	return out
}

func (s *Surface) Tempo() (float64, error) {
	return s.writer.Tempo()
}

func (s *Surface) SetTempo(bpm float64) error {
	if !(bpm > 0) {
		return fmt.Errorf("bpm must be > 0")
	}
	return s.writer.SetTempo(bpm)
}
