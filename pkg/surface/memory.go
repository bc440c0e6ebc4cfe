package surface

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-go/vai-macro/pkg/core/queue"
)

const defaultTempo = 120.0

// WriteHistory is how many recent writes a MemoryWriter retains.
const WriteHistory = 1024

// Write is one recorded MemoryWriter update.
type Write struct {
	Target string
	Value  float64
}

// MemoryWriter is a Writer that keeps values in memory. It backs dry runs
// and tests. Only the most recent WriteHistory writes are kept.
type MemoryWriter struct {
	mu     sync.Mutex
	values map[string]float64
	tempo  float64
	writes *queue.BoundedLatest[Write]
	logger *slog.Logger
}

// NewMemoryWriter returns a writer with every target at its minimum and a
// 120 bpm tempo.
func NewMemoryWriter(logger *slog.Logger) *MemoryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryWriter{
		values: make(map[string]float64),
		tempo:  defaultTempo,
		writes: queue.New[Write](WriteHistory),
		logger: logger,
	}
}

// Parameter returns the stored value, or the target's minimum when nothing
// was written yet.
func (w *MemoryWriter) Parameter(t Target) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v, ok := w.values[t.Name]; ok {
		return v, nil
	}
	return t.MinValue, nil
}

func (w *MemoryWriter) SetParameter(t Target, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, had := w.values[t.Name]
	w.values[t.Name] = value
	w.writes.Push(Write{Target: t.Name, Value: value})
	if !had || prev != value {
		w.logger.Debug("dry-run parameter", "target", t.Name, "value", value)
	}
	return nil
}

func (w *MemoryWriter) Tempo() (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tempo, nil
}

func (w *MemoryWriter) SetTempo(bpm float64) error {
	if !(bpm > 0) {
		return fmt.Errorf("bpm must be > 0")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tempo = bpm
	return nil
}

// Writes returns the retained updates oldest first.
func (w *MemoryWriter) Writes() []Write {
	return w.writes.Snapshot()
}

// DroppedWrites reports how many updates fell out of the history.
func (w *MemoryWriter) DroppedWrites() uint64 {
	return w.writes.Dropped()
}

// Preset seeds a value without recording a write.
func (w *MemoryWriter) Preset(name string, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[name] = value
}
