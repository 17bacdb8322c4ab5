package realtime

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/model"
)

// WindowState describes how full a Window is.
type WindowState int

// Window states.
const (
	Empty WindowState = iota
	Filling
	Ready
)

func (s WindowState) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Filling:
		return "FILLING"
	case Ready:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s WindowState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Window is a fixed-capacity ring of landmark vectors. Pushing into a full
// window evicts the oldest vector.
type Window struct {
	mu    sync.Mutex
	buf   [][model.FeatureCount]float64
	head  int
	count int
}

// NewWindow returns an empty window holding up to capacity vectors.
func NewWindow(capacity int) *Window {
	return &Window{buf: make([][model.FeatureCount]float64, max(1, capacity))}
}

// Cap returns the capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Len returns the number of buffered vectors.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Push appends v.
func (w *Window) Push(v [model.FeatureCount]float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := (w.head + w.count) % len(w.buf)
	w.buf[idx] = v
	if w.count < len(w.buf) {
		w.count++
		return
	}
	w.head = (w.head + 1) % len(w.buf)
}

// State reports EMPTY, FILLING or READY.
func (w *Window) State() WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state()
}

func (w *Window) state() WindowState {
	switch {
	case w.count == 0:
		return Empty
	case w.count < len(w.buf):
		return Filling
	default:
		return Ready
	}
}

// Snapshot copies the buffered vectors oldest first into a Len x F matrix.
func (w *Window) Snapshot() *mat.Dense {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return nil
	}
	out := mat.NewDense(w.count, model.FeatureCount, nil)
	for i := 0; i < w.count; i++ {
		row := w.buf[(w.head+i)%len(w.buf)]
		out.SetRow(i, row[:])
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.head, w.count = 0, 0
}
