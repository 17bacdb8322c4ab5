// Package scaler standardizes landmark features to zero mean and unit
// variance using statistics fitted on a training split.
package scaler

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Sentinel errors.
var (
	ErrNotFitted     = errors.New("scaler not fitted")
	ErrAlreadyFitted = errors.New("scaler already fitted")
	ErrDimension     = errors.New("feature dimension mismatch")
	ErrNoSamples     = errors.New("no samples to fit")
)

// State is the persisted form of a fitted scaler.
type State struct {
	Mean []float64 `msgpack:"mean" json:"mean"`
	Std  []float64 `msgpack:"std" json:"std"`
}

// Features returns the fitted width.
func (s State) Features() int { return len(s.Mean) }

// Scaler holds per-feature mean and standard deviation. Fit happens once;
// afterwards the scaler is read-only and safe for concurrent Transform.
type Scaler struct {
	features int
	state    *State
}

// New returns an unfitted scaler for vectors of the given width.
func New(features int) *Scaler {
	return &Scaler{features: features}
}

// FromState restores a fitted scaler.
func FromState(s State) (*Scaler, error) {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Std) {
		return nil, fmt.Errorf("%w: mean %d, std %d", ErrDimension, len(s.Mean), len(s.Std))
	}
	for i, v := range s.Std {
		if !(v > 0) {
			return nil, fmt.Errorf("scaler state: std[%d] = %v is not positive", i, v)
		}
	}
	st := State{
		Mean: append([]float64(nil), s.Mean...),
		Std:  append([]float64(nil), s.Std...),
	}
	return &Scaler{features: len(st.Mean), state: &st}, nil
}

// Fitted reports whether Fit has completed.
func (s *Scaler) Fitted() bool { return s.state != nil }

// Fit computes population statistics over every frame of every sample.
// Constant features get a std of 1 so they map to 0.
func (s *Scaler) Fit(samples []*mat.Dense) error {
	if s.state != nil {
		return ErrAlreadyFitted
	}
	rows := 0
	for i, x := range samples {
		r, c := x.Dims()
		if c != s.features {
			return fmt.Errorf("%w: sample %d has %d features, want %d", ErrDimension, i, c, s.features)
		}
		rows += r
	}
	if rows == 0 {
		return ErrNoSamples
	}

	stacked := mat.NewDense(rows, s.features, nil)
	at := 0
	for _, x := range samples {
		r, _ := x.Dims()
		stacked.Slice(at, at+r, 0, s.features).(*mat.Dense).Copy(x)
		at += r
	}

	st := State{Mean: make([]float64, s.features), Std: make([]float64, s.features)}
	col := make([]float64, rows)
	for j := 0; j < s.features; j++ {
		mat.Col(col, j, stacked)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		st.Mean[j], st.Std[j] = mean, std
	}
	s.state = &st
	return nil
}

// Transform returns (x - mean) / std column-wise. x is not modified.
func (s *Scaler) Transform(x mat.Matrix) (*mat.Dense, error) {
	if s.state == nil {
		return nil, ErrNotFitted
	}
	r, c := x.Dims()
	if c != s.features {
		return nil, fmt.Errorf("%w: got %d features, want %d", ErrDimension, c, s.features)
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.state.Mean[j]) / s.state.Std[j]
	}, x)
	return out, nil
}

// State returns a copy of the fitted statistics.
func (s *Scaler) State() (State, error) {
	if s.state == nil {
		return State{}, ErrNotFitted
	}
	return State{
		Mean: append([]float64(nil), s.state.Mean...),
		Std:  append([]float64(nil), s.state.Std...),
	}, nil
}
