// Package sequence resamples variable-length landmark sequences to a fixed
// frame count.
package sequence

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/model"
)

// ErrInvalidLength is returned for a non-positive target length.
var ErrInvalidLength = errors.New("invalid sequence length")

// Matrix stacks a sequence into an N x FeatureCount matrix. An empty
// sequence yields nil.
func Matrix(seq model.Sequence) *mat.Dense {
	if len(seq) == 0 {
		return nil
	}
	data := make([]float64, 0, len(seq)*model.FeatureCount)
	for i := range seq {
		data = append(data, seq[i].Values[:]...)
	}
	return mat.NewDense(len(seq), model.FeatureCount, data)
}

// Normalize resamples seq to exactly length rows by per-feature linear
// interpolation over evenly spaced positions. A sequence already of the
// target length is copied unchanged, a single frame is repeated, and an
// empty sequence becomes all zeros.
func Normalize(seq model.Sequence, length int) (*mat.Dense, error) {
	if length < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if len(seq) == 0 {
		return mat.NewDense(length, model.FeatureCount, nil), nil
	}
	return Resample(Matrix(seq), length)
}

// Resample is Normalize over a row-per-frame matrix of any width.
func Resample(src mat.Matrix, length int) (*mat.Dense, error) {
	if length < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	n, cols := src.Dims()
	out := mat.NewDense(length, cols, nil)

	switch {
	case n == length:
		out.Copy(src)
		return out, nil
	case n == 1:
		row := mat.Row(nil, 0, src)
		for i := 0; i < length; i++ {
			out.SetRow(i, row)
		}
		return out, nil
	}

	nodes := make([]float64, n)
	floats.Span(nodes, 0, float64(n-1))
	positions := make([]float64, length)
	if length == 1 {
		positions[0] = 0
	} else {
		floats.Span(positions, 0, float64(n-1))
	}

	col := make([]float64, n)
	var pl interp.PiecewiseLinear
	for j := 0; j < cols; j++ {
		mat.Col(col, j, src)
		if err := pl.Fit(nodes, col); err != nil {
			return nil, fmt.Errorf("resample feature %d: %w", j, err)
		}
		for i, x := range positions {
			out.Set(i, j, pl.Predict(x))
		}
	}
	return out, nil
}
