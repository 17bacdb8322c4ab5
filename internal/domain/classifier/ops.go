package classifier

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Seq is a batch laid out per time step: Seq[t] is batch x features.
// Non-sequential tensors are a Seq of length one.
type Seq []*mat.Dense

// dataOf returns the row-major backing data of m, copying when m is a
// strided view.
func dataOf(m *mat.Dense) []float64 {
	r, c := m.Dims()
	raw := m.RawMatrix()
	if raw.Stride == c {
		return raw.Data[:r*c]
	}
	return mat.DenseCopyOf(m).RawMatrix().Data
}

// addBias adds the 1 x c row b to every row of m.
func addBias(m, b *mat.Dense) {
	r, c := m.Dims()
	bd := b.RawMatrix().Data
	md := m.RawMatrix().Data
	for i := 0; i < r; i++ {
		row := md[i*c : (i+1)*c]
		for j := range row {
			row[j] += bd[j]
		}
	}
}

// addColSums accumulates the column sums of m into the 1 x c row dst.
func addColSums(dst, m *mat.Dense) {
	r, c := m.Dims()
	dd := dst.RawMatrix().Data
	md := dataOf(m)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dd[j] += md[i*c+j]
		}
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softmaxRows replaces every row of m by its softmax.
func softmaxRows(m *mat.Dense) {
	r, c := m.Dims()
	d := m.RawMatrix().Data
	for i := 0; i < r; i++ {
		row := d[i*c : (i+1)*c]
		peak := row[0]
		for _, v := range row[1:] {
			peak = math.Max(peak, v)
		}
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - peak)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// probEpsilon clips probabilities inside the log like common frameworks do.
const probEpsilon = 1e-7

// crossEntropy returns mean categorical cross-entropy and accuracy of
// probabilities p against one-hot targets y.
func crossEntropy(p, y *mat.Dense) (loss, acc float64) {
	r, c := p.Dims()
	pd := dataOf(p)
	yd := dataOf(y)
	correct := 0
	for i := 0; i < r; i++ {
		best, truth := 0, 0
		for j := 0; j < c; j++ {
			v := pd[i*c+j]
			if yd[i*c+j] > 0 {
				loss -= yd[i*c+j] * math.Log(math.Min(math.Max(v, probEpsilon), 1-probEpsilon))
			}
			if v > pd[i*c+best] {
				best = j
			}
			if yd[i*c+j] > yd[i*c+truth] {
				truth = j
			}
		}
		if best == truth {
			correct++
		}
	}
	return loss / float64(r), float64(correct) / float64(r)
}

// glorot fills m with Glorot-uniform values for the given fans.
func glorot(m *mat.Dense, fanIn, fanOut int, rnd func() float64) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	d := m.RawMatrix().Data
	for i := range d {
		d[i] = (rnd()*2 - 1) * limit
	}
}
