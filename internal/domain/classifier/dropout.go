package classifier

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes a fraction of activations while training and rescales
// the rest so inference needs no correction.
type Dropout struct {
	name  string
	rate  float64
	dim   int
	seq   bool
	rng   *rand.Rand
	masks []*mat.Dense
}

func newDropout(name string, rate float64, dim int, seq bool, rng *rand.Rand) *Dropout {
	return &Dropout{name: name, rate: rate, dim: dim, seq: seq, rng: rng}
}

func (d *Dropout) Name() string     { return d.name }
func (d *Dropout) Kind() string     { return fmt.Sprintf("Dropout(%.2g)", d.rate) }
func (d *Dropout) OutputDim() int   { return d.dim }
func (d *Dropout) Sequential() bool { return d.seq }
func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) Forward(x Seq, train bool) Seq {
	if !train || d.rate <= 0 {
		return x
	}
	keep := 1 - d.rate
	scale := 1 / keep
	d.masks = d.masks[:0]
	out := make(Seq, len(x))
	for t, step := range x {
		r, c := step.Dims()
		mask := mat.NewDense(r, c, nil)
		md := mask.RawMatrix().Data
		for i := range md {
			if d.rng.Float64() < keep {
				md[i] = scale
			}
		}
		o := mat.NewDense(r, c, nil)
		o.MulElem(step, mask)
		out[t] = o
		d.masks = append(d.masks, mask)
	}
	return out
}

func (d *Dropout) Backward(grad Seq) Seq {
	out := make(Seq, len(grad))
	for t, g := range grad {
		r, c := g.Dims()
		o := mat.NewDense(r, c, nil)
		o.MulElem(g, d.masks[t])
		out[t] = o
	}
	return out
}
