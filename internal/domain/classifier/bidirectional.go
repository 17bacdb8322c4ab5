package classifier

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// biLSTM runs one LSTM forward and one backward in time and
// concatenates their outputs feature-wise.
type biLSTM struct {
	name     string
	forward  *LSTM
	backward *LSTM
}

func newBiLSTM(name string, in, units int, returnSeq bool, rnd func() float64) *biLSTM {
	return &biLSTM{
		name:     name,
		forward:  newLSTM(name+"/forward", in, units, returnSeq, false, rnd),
		backward: newLSTM(name+"/backward", in, units, returnSeq, true, rnd),
	}
}

func (b *biLSTM) Name() string { return b.name }

func (b *biLSTM) Kind() string {
	return fmt.Sprintf("Bidirectional(LSTM(%d))", b.forward.units)
}

func (b *biLSTM) OutputDim() int   { return 2 * b.forward.units }
func (b *biLSTM) Sequential() bool { return b.forward.returnSeq }

func (b *biLSTM) Params() []*Param {
	return append(b.forward.Params(), b.backward.Params()...)
}

func (b *biLSTM) Forward(x Seq, train bool) Seq {
	f := b.forward.Forward(x, train)
	r := b.backward.Forward(x, train)
	out := make(Seq, len(f))
	for t := range f {
		rows, cf := f[t].Dims()
		_, cr := r[t].Dims()
		cat := mat.NewDense(rows, cf+cr, nil)
		cat.Augment(f[t], r[t])
		out[t] = cat
	}
	return out
}

func (b *biLSTM) Backward(grad Seq) Seq {
	units := b.forward.units
	gf := make(Seq, len(grad))
	gr := make(Seq, len(grad))
	for t, g := range grad {
		rows, _ := g.Dims()
		gf[t] = mat.DenseCopyOf(g.Slice(0, rows, 0, units))
		gr[t] = mat.DenseCopyOf(g.Slice(0, rows, units, 2*units))
	}
	df := b.forward.Backward(gf)
	dr := b.backward.Backward(gr)
	for t := range df {
		df[t].Add(df[t], dr[t])
	}
	return df
}
