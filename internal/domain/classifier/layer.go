package classifier

import (
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Size is the number of scalars in the parameter.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Layer is one stage of a Network. Forward with train=false must not
// mutate the layer so inference can run concurrently; Backward consumes
// the state cached by the last training Forward and accumulates into
// parameter gradients.
type Layer interface {
	Name() string
	Kind() string
	OutputDim() int
	Sequential() bool
	Forward(x Seq, train bool) Seq
	Backward(grad Seq) Seq
	Params() []*Param
}
