package classifier

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Activation is the nonlinearity applied after a Dense projection.
type Activation int

// Supported activations.
const (
	Linear Activation = iota
	ReLU
	Softmax
)

func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	case Softmax:
		return "softmax"
	default:
		return "linear"
	}
}

// Dense is a fully connected layer over a flat batch. With Softmax, the
// gradient passed to Backward is taken to be the gradient of the loss with
// respect to the logits (softmax fused with cross-entropy).
type Dense struct {
	name    string
	in, out int
	act     Activation

	kernel *Param
	bias   *Param

	x, y *mat.Dense
}

func newDense(name string, in, out int, act Activation, rnd func() float64) *Dense {
	d := &Dense{
		name:   name,
		in:     in,
		out:    out,
		act:    act,
		kernel: newParam(name+"/kernel", in, out),
		bias:   newParam(name+"/bias", 1, out),
	}
	glorot(d.kernel.Value, in, out, rnd)
	return d
}

func (d *Dense) Name() string { return d.name }

func (d *Dense) Kind() string {
	return fmt.Sprintf("Dense(%d, %s)", d.out, d.act)
}

func (d *Dense) OutputDim() int   { return d.out }
func (d *Dense) Sequential() bool { return false }
func (d *Dense) Params() []*Param { return []*Param{d.kernel, d.bias} }

func (d *Dense) Forward(x Seq, train bool) Seq {
	in := x[0]
	batch, _ := in.Dims()
	y := mat.NewDense(batch, d.out, nil)
	y.Mul(in, d.kernel.Value)
	addBias(y, d.bias.Value)
	switch d.act {
	case ReLU:
		yd := y.RawMatrix().Data
		for i, v := range yd {
			if v < 0 {
				yd[i] = 0
			}
		}
	case Softmax:
		softmaxRows(y)
	}
	if train {
		d.x, d.y = in, y
	}
	return Seq{y}
}

func (d *Dense) Backward(grad Seq) Seq {
	batch, _ := d.y.Dims()
	dy := mat.NewDense(batch, d.out, nil)
	dy.Copy(grad[0])
	if d.act == ReLU {
		dd := dy.RawMatrix().Data
		yd := dataOf(d.y)
		for i := range dd {
			if yd[i] <= 0 {
				dd[i] = 0
			}
		}
	}

	var gk mat.Dense
	gk.Mul(d.x.T(), dy)
	d.kernel.Grad.Add(d.kernel.Grad, &gk)
	addColSums(d.bias.Grad, dy)

	dx := mat.NewDense(batch, d.in, nil)
	dx.Mul(dy, d.kernel.Value.T())
	return Seq{dx}
}
