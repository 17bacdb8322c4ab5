package classifier

import (
	"fmt"
)

// Tensor is the serialisable form of one parameter.
type Tensor struct {
	Name string    `msgpack:"name"`
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Data []float64 `msgpack:"data"`
}

// Weights copies every parameter in layer order.
func (n *Network) Weights() []Tensor {
	out := make([]Tensor, len(n.params))
	for i, p := range n.params {
		r, c := p.Value.Dims()
		out[i] = Tensor{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), p.Value.RawMatrix().Data...),
		}
	}
	return out
}

// SetWeights overwrites every parameter. Names, order and shapes must
// match exactly.
func (n *Network) SetWeights(ws []Tensor) error {
	if len(ws) != len(n.params) {
		return fmt.Errorf("%w: %d tensors, network has %d", ErrWeightMismatch, len(ws), len(n.params))
	}
	for i, p := range n.params {
		w := ws[i]
		r, c := p.Value.Dims()
		if w.Name != p.Name || w.Rows != r || w.Cols != c || len(w.Data) != r*c {
			return fmt.Errorf("%w: tensor %d is %s %dx%d, want %s %dx%d",
				ErrWeightMismatch, i, w.Name, w.Rows, w.Cols, p.Name, r, c)
		}
	}
	for i, p := range n.params {
		copy(p.Value.RawMatrix().Data, ws[i].Data)
	}
	return nil
}
