// Package classifier implements recurrent sequence classifiers on gonum
// matrices: LSTM, bidirectional LSTM, dropout and dense layers trained with
// Adam on categorical cross-entropy.
package classifier

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/types"
)

// Option configures New.
type Option func(*options)

type options struct {
	seed int64
	lr   float64
}

// WithSeed fixes weight initialization and dropout masks.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithLearningRate sets the Adam step size.
func WithLearningRate(lr float64) Option {
	return func(o *options) {
		if lr > 0 {
			o.lr = lr
		}
	}
}

// Network is a sequential stack of layers ending in a softmax.
type Network struct {
	arch   Architecture
	shape  Shape
	layers []Layer
	params []*Param
	opt    *Adam
}

// New builds an untrained network of the given architecture.
func New(arch Architecture, shape Shape, opts ...Option) (*Network, error) {
	o := options{seed: 42, lr: DefaultLearningRate}
	for _, opt := range opts {
		opt(&o)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	b, err := arch.Builder()
	if err != nil {
		return nil, err
	}
	n := &Network{
		arch:   arch,
		shape:  shape,
		layers: b.Build(shape, rand.New(rand.NewSource(o.seed))),
		opt:    NewAdam(o.lr),
	}
	for _, l := range n.layers {
		n.params = append(n.params, l.Params()...)
	}
	return n, nil
}

// Architecture returns the topology the network was built with.
func (n *Network) Architecture() Architecture { return n.arch }

// Shape returns the input and output dimensions.
func (n *Network) Shape() Shape { return n.shape }

// Optimizer exposes the optimizer for learning-rate schedules.
func (n *Network) Optimizer() *Adam { return n.opt }

// ParamCount is the number of trainable scalars.
func (n *Network) ParamCount() int {
	total := 0
	for _, p := range n.params {
		total += p.Size()
	}
	return total
}

// LayerInfo describes one layer for summaries.
type LayerInfo struct {
	Name   string
	Kind   string
	Output int
	Params int
}

// Layers summarises the stack in order.
func (n *Network) Layers() []LayerInfo {
	out := make([]LayerInfo, len(n.layers))
	for i, l := range n.layers {
		count := 0
		for _, p := range l.Params() {
			count += p.Size()
		}
		out[i] = LayerInfo{Name: l.Name(), Kind: l.Kind(), Output: l.OutputDim(), Params: count}
	}
	return out
}

func (n *Network) forward(x Seq, train bool) *mat.Dense {
	for _, l := range n.layers {
		x = l.Forward(x, train)
	}
	return x[0]
}

// TrainBatch runs one optimization step and returns the batch loss and
// accuracy measured during the (dropout-active) forward pass.
func (n *Network) TrainBatch(x Seq, y *mat.Dense) (loss, acc float64, err error) {
	if err := n.checkBatch(x, y); err != nil {
		return 0, 0, err
	}
	for _, p := range n.params {
		p.Grad.Zero()
	}
	probs := n.forward(x, true)
	loss, acc = crossEntropy(probs, y)

	batch, classes := probs.Dims()
	grad := mat.NewDense(batch, classes, nil)
	grad.Sub(probs, y)
	grad.Scale(1/float64(batch), grad)

	g := Seq{grad}
	for i := len(n.layers) - 1; i >= 0; i-- {
		g = n.layers[i].Backward(g)
	}
	n.opt.Step(n.params)
	return loss, acc, nil
}

// Evaluate returns loss and accuracy without updating weights.
func (n *Network) Evaluate(x Seq, y *mat.Dense) (loss, acc float64, err error) {
	if err := n.checkBatch(x, y); err != nil {
		return 0, 0, err
	}
	loss, acc = crossEntropy(n.forward(x, false), y)
	return loss, acc, nil
}

// Predict returns class probabilities for one Steps x Features sample.
// Inference touches no layer state, so concurrent Predict calls are safe
// as long as no training step runs at the same time.
func (n *Network) Predict(x mat.Matrix) ([]float64, error) {
	r, c := x.Dims()
	if r != n.shape.Steps || c != n.shape.Features {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrInvalidShape, r, c, n.shape.Steps, n.shape.Features)
	}
	seq := make(Seq, r)
	for t := range seq {
		seq[t] = mat.NewDense(1, c, mat.Row(nil, t, x))
	}
	return mat.Row(nil, 0, n.forward(seq, false)), nil
}

func (n *Network) checkBatch(x Seq, y *mat.Dense) error {
	if len(x) != n.shape.Steps {
		return fmt.Errorf("%w: %d steps, want %d", ErrBatch, len(x), n.shape.Steps)
	}
	batch, feats := x[0].Dims()
	if feats != n.shape.Features {
		return fmt.Errorf("%w: %d features, want %d", ErrBatch, feats, n.shape.Features)
	}
	yr, yc := y.Dims()
	if yr != batch || yc != n.shape.Classes {
		return fmt.Errorf("%w: targets %dx%d for batch of %d", ErrBatch, yr, yc, batch)
	}
	return nil
}

// Batch lays out equally shaped samples as a per-step batch.
func Batch(samples []*mat.Dense) (Seq, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBatch)
	}
	steps, feats := samples[0].Dims()
	for i, s := range samples {
		if r, c := s.Dims(); r != steps || c != feats {
			return nil, fmt.Errorf("%w: sample %d is %dx%d, want %dx%d", ErrBatch, i, r, c, steps, feats)
		}
	}
	seq := make(Seq, steps)
	for t := range seq {
		m := mat.NewDense(len(samples), feats, nil)
		for b, s := range samples {
			m.SetRow(b, s.RawRowView(t))
		}
		seq[t] = m
	}
	return seq, nil
}

// OneHot encodes labels as a len(labels) x classes target matrix.
func OneHot(labels []types.Label, classes int) *mat.Dense {
	y := mat.NewDense(len(labels), classes, nil)
	for i, l := range labels {
		y.Set(i, int(l), 1)
	}
	return y
}
