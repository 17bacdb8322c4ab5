package classifier

import (
	"fmt"
	"math/rand"
	"strings"
)

// Architecture selects one of the supported network topologies.
type Architecture int

// Supported architectures.
const (
	Basic Architecture = iota
	Bidirectional
	Deep
)

var architectureNames = map[Architecture]string{
	Basic:         "basic",
	Bidirectional: "bidirectional",
	Deep:          "deep",
}

// Architectures lists every supported topology.
func Architectures() []Architecture {
	return []Architecture{Basic, Bidirectional, Deep}
}

func (a Architecture) String() string {
	if n, ok := architectureNames[a]; ok {
		return n
	}
	return fmt.Sprintf("architecture(%d)", int(a))
}

// ParseArchitecture maps a name to its Architecture.
func ParseArchitecture(s string) (Architecture, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for a, n := range architectureNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownArchitecture, s)
}

// Shape describes the network input and output.
type Shape struct {
	Steps    int
	Features int
	Classes  int
}

// Validate reports a non-positive dimension.
func (s Shape) Validate() error {
	if s.Steps < 1 || s.Features < 1 || s.Classes < 2 {
		return fmt.Errorf("%w: %+v", ErrInvalidShape, s)
	}
	return nil
}

// Builder assembles the layers of one architecture.
type Builder interface {
	Build(shape Shape, rng *rand.Rand) []Layer
}

// Builder returns the layer builder of a.
func (a Architecture) Builder() (Builder, error) {
	switch a {
	case Basic:
		return basicBuilder{}, nil
	case Bidirectional:
		return bidirectionalBuilder{}, nil
	case Deep:
		return deepBuilder{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownArchitecture, int(a))
	}
}

// Layer specs consumed by stack.
type (
	lstmSpec struct {
		units int
		seq   bool
	}
	biLSTMSpec struct {
		units int
		seq   bool
	}
	dropoutSpec float64
	denseSpec   struct {
		units int
		act   Activation
	}
)

// stack instantiates specs in order, threading the feature width through.
func stack(shape Shape, rng *rand.Rand, specs ...any) []Layer {
	layers := make([]Layer, 0, len(specs))
	width, seq := shape.Features, true
	counts := map[string]int{}
	name := func(kind string) string {
		n := fmt.Sprintf("%s_%d", kind, counts[kind])
		counts[kind]++
		return n
	}
	for _, spec := range specs {
		var l Layer
		switch s := spec.(type) {
		case lstmSpec:
			l = newLSTM(name("lstm"), width, s.units, s.seq, false, rng.Float64)
		case biLSTMSpec:
			l = newBiLSTM(name("bidirectional"), width, s.units, s.seq, rng.Float64)
		case dropoutSpec:
			l = newDropout(name("dropout"), float64(s), width, seq, rng)
		case denseSpec:
			l = newDense(name("dense"), width, s.units, s.act, rng.Float64)
		default:
			panic(fmt.Sprintf("classifier: unknown layer spec %T", spec))
		}
		width, seq = l.OutputDim(), l.Sequential()
		layers = append(layers, l)
	}
	return layers
}

type basicBuilder struct{}

func (basicBuilder) Build(s Shape, rng *rand.Rand) []Layer {
	return stack(s, rng,
		lstmSpec{units: 128, seq: true},
		dropoutSpec(0.4),
		lstmSpec{units: 64},
		dropoutSpec(0.4),
		denseSpec{units: 32, act: ReLU},
		dropoutSpec(0.2),
		denseSpec{units: s.Classes, act: Softmax},
	)
}

type bidirectionalBuilder struct{}

func (bidirectionalBuilder) Build(s Shape, rng *rand.Rand) []Layer {
	return stack(s, rng,
		biLSTMSpec{units: 64, seq: true},
		dropoutSpec(0.4),
		biLSTMSpec{units: 32},
		dropoutSpec(0.3),
		denseSpec{units: 16, act: ReLU},
		denseSpec{units: s.Classes, act: Softmax},
	)
}

type deepBuilder struct{}

func (deepBuilder) Build(s Shape, rng *rand.Rand) []Layer {
	return stack(s, rng,
		lstmSpec{units: 128, seq: true},
		dropoutSpec(0.4),
		lstmSpec{units: 64, seq: true},
		dropoutSpec(0.4),
		lstmSpec{units: 32},
		dropoutSpec(0.3),
		denseSpec{units: 32, act: ReLU},
		dropoutSpec(0.2),
		denseSpec{units: s.Classes, act: Softmax},
	)
}
