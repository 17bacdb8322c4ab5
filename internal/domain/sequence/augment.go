package sequence

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Augmentation defaults.
const (
	DefaultScaleRange = 0.2
	DefaultNoiseSigma = 0.01
	DefaultCropRatio  = 0.1
)

// Augmenter produces perturbed copies of normalized sequences. It is not
// safe for concurrent use.
type Augmenter struct {
	rng        *rand.Rand
	scaleRange float64
	noiseSigma float64
	cropRatio  float64
}

// NewAugmenter returns an Augmenter drawing from rng.
func NewAugmenter(rng *rand.Rand) *Augmenter {
	return &Augmenter{
		rng:        rng,
		scaleRange: DefaultScaleRange,
		noiseSigma: DefaultNoiseSigma,
		cropRatio:  DefaultCropRatio,
	}
}

// TemporalScale speeds the motion up or down by up to scaleRange and
// resamples back to the input length.
func (a *Augmenter) TemporalScale(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	factor := 1 - a.scaleRange + a.rng.Float64()*2*a.scaleRange
	scaled, _ := Resample(x, max(1, int(float64(rows)*factor)))
	out, _ := Resample(scaled, rows)
	return out
}

// Noise adds gaussian jitter to every value.
func (a *Augmenter) Noise(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		return v + a.rng.NormFloat64()*a.noiseSigma
	}, x)
	return out
}

// Crop keeps a random contiguous window of (1-cropRatio) of the frames and
// stretches it back to the input length.
func (a *Augmenter) Crop(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	keep := max(1, int(math.Floor(float64(rows)*(1-a.cropRatio))))
	start := a.rng.Intn(max(1, rows-keep))
	window := x.Slice(start, start+keep, 0, cols)
	out, _ := Resample(window, rows)
	return out
}

// Augment applies each perturbation independently at random.
func (a *Augmenter) Augment(x *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(x)
	if a.rng.Float64() > 0.5 {
		out = a.TemporalScale(out)
	}
	if a.rng.Float64() > 0.5 {
		out = a.Noise(out)
	}
	if a.rng.Float64() > 0.3 {
		out = a.Crop(out)
	}
	return out
}
