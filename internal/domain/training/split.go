package training

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/types"
)

// Sample is one normalized sequence with its label.
type Sample struct {
	X     *mat.Dense
	Label types.Label
}

// ValidationFraction picks the held-out share for a corpus of total samples:
// 25% below 50 samples, 20% otherwise. override > 0 wins.
func ValidationFraction(total int, override float64) float64 {
	switch {
	case override > 0:
		return override
	case total < 50:
		return 0.25
	default:
		return 0.2
	}
}

// Split partitions samples per label so both sides keep the class ratio.
// Each class with at least two samples contributes one or more to each side.
func Split(samples []Sample, frac float64, rng *rand.Rand) (train, val []Sample) {
	byLabel := make(map[types.Label][]Sample, types.NumLabels)
	for _, s := range samples {
		byLabel[s.Label] = append(byLabel[s.Label], s)
	}
	for _, l := range types.Labels() {
		group := byLabel[l]
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		n := int(math.Ceil(float64(len(group)) * frac))
		if len(group) >= 2 {
			n = max(1, min(n, len(group)-1))
		} else {
			n = 0
		}
		val = append(val, group[:n]...)
		train = append(train, group[n:]...)
	}
	return train, val
}
