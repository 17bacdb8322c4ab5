package classifier

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam optimizer defaults.
const (
	DefaultLearningRate = 1e-3
	adamBeta1           = 0.9
	adamBeta2           = 0.999
	adamEpsilon         = 1e-7
)

// Adam applies bias-corrected adaptive moment updates.
type Adam struct {
	lr   float64
	step int
	m, v map[*Param]*mat.Dense
}

// NewAdam returns an optimizer with learning rate lr.
func NewAdam(lr float64) *Adam {
	return &Adam{
		lr: lr,
		m:  make(map[*Param]*mat.Dense),
		v:  make(map[*Param]*mat.Dense),
	}
}

// LearningRate returns the current step size.
func (a *Adam) LearningRate() float64 { return a.lr }

// SetLearningRate changes the step size for subsequent updates.
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

// Step updates every parameter from its accumulated gradient.
func (a *Adam) Step(params []*Param) {
	a.step++
	c1 := 1 - math.Pow(adamBeta1, float64(a.step))
	c2 := 1 - math.Pow(adamBeta2, float64(a.step))
	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			r, c := p.Value.Dims()
			m = mat.NewDense(r, c, nil)
			a.m[p] = m
			a.v[p] = mat.NewDense(r, c, nil)
		}
		v := a.v[p]
		md, vd := m.RawMatrix().Data, v.RawMatrix().Data
		gd, wd := p.Grad.RawMatrix().Data, p.Value.RawMatrix().Data
		for i, g := range gd {
			md[i] = adamBeta1*md[i] + (1-adamBeta1)*g
			vd[i] = adamBeta2*vd[i] + (1-adamBeta2)*g*g
			wd[i] -= a.lr * (md[i] / c1) / (math.Sqrt(vd[i]/c2) + adamEpsilon)
		}
	}
}
