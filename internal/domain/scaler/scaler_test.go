package scaler_test

import (
	"errors"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/okian/formlab/internal/domain/scaler"
	. "github.com/smartystreets/goconvey/convey"
)

func corpus(rng *rand.Rand, samples, rows, cols int) []*mat.Dense {
	out := make([]*mat.Dense, samples)
	for s := range out {
		m := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				m.Set(i, j, float64(j)*3+rng.NormFloat64()*float64(j+1))
			}
		}
		out[s] = m
	}
	return out
}

func TestScaler(t *testing.T) {
	Convey("Given an unfitted scaler", t, func() {
		s := scaler.New(4)

		Convey("When transforming before fit", func() {
			_, err := s.Transform(mat.NewDense(2, 4, nil))

			Convey("Then it reports not fitted", func() {
				So(errors.Is(err, scaler.ErrNotFitted), ShouldBeTrue)
			})
		})

		Convey("When fitted on a corpus", func() {
			rng := rand.New(rand.NewSource(1))
			data := corpus(rng, 5, 40, 4)
			So(s.Fit(data), ShouldBeNil)

			Convey("Then the transformed corpus has mean 0 and std 1 per feature", func() {
				var all []*mat.Dense
				for _, x := range data {
					y, err := s.Transform(x)
					So(err, ShouldBeNil)
					all = append(all, y)
				}
				for j := 0; j < 4; j++ {
					var col []float64
					for _, y := range all {
						col = append(col, mat.Col(nil, j, y)...)
					}
					mean, std := stat.PopMeanStdDev(col, nil)
					So(mean, ShouldAlmostEqual, 0, 1e-9)
					So(std, ShouldAlmostEqual, 1, 1e-9)
				}
			})

			Convey("Then a second fit is refused", func() {
				So(errors.Is(s.Fit(data), scaler.ErrAlreadyFitted), ShouldBeTrue)
			})

			Convey("Then a wrong width is rejected", func() {
				_, err := s.Transform(mat.NewDense(1, 3, nil))
				So(errors.Is(err, scaler.ErrDimension), ShouldBeTrue)
			})

			Convey("Then state round-trips through FromState", func() {
				st, err := s.State()
				So(err, ShouldBeNil)
				restored, err := scaler.FromState(st)
				So(err, ShouldBeNil)
				a, _ := s.Transform(data[0])
				b, _ := restored.Transform(data[0])
				So(mat.EqualApprox(a, b, 1e-12), ShouldBeTrue)
			})
		})

		Convey("When a feature is constant", func() {
			x := mat.NewDense(3, 4, []float64{
				1, 5, 0, 2,
				2, 5, 0, 4,
				3, 5, 0, 6,
			})
			So(s.Fit([]*mat.Dense{x}), ShouldBeNil)
			y, err := s.Transform(x)

			Convey("Then it maps to zero instead of dividing by zero", func() {
				So(err, ShouldBeNil)
				So(y.At(0, 1), ShouldEqual, 0)
				So(y.At(2, 2), ShouldEqual, 0)
			})
		})

		Convey("When fitted on nothing", func() {
			So(errors.Is(s.Fit(nil), scaler.ErrNoSamples), ShouldBeTrue)
		})
	})

	Convey("Given a corrupt state", t, func() {
		_, err := scaler.FromState(scaler.State{Mean: []float64{0, 1}, Std: []float64{1}})
		So(errors.Is(err, scaler.ErrDimension), ShouldBeTrue)

		_, err = scaler.FromState(scaler.State{Mean: []float64{0}, Std: []float64{0}})
		So(err, ShouldNotBeNil)
	})
}
