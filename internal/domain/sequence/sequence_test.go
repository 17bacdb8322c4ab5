package sequence_test

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/sequence"
	. "github.com/smartystreets/goconvey/convey"
)

// ramp builds n frames where every feature of frame i equals i*step.
func ramp(n int, step float64) model.Sequence {
	seq := make(model.Sequence, n)
	for i := range seq {
		for j := range seq[i].Values {
			seq[i].Values[j] = float64(i) * step
		}
		seq[i].HasPose = true
	}
	return seq
}

func TestNormalize(t *testing.T) {
	Convey("Given sequences of varying length", t, func() {
		const T = 150

		for _, n := range []int{0, 1, 2, 37, 149, 150, 151, 400} {
			n := n
			Convey("When a sequence of "+strconv.Itoa(n)+" frames is normalized", func() {
				out, err := sequence.Normalize(ramp(n, 1), T)

				Convey("Then the result is exactly T x 69", func() {
					So(err, ShouldBeNil)
					r, c := out.Dims()
					So(r, ShouldEqual, T)
					So(c, ShouldEqual, model.FeatureCount)
				})
			})
		}

		Convey("When the sequence already has T frames", func() {
			in := ramp(T, 0.37)
			out, err := sequence.Normalize(in, T)

			Convey("Then values are unchanged", func() {
				So(err, ShouldBeNil)
				So(mat.Equal(out, sequence.Matrix(in)), ShouldBeTrue)
			})
		})

		Convey("When a linear ramp is stretched", func() {
			out, err := sequence.Normalize(ramp(11, 1), 21)

			Convey("Then interpolated values stay on the line", func() {
				So(err, ShouldBeNil)
				So(out.At(0, 0), ShouldAlmostEqual, 0)
				So(out.At(1, 5), ShouldAlmostEqual, 0.5)
				So(out.At(20, 68), ShouldAlmostEqual, 10)
			})
		})

		Convey("When a single frame is normalized", func() {
			in := ramp(1, 0)
			in[0].Values[3] = 7
			out, err := sequence.Normalize(in, 5)

			Convey("Then it is repeated", func() {
				So(err, ShouldBeNil)
				for i := 0; i < 5; i++ {
					So(out.At(i, 3), ShouldEqual, 7)
				}
			})
		})

		Convey("When the sequence is empty", func() {
			out, err := sequence.Normalize(nil, 4)

			Convey("Then the result is all zeros", func() {
				So(err, ShouldBeNil)
				So(mat.Sum(out), ShouldEqual, 0)
			})
		})

		Convey("When the target length is not positive", func() {
			_, err := sequence.Normalize(ramp(3, 1), 0)
			So(errors.Is(err, sequence.ErrInvalidLength), ShouldBeTrue)
		})
	})
}

func TestAugmenter(t *testing.T) {
	Convey("Given an augmenter and a normalized sequence", t, func() {
		aug := sequence.NewAugmenter(rand.New(rand.NewSource(7)))
		x, err := sequence.Normalize(ramp(60, 0.1), 150)
		So(err, ShouldBeNil)

		Convey("Then every perturbation keeps the shape", func() {
			for _, out := range []*mat.Dense{aug.TemporalScale(x), aug.Noise(x), aug.Crop(x), aug.Augment(x)} {
				r, c := out.Dims()
				So(r, ShouldEqual, 150)
				So(c, ShouldEqual, model.FeatureCount)
			}
		})

		Convey("Then noise stays small", func() {
			var diff mat.Dense
			diff.Sub(aug.Noise(x), x)
			So(mat.Max(&diff), ShouldBeLessThan, 0.1)
			So(mat.Min(&diff), ShouldBeGreaterThan, -0.1)
		})

		Convey("Then the input is not modified", func() {
			before := mat.DenseCopyOf(x)
			_ = aug.Augment(x)
			So(mat.Equal(before, x), ShouldBeTrue)
		})
	})
}
