package landmark_test

import (
	"context"
	"errors"
	"testing"

	"github.com/okian/formlab/internal/domain/landmark"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeEstimator reports a pose whose landmark i has X = i for frames with an
// even sequence number and no pose otherwise.
type fakeEstimator struct {
	fail   bool
	short  bool
	failOn map[uint64]bool
}

func (f fakeEstimator) Estimate(_ context.Context, frame model.Frame) (model.Pose, error) {
	if f.fail || f.failOn[frame.Seq] {
		return model.Pose{}, errors.New("boom")
	}
	if frame.Seq%2 == 1 {
		return model.Pose{}, nil
	}
	return fullPose(f.short), nil
}

func fullPose(short bool) model.Pose {
	n := model.PoseLandmarkCount
	if short {
		n = 12
	}
	lms := make([]model.Landmark, n)
	for i := range lms {
		lms[i] = model.Landmark{X: float64(i), Y: float64(i) + 0.5, Z: -float64(i), Visibility: 1}
	}
	return model.Pose{Detected: true, Landmarks: lms}
}

// fakeTracker detects a pose in every frame except those listed in failOn,
// which report an estimate error.
type fakeTracker struct {
	count  int
	failOn map[uint64]bool
	err    error
}

func (f fakeTracker) Track(_ context.Context, _ string, yield func(uint64, model.Pose, error) error) error {
	for i := 0; i < f.count; i++ {
		seq := uint64(i)
		var err error
		if f.failOn[seq] {
			err = errors.New("landmarker crashed")
		}
		if err := yield(seq, fullPose(false), err); err != nil {
			return err
		}
	}
	return f.err
}

type fakeFrames struct {
	count int
	err   error
}

func (f fakeFrames) Frames(_ context.Context, _ string, yield func(model.Frame) error) error {
	if f.err != nil {
		return f.err
	}
	for i := 0; i < f.count; i++ {
		if err := yield(model.Frame{Seq: uint64(i)}); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func TestCanonicalIndices(t *testing.T) {
	Convey("Given the canonical keypoint schema", t, func() {
		idx := landmark.CanonicalIndices

		Convey("Then it is the nose followed by 11..32", func() {
			So(idx[0], ShouldEqual, 0)
			So(idx[1], ShouldEqual, 11)
			So(idx[len(idx)-1], ShouldEqual, 32)
			So(len(idx)*3, ShouldEqual, model.FeatureCount)
		})
	})
}

func TestExtractor(t *testing.T) {
	Convey("Given an extractor", t, func() {
		ctx := context.Background()
		ex := landmark.NewExtractor(fakeEstimator{}, landmark.WithFrameSource(fakeFrames{count: 6}))

		Convey("When a pose is detected", func() {
			v, err := ex.Extract(ctx, model.Frame{Seq: 0})

			Convey("Then features follow the canonical order and drop visibility", func() {
				So(err, ShouldBeNil)
				So(v.HasPose, ShouldBeTrue)
				So(v.Values[0], ShouldEqual, 0)    // nose x
				So(v.Values[3], ShouldEqual, 11)   // first body point x
				So(v.Values[4], ShouldEqual, 11.5) // its y
				So(v.Values[5], ShouldEqual, -11)  // its z
				So(v.Values[68], ShouldEqual, -32) // last point z
			})
		})

		Convey("When no pose is detected", func() {
			v, err := ex.Extract(ctx, model.Frame{Seq: 1})

			Convey("Then the vector is all zeros", func() {
				So(err, ShouldBeNil)
				So(v.HasPose, ShouldBeFalse)
				So(v.Values, ShouldResemble, [model.FeatureCount]float64{})
			})
		})

		Convey("When the estimator errors", func() {
			bad := landmark.NewExtractor(fakeEstimator{fail: true})
			_, err := bad.Extract(ctx, model.Frame{})
			So(errors.Is(err, landmark.ErrExtraction), ShouldBeTrue)
		})

		Convey("When the estimator returns too few landmarks", func() {
			short := landmark.NewExtractor(fakeEstimator{short: true})
			_, err := short.Extract(ctx, model.Frame{})
			So(errors.Is(err, landmark.ErrExtraction), ShouldBeTrue)
		})

		Convey("When extracting a video", func() {
			seq, err := ex.ExtractVideo(ctx, "clip.mp4")

			Convey("Then every frame is kept, detected or not", func() {
				So(err, ShouldBeNil)
				So(len(seq), ShouldEqual, 6)
				So(seq.Detected(), ShouldEqual, 3)
			})
		})

		Convey("When undetected frames are skipped", func() {
			skip := landmark.NewExtractor(fakeEstimator{},
				landmark.WithFrameSource(fakeFrames{count: 6}),
				landmark.WithSkipUndetected(true),
			)
			seq, err := skip.ExtractVideo(ctx, "clip.mp4")

			Convey("Then only posed frames remain", func() {
				So(err, ShouldBeNil)
				So(len(seq), ShouldEqual, 3)
			})
		})

		Convey("When the video cannot be decoded", func() {
			broken := landmark.NewExtractor(fakeEstimator{}, landmark.WithFrameSource(fakeFrames{err: errors.New("moov atom not found")}))
			_, err := broken.ExtractVideo(ctx, "broken.mp4")

			Convey("Then it is an extraction failure", func() {
				So(errors.Is(err, landmark.ErrExtraction), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "broken.mp4")
			})
		})

		Convey("When no frame source is configured", func() {
			_, err := landmark.NewExtractor(fakeEstimator{}).ExtractVideo(ctx, "x.mp4")
			So(errors.Is(err, landmark.ErrExtraction), ShouldBeTrue)
		})

		Convey("When one frame in the middle fails to estimate", func() {
			flaky := fakeEstimator{failOn: map[uint64]bool{2: true}}
			seq, err := landmark.NewExtractor(flaky, landmark.WithFrameSource(fakeFrames{count: 6})).ExtractVideo(ctx, "clip.mp4")

			Convey("Then the video survives with that frame zero-filled", func() {
				So(err, ShouldBeNil)
				So(len(seq), ShouldEqual, 6)
				So(seq.Detected(), ShouldEqual, 2)
				So(seq[2].HasPose, ShouldBeFalse)
				So(seq[2].Values, ShouldResemble, [model.FeatureCount]float64{})
				So(seq[4].HasPose, ShouldBeTrue)
			})

			Convey("Then skipping undetected frames drops it too", func() {
				skip := landmark.NewExtractor(flaky,
					landmark.WithFrameSource(fakeFrames{count: 6}),
					landmark.WithSkipUndetected(true),
				)
				seq, err := skip.ExtractVideo(ctx, "clip.mp4")
				So(err, ShouldBeNil)
				So(len(seq), ShouldEqual, 2)
			})
		})

		Convey("When the context is cancelled while frames fail", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			bad := landmark.NewExtractor(fakeEstimator{fail: true}, landmark.WithFrameSource(fakeFrames{count: 3}))
			_, err := bad.ExtractVideo(cctx, "clip.mp4")
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})

		Convey("When a tracker is configured", func() {
			tracked := landmark.NewExtractor(fakeEstimator{fail: true},
				landmark.WithFrameSource(fakeFrames{err: errors.New("unused")}),
				landmark.WithTracker(fakeTracker{count: 5, failOn: map[uint64]bool{3: true}}),
			)
			seq, err := tracked.ExtractVideo(ctx, "clip.mp4")

			Convey("Then it is used instead of the frame source", func() {
				So(err, ShouldBeNil)
				So(len(seq), ShouldEqual, 5)
				So(seq.Detected(), ShouldEqual, 4)
				So(seq[3].HasPose, ShouldBeFalse)
				So(seq[4].Values[3], ShouldEqual, 11)
			})
		})

		Convey("When the tracker cannot decode the video", func() {
			tracked := landmark.NewExtractor(fakeEstimator{}, landmark.WithTracker(fakeTracker{err: errors.New("moov atom not found")}))
			_, err := tracked.ExtractVideo(ctx, "broken.mp4")
			So(errors.Is(err, landmark.ErrExtraction), ShouldBeTrue)
		})
	})
}
