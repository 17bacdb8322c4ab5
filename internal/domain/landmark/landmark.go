// Package landmark turns estimator output into fixed-width feature vectors.
package landmark

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// ErrExtraction marks a frame or video that could not be turned into landmarks.
var ErrExtraction = errors.New("landmark extraction failed")

// CanonicalIndices is the fixed feature schema: the nose followed by the
// body keypoints 11..32 of the 33-point pose topology. Face points 1..10
// are excluded.
var CanonicalIndices = func() [model.NumKeypoints]int {
	var idx [model.NumKeypoints]int
	idx[0] = 0
	for i := 1; i < model.NumKeypoints; i++ {
		idx[i] = 10 + i
	}
	return idx
}()

// PoseEstimator detects a pose in one frame.
type PoseEstimator interface {
	Estimate(ctx context.Context, frame model.Frame) (model.Pose, error)
}

// FrameSource decodes a video into ordered frames.
type FrameSource interface {
	Frames(ctx context.Context, path string, yield func(model.Frame) error) error
}

// PoseTracker decodes a video and estimates every frame in one pass. A
// non-nil err passed to yield marks a frame whose estimate failed.
type PoseTracker interface {
	Track(ctx context.Context, path string, yield func(seq uint64, pose model.Pose, err error) error) error
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithFrameSource enables ExtractVideo.
func WithFrameSource(src FrameSource) Option {
	return func(e *Extractor) {
		e.frames = src
	}
}

// WithTracker enables ExtractVideo through a single-pass tracker. It takes
// precedence over a frame source.
func WithTracker(t PoseTracker) Option {
	return func(e *Extractor) {
		e.tracker = t
	}
}

// WithSkipUndetected drops frames without a pose from video sequences.
func WithSkipUndetected(skip bool) Option {
	return func(e *Extractor) {
		e.skipUndetected = skip
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Extractor maps frames to landmark vectors.
type Extractor struct {
	estimator      PoseEstimator
	frames         FrameSource
	tracker        PoseTracker
	skipUndetected bool
	logger         logger.Logger
}

// NewExtractor creates an Extractor over estimator.
func NewExtractor(estimator PoseEstimator, opts ...Option) *Extractor {
	e := &Extractor{
		estimator: estimator,
		logger:    logger.Get().Named("landmark"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Vector builds the canonical feature vector from a full pose. A pose that
// was not detected yields the zero vector.
func Vector(pose model.Pose) (model.LandmarkVector, error) {
	var v model.LandmarkVector
	if !pose.Detected {
		return v, nil
	}
	if len(pose.Landmarks) < model.PoseLandmarkCount {
		return v, fmt.Errorf("%w: expected %d landmarks, got %d",
			ErrExtraction, model.PoseLandmarkCount, len(pose.Landmarks))
	}
	for k, idx := range CanonicalIndices {
		lm := pose.Landmarks[idx]
		v.Values[k*3] = lm.X
		v.Values[k*3+1] = lm.Y
		v.Values[k*3+2] = lm.Z
	}
	v.HasPose = true
	return v, nil
}

// Extract returns the landmark vector of one frame.
func (e *Extractor) Extract(ctx context.Context, frame model.Frame) (model.LandmarkVector, error) {
	pose, err := e.estimator.Estimate(ctx, frame)
	if err != nil {
		metrics.RecordExtractionFailure("frame")
		return model.LandmarkVector{}, fmt.Errorf("%w: frame %d: %w", ErrExtraction, frame.Seq, err)
	}
	v, err := Vector(pose)
	if err != nil {
		metrics.RecordExtractionFailure("frame")
		return model.LandmarkVector{}, err
	}
	metrics.RecordFrameProcessed()
	return v, nil
}

// ExtractVideo decodes the video at path and extracts every frame in order.
// A frame whose estimate fails becomes a zero vector, as if no pose had been
// detected; only a decode failure or cancellation fails the video.
func (e *Extractor) ExtractVideo(ctx context.Context, path string) (model.Sequence, error) {
	var (
		seq    model.Sequence
		failed int
		err    error
	)
	add := func(v model.LandmarkVector) {
		if e.skipUndetected && !v.HasPose {
			return
		}
		seq = append(seq, v)
	}
	fail := func(frame uint64, cause error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		failed++
		e.logger.Debug(ctx, "frame extraction failed",
			logger.String("path", path), logger.Int("frame", int(frame)), logger.Error(cause))
		add(model.LandmarkVector{})
		return nil
	}

	switch {
	case e.tracker != nil:
		err = e.tracker.Track(ctx, path, func(frame uint64, pose model.Pose, estErr error) error {
			if estErr == nil {
				v, err := Vector(pose)
				if err == nil {
					metrics.RecordFrameProcessed()
					add(v)
					return nil
				}
				estErr = err
			}
			metrics.RecordExtractionFailure("frame")
			return fail(frame, estErr)
		})
	case e.frames != nil:
		err = e.frames.Frames(ctx, path, func(frame model.Frame) error {
			v, err := e.Extract(ctx, frame)
			if err != nil {
				return fail(frame.Seq, err)
			}
			add(v)
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: no frame source configured", ErrExtraction)
	}
	if err != nil {
		metrics.RecordExtractionFailure("video")
		if errors.Is(err, ErrExtraction) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrExtraction, path, err)
	}

	e.logger.Debug(ctx, "video extracted",
		logger.String("path", path),
		logger.Int("frames", len(seq)),
		logger.Int("detected", seq.Detected()),
		logger.Int("failed", failed),
	)
	return seq, nil
}
