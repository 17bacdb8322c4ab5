// Package scoring turns normalized landmark sequences into predictions using
// the currently loaded model bundle.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/sequence"
	"github.com/okian/formlab/internal/domain/types"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// Inference modes used as metric labels.
const (
	ModeBatch    = "batch"
	ModeRealtime = "realtime"
)

// Sentinel errors.
var (
	// ErrNoModel is returned when no bundle has been loaded yet.
	ErrNoModel = errors.New("no model loaded")
	// ErrInvalidInput rejects sequences of the wrong shape.
	ErrInvalidInput = errors.New("invalid sequence")
)

// Scorer classifies one normalized T x F sequence.
type Scorer interface {
	// Score classifies x, honoring ctx for cancellation.
	Score(ctx context.Context, x mat.Matrix) (types.Prediction, error)
}

// VideoExtractor turns a video file into a landmark sequence.
type VideoExtractor interface {
	ExtractVideo(ctx context.Context, path string) (model.Sequence, error)
}

// BundleSource yields the active model bundle.
type BundleSource interface {
	Latest(ctx context.Context) (*artifact.Bundle, error)
}

// Option applies a configuration option to the Predictor.
type Option func(*Predictor)

// WithExtractor enables ScoreVideo.
func WithExtractor(e VideoExtractor) Option {
	return func(p *Predictor) {
		p.extractor = e
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Predictor) {
		if l != nil {
			p.logger = l
		}
	}
}

// Predictor implements Scorer over a hot-swappable (network, scaler) bundle.
// A bundle is immutable once published, so Score never locks.
type Predictor struct {
	bundle    atomic.Pointer[artifact.Bundle]
	extractor VideoExtractor
	logger    logger.Logger
}

// NewPredictor creates a predictor with no model loaded.
func NewPredictor(opts ...Option) *Predictor {
	p := &Predictor{logger: logger.Get().Named("scoring")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Swap publishes b; later Score calls use it.
func (p *Predictor) Swap(b *artifact.Bundle) {
	p.bundle.Store(b)
	if b != nil {
		p.logger.Info(context.Background(), "model activated",
			logger.String("id", b.Manifest.ID),
			logger.String("architecture", b.Manifest.Architecture),
		)
	}
}

// Reload loads the latest bundle from src and publishes it.
func (p *Predictor) Reload(ctx context.Context, src BundleSource) error {
	b, err := src.Latest(ctx)
	if err != nil {
		return err
	}
	p.Swap(b)
	return nil
}

// Bundle returns the active bundle or nil.
func (p *Predictor) Bundle() *artifact.Bundle {
	return p.bundle.Load()
}

// SequenceLength is the T the active model expects, or 0 with no model.
func (p *Predictor) SequenceLength() int {
	if b := p.bundle.Load(); b != nil {
		return b.Manifest.SequenceLength
	}
	return 0
}

// Score scales x with the bundle's scaler and classifies it.
func (p *Predictor) Score(ctx context.Context, x mat.Matrix) (types.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return types.Prediction{}, fmt.Errorf("context cancelled: %w", err)
	}
	b := p.bundle.Load()
	if b == nil {
		return types.Prediction{}, ErrNoModel
	}
	shape := b.Network.Shape()
	if r, c := x.Dims(); r != shape.Steps || c != shape.Features {
		return types.Prediction{}, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrInvalidInput, r, c, shape.Steps, shape.Features)
	}
	z, err := b.Scaler.Transform(x)
	if err != nil {
		return types.Prediction{}, err
	}
	probs, err := b.Network.Predict(z)
	if err != nil {
		return types.Prediction{}, err
	}
	return types.NewPrediction(probs)
}

// ScoreVideo extracts, normalizes and classifies a whole video file.
func (p *Predictor) ScoreVideo(ctx context.Context, path string) (types.Prediction, error) {
	if p.extractor == nil {
		return types.Prediction{}, errors.New("scoring: no extractor configured")
	}
	length := p.SequenceLength()
	if length == 0 {
		return types.Prediction{}, ErrNoModel
	}
	began := time.Now()
	seq, err := p.extractor.ExtractVideo(ctx, path)
	if err != nil {
		return types.Prediction{}, err
	}
	x, err := sequence.Normalize(seq, length)
	if err != nil {
		return types.Prediction{}, err
	}
	start := time.Now()
	pred, err := p.Score(ctx, x)
	if err != nil {
		return types.Prediction{}, err
	}
	metrics.RecordInferenceLatency(ModeBatch, metrics.Milliseconds(time.Since(start)))
	metrics.RecordPrediction(ModeBatch, pred.Label.String())
	p.logger.Debug(ctx, "video classified",
		logger.String("path", path),
		logger.Int("frames", len(seq)),
		logger.String("label", pred.Label.String()),
		logger.Float64("confidence", pred.Confidence),
		logger.Duration("elapsed", time.Since(began)),
	)
	return pred, nil
}
