package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/formlab/internal/adapters/pose"
	"github.com/okian/formlab/internal/config"
	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/internal/domain/landmark"
	"github.com/okian/formlab/internal/domain/scoring"
	"github.com/okian/formlab/internal/domain/training"
	"github.com/okian/formlab/pkg/logger"
)

// Core holds the domain components shared by the server and the CLI.
type Core struct {
	Artifacts    *artifact.Store
	Extractor    *landmark.Extractor
	Predictor    *scoring.Predictor
	Orchestrator *training.Orchestrator

	pose *pose.Pool
}

// CoreOption overrides a component built by NewCore.
type CoreOption func(*coreOptions)

type coreOptions struct {
	estimator landmark.PoseEstimator
	frames    landmark.FrameSource
	tracker   landmark.PoseTracker
	source    training.Source
	logger    logger.Logger
}

// WithPose replaces the subprocess pose pool.
func WithPose(est landmark.PoseEstimator, frames landmark.FrameSource) CoreOption {
	return func(o *coreOptions) {
		o.estimator = est
		o.frames = frames
	}
}

// WithTrainingSource replaces the data directory as the training corpus.
func WithTrainingSource(src training.Source) CoreOption {
	return func(o *coreOptions) {
		o.source = src
	}
}

// WithCoreLogger sets the logger the components derive theirs from.
func WithCoreLogger(l logger.Logger) CoreOption {
	return func(o *coreOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewCore builds the components from cfg and loads the current model, if
// any. A missing or unreadable model is logged, not fatal.
func NewCore(ctx context.Context, cfg *config.Config, opts ...CoreOption) (*Core, error) {
	o := coreOptions{logger: logger.Get()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	store, err := artifact.NewStore(cfg.ArtifactDir,
		artifact.WithSequenceLength(cfg.SequenceLength),
		artifact.WithLogger(log.Named("artifact")),
	)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	c := &Core{Artifacts: store}
	if o.estimator == nil {
		c.pose = pose.NewPool(
			pose.Command(cfg.PoseWorkerCmd, cfg.PoseWorkerArgs, log.Named("pose")),
			pose.WithSize(cfg.PoseWorkers),
			pose.WithLogger(log.Named("pose")),
		)
		o.estimator, o.frames, o.tracker = c.pose, c.pose, c.pose
	}
	if o.source == nil {
		o.source = training.NewDirectorySource(cfg.DataDir)
	}

	c.Extractor = landmark.NewExtractor(o.estimator,
		landmark.WithFrameSource(o.frames),
		landmark.WithTracker(o.tracker),
		landmark.WithLogger(log.Named("landmark")),
	)
	c.Predictor = scoring.NewPredictor(
		scoring.WithExtractor(c.Extractor),
		scoring.WithLogger(log.Named("scoring")),
	)
	c.Orchestrator = training.NewOrchestrator(o.source, c.Extractor, store,
		training.WithSequenceLength(cfg.SequenceLength),
		training.WithMinimums(cfg.MinSamplesPerClass, cfg.MinTotalSamples),
		training.WithValidationSplit(cfg.ValidationSplit),
		training.WithConcurrency(cfg.ExtractConcurrency),
		training.WithSeed(cfg.Seed),
		training.WithAugmentFactor(cfg.AugmentFactor),
		training.WithEarlyStopPatience(cfg.EarlyStopPatience),
		training.WithLogger(log.Named("training")),
	)

	switch err := c.Predictor.Reload(ctx, store); {
	case err == nil:
	case errors.Is(err, artifact.ErrNoArtifact):
		log.Info(ctx, "no trained model yet", logger.String("artifact_dir", store.Dir()))
	default:
		log.Warn(ctx, "current model could not be loaded", logger.Error(err))
	}
	return c, nil
}

// Activate loads bundle id and makes it the serving model.
func (c *Core) Activate(ctx context.Context, id string) error {
	b, err := c.Artifacts.Load(ctx, id)
	if err != nil {
		return err
	}
	c.Predictor.Swap(b)
	return nil
}

// Close stops the pose workers started by NewCore.
func (c *Core) Close() error {
	if c.pose != nil {
		return c.pose.Close()
	}
	return nil
}
