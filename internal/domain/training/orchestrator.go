// Package training runs a complete training job: enumerate labelled videos,
// extract and normalize them, fit the scaler, train a classifier and persist
// the resulting bundle.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/internal/domain/classifier"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/scaler"
	"github.com/okian/formlab/internal/domain/sequence"
	"github.com/okian/formlab/internal/domain/types"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// Defaults mirror the production thresholds.
const (
	DefaultSequenceLength  = 150
	DefaultMinPerClass     = 10
	DefaultMinTotal        = 30
	DefaultSeed            = 42
	DefaultPlateauPatience = 10

	plateauFactor = 0.5
	minLearnRate  = 1e-6
)

// Stage names the phase a run is in.
type Stage string

// Run phases in order.
const (
	StageLoading    Stage = "loading"
	StageExtracting Stage = "extracting"
	StageSplitting  Stage = "splitting"
	StageScaling    Stage = "scaling"
	StageBuilding   Stage = "building"
	StageTraining   Stage = "training"
	StageEvaluating Stage = "evaluating"
	StageSaving     Stage = "saving"
)

// Observer receives progress from a running job. Calls come from the
// goroutine that called Run.
type Observer interface {
	OnStage(ctx context.Context, stage Stage, msg string)
	OnEpoch(ctx context.Context, m model.EpochMetrics)
}

// NopObserver ignores all progress.
type NopObserver struct{}

func (NopObserver) OnStage(context.Context, Stage, string)      {}
func (NopObserver) OnEpoch(context.Context, model.EpochMetrics) {}

// SequenceExtractor turns one video into a landmark sequence.
type SequenceExtractor interface {
	ExtractVideo(ctx context.Context, path string) (model.Sequence, error)
}

// ArtifactSaver persists a trained pair.
type ArtifactSaver interface {
	Save(ctx context.Context, net *classifier.Network, sc *scaler.Scaler, info artifact.SaveInfo) (artifact.Manifest, error)
	Path(id string) string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a training request before any work is scheduled.
func Validate(cfg model.TrainingConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: %s fails %q (got %v)", ErrInput, f.Field(), f.Tag(), f.Value())
		}
		return fmt.Errorf("%w: %w", ErrInput, err)
	}
	if _, err := classifier.ParseArchitecture(cfg.Architecture); err != nil {
		return fmt.Errorf("%w: %w", ErrInput, err)
	}
	return nil
}

// Option applies a configuration option to the Orchestrator.
type Option func(*Orchestrator)

// WithSequenceLength sets T.
func WithSequenceLength(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.length = n
		}
	}
}

// WithMinimums sets the per-class and total sample thresholds.
func WithMinimums(perClass, total int) Option {
	return func(o *Orchestrator) {
		if perClass > 0 {
			o.minPerClass = perClass
		}
		if total > 0 {
			o.minTotal = total
		}
	}
}

// WithValidationSplit fixes the held-out fraction; 0 keeps the size-based default.
func WithValidationSplit(frac float64) Option {
	return func(o *Orchestrator) {
		if frac > 0 && frac < 1 {
			o.valSplit = frac
		}
	}
}

// WithConcurrency bounds parallel video extraction.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithSeed fixes splitting, shuffling, augmentation and weight init.
func WithSeed(seed int64) Option {
	return func(o *Orchestrator) {
		o.seed = seed
	}
}

// WithAugmentFactor sets the default number of augmented copies per train sample.
func WithAugmentFactor(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.augmentFactor = n
		}
	}
}

// WithEarlyStopPatience sets the default early stopping patience; 0 disables.
func WithEarlyStopPatience(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.earlyStop = n
		}
	}
}

// WithPlateauPatience halves the learning rate after n epochs without val
// loss improvement; 0 disables.
func WithPlateauPatience(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.plateau = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator runs training jobs. Run may be called concurrently; each
// call owns its samples, scaler and network.
type Orchestrator struct {
	source    Source
	extractor SequenceExtractor
	store     ArtifactSaver

	length        int
	minPerClass   int
	minTotal      int
	valSplit      float64
	concurrency   int
	seed          int64
	augmentFactor int
	earlyStop     int
	plateau       int
	logger        logger.Logger
}

// NewOrchestrator wires a job runner.
func NewOrchestrator(src Source, ex SequenceExtractor, store ArtifactSaver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:      src,
		extractor:   ex,
		store:       store,
		length:      DefaultSequenceLength,
		minPerClass: DefaultMinPerClass,
		minTotal:    DefaultMinTotal,
		concurrency: runtime.NumCPU(),
		seed:        DefaultSeed,
		plateau:     DefaultPlateauPatience,
		logger:      logger.Get().Named("training"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one job. taskID is recorded in the artifact manifest.
func (o *Orchestrator) Run(ctx context.Context, taskID string, cfg model.TrainingConfig, obs Observer) (model.TrainingResult, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	if err := Validate(cfg); err != nil {
		return model.TrainingResult{}, err
	}
	arch, _ := classifier.ParseArchitecture(cfg.Architecture)
	start := time.Now()

	obs.OnStage(ctx, StageLoading, "loading training data")
	paths, err := o.source.Samples(ctx)
	if err != nil {
		return model.TrainingResult{}, err
	}
	counts := make(map[types.Label]int, types.NumLabels)
	total := 0
	for _, l := range types.Labels() {
		counts[l] = len(paths[l])
		total += counts[l]
	}
	obs.OnStage(ctx, StageLoading, fmt.Sprintf("found %d videos (good %d, normal %d, bad %d)",
		total, counts[types.Good], counts[types.Normal], counts[types.Bad]))
	if err := checkCounts(counts, o.minPerClass, o.minTotal, false); err != nil {
		return model.TrainingResult{}, err
	}

	obs.OnStage(ctx, StageExtracting, fmt.Sprintf("extracting landmarks from %d videos", total))
	samples, skipped, err := o.extract(ctx, paths)
	if err != nil {
		return model.TrainingResult{}, err
	}
	for _, l := range types.Labels() {
		counts[l] = 0
	}
	for _, s := range samples {
		counts[s.Label]++
	}
	if len(skipped) > 0 {
		obs.OnStage(ctx, StageExtracting, fmt.Sprintf("skipped %d unreadable videos", len(skipped)))
	}
	if err := checkCounts(counts, o.minPerClass, o.minTotal, true); err != nil {
		return model.TrainingResult{}, err
	}

	rng := rand.New(rand.NewSource(o.seed)) //nolint:gosec // reproducible runs
	frac := ValidationFraction(len(samples), o.valSplit)
	train, val := Split(samples, frac, rng)
	obs.OnStage(ctx, StageSplitting, fmt.Sprintf("train %d, validation %d (%.0f%%)", len(train), len(val), frac*100))

	factor := o.augmentFactor
	if cfg.AugmentFactor != nil {
		factor = *cfg.AugmentFactor
	}
	if factor > 0 {
		aug := sequence.NewAugmenter(rng)
		base := len(train)
		for i := 0; i < base; i++ {
			for k := 0; k < factor; k++ {
				train = append(train, Sample{X: aug.Augment(train[i].X), Label: train[i].Label})
			}
		}
		obs.OnStage(ctx, StageSplitting, fmt.Sprintf("augmented train split to %d samples", len(train)))
	}

	obs.OnStage(ctx, StageScaling, "fitting feature scaler on the train split")
	sc := scaler.New(model.FeatureCount)
	xs := make([]*mat.Dense, len(train))
	for i, s := range train {
		xs[i] = s.X
	}
	if err := sc.Fit(xs); err != nil {
		return model.TrainingResult{}, err
	}
	if train, err = scaleAll(sc, train); err != nil {
		return model.TrainingResult{}, err
	}
	if val, err = scaleAll(sc, val); err != nil {
		return model.TrainingResult{}, err
	}

	net, err := classifier.New(arch, classifier.Shape{
		Steps:    o.length,
		Features: model.FeatureCount,
		Classes:  types.NumLabels,
	}, classifier.WithSeed(o.seed), classifier.WithLearningRate(cfg.LearningRate))
	if err != nil {
		return model.TrainingResult{}, err
	}
	obs.OnStage(ctx, StageBuilding, fmt.Sprintf("%s model built with %d parameters", arch, net.ParamCount()))

	patience := o.earlyStop
	if cfg.EarlyStopPatience != nil {
		patience = *cfg.EarlyStopPatience
	}
	epochsRun, err := o.fit(ctx, net, train, val, cfg, patience, rng, obs)
	if err != nil {
		return model.TrainingResult{}, err
	}

	obs.OnStage(ctx, StageEvaluating, "evaluating on the validation split")
	testLoss, testAcc, err := evaluate(net, val, cfg.BatchSize)
	if err != nil {
		return model.TrainingResult{}, err
	}
	metrics.UpdateTrainingAccuracy(testAcc)

	obs.OnStage(ctx, StageSaving, "saving model bundle")
	m, err := o.store.Save(ctx, net, sc, artifact.SaveInfo{TaskID: taskID, TestAccuracy: testAcc, TestLoss: testLoss})
	if err != nil {
		return model.TrainingResult{}, err
	}

	elapsed := time.Since(start)
	metrics.RecordTrainingDuration(elapsed)
	classCounts := make(map[string]int, types.NumLabels)
	for l, n := range counts {
		classCounts[l.String()] = n
	}
	res := model.TrainingResult{
		TestAccuracy:   testAcc,
		TestLoss:       testLoss,
		TrainingTime:   elapsed.Seconds(),
		ArtifactID:     m.ID,
		ArtifactPath:   o.store.Path(m.ID),
		Architecture:   arch.String(),
		EpochsRun:      epochsRun,
		TotalSamples:   len(samples),
		TrainSamples:   len(train),
		TestSamples:    len(val),
		ModelParams:    net.ParamCount(),
		ClassCounts:    classCounts,
		SkippedSources: skipped,
	}
	o.logger.Info(ctx, "training finished",
		logger.String("task_id", taskID),
		logger.String("artifact", m.ID),
		logger.Float64("test_accuracy", testAcc),
		logger.Int("epochs", epochsRun),
		logger.Duration("elapsed", elapsed),
	)
	return res, nil
}

// extract runs the extractor over every path with bounded parallelism.
// Failing videos are skipped; only cancellation aborts.
func (o *Orchestrator) extract(ctx context.Context, paths map[types.Label][]string) ([]Sample, []string, error) {
	type job struct {
		path  string
		label types.Label
	}
	var jobs []job
	for _, l := range types.Labels() {
		for _, p := range paths[l] {
			jobs = append(jobs, job{path: p, label: l})
		}
	}

	results := make([]*Sample, len(jobs))
	var (
		mu      sync.Mutex
		skipped []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			seq, err := o.extractor.ExtractVideo(gctx, j.path)
			if err == nil {
				var x *mat.Dense
				if x, err = sequence.Normalize(seq, o.length); err == nil {
					results[i] = &Sample{X: x, Label: j.label}
					return nil
				}
			}
			if cerr := gctx.Err(); cerr != nil {
				return cerr
			}
			metrics.RecordExtractionFailure("training")
			o.logger.Warn(gctx, "skipping video",
				logger.String("path", j.path),
				logger.String("label", j.label.String()),
				logger.Error(err),
			)
			mu.Lock()
			skipped = append(skipped, j.path)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	samples := make([]Sample, 0, len(results))
	for _, r := range results {
		if r != nil {
			samples = append(samples, *r)
		}
	}
	sort.Strings(skipped)
	return samples, skipped, nil
}

func (o *Orchestrator) fit(ctx context.Context, net *classifier.Network, train, val []Sample, cfg model.TrainingConfig, patience int, rng *rand.Rand, obs Observer) (int, error) {
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	best := math.Inf(1)
	var bestWeights []classifier.Tensor
	sinceBest, sincePlateau := 0, 0
	epochsRun := 0

	obs.OnStage(ctx, StageTraining, fmt.Sprintf("training for up to %d epochs", cfg.Epochs))
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var lossSum, accSum float64
		for lo := 0; lo < len(order); lo += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return epochsRun, err
			}
			hi := min(lo+cfg.BatchSize, len(order))
			batch := make([]Sample, 0, hi-lo)
			for _, i := range order[lo:hi] {
				batch = append(batch, train[i])
			}
			x, y, err := stack(batch)
			if err != nil {
				return epochsRun, err
			}
			loss, acc, err := net.TrainBatch(x, y)
			if err != nil {
				return epochsRun, err
			}
			lossSum += loss * float64(hi-lo)
			accSum += acc * float64(hi-lo)
		}

		valLoss, valAcc, err := evaluate(net, val, cfg.BatchSize)
		if err != nil {
			return epochsRun, err
		}
		epochsRun = epoch
		m := model.EpochMetrics{
			Epoch:       epoch,
			TotalEpochs: cfg.Epochs,
			Loss:        lossSum / float64(len(train)),
			Accuracy:    accSum / float64(len(train)),
			ValLoss:     valLoss,
			ValAccuracy: valAcc,
		}
		metrics.RecordTrainingEpoch()
		obs.OnEpoch(ctx, m)

		if valLoss < best {
			best = valLoss
			sinceBest, sincePlateau = 0, 0
			if patience > 0 {
				bestWeights = net.Weights()
			}
		} else {
			sinceBest++
			sincePlateau++
		}
		if o.plateau > 0 && sincePlateau >= o.plateau {
			opt := net.Optimizer()
			if lr := math.Max(opt.LearningRate()*plateauFactor, minLearnRate); lr < opt.LearningRate() {
				opt.SetLearningRate(lr)
				obs.OnStage(ctx, StageTraining, fmt.Sprintf("learning rate reduced to %.2g", lr))
			}
			sincePlateau = 0
		}
		if patience > 0 && sinceBest >= patience {
			obs.OnStage(ctx, StageTraining, fmt.Sprintf("early stopping after epoch %d", epoch))
			break
		}
	}
	if bestWeights != nil {
		if err := net.SetWeights(bestWeights); err != nil {
			return epochsRun, err
		}
	}
	return epochsRun, nil
}

func evaluate(net *classifier.Network, samples []Sample, batchSize int) (loss, acc float64, err error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}
	for lo := 0; lo < len(samples); lo += batchSize {
		hi := min(lo+batchSize, len(samples))
		x, y, err := stack(samples[lo:hi])
		if err != nil {
			return 0, 0, err
		}
		l, a, err := net.Evaluate(x, y)
		if err != nil {
			return 0, 0, err
		}
		loss += l * float64(hi-lo)
		acc += a * float64(hi-lo)
	}
	n := float64(len(samples))
	return loss / n, acc / n, nil
}

func stack(samples []Sample) (classifier.Seq, *mat.Dense, error) {
	xs := make([]*mat.Dense, len(samples))
	labels := make([]types.Label, len(samples))
	for i, s := range samples {
		xs[i] = s.X
		labels[i] = s.Label
	}
	x, err := classifier.Batch(xs)
	if err != nil {
		return nil, nil, err
	}
	return x, classifier.OneHot(labels, types.NumLabels), nil
}

func scaleAll(sc *scaler.Scaler, samples []Sample) ([]Sample, error) {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		x, err := sc.Transform(s.X)
		if err != nil {
			return nil, err
		}
		out[i] = Sample{X: x, Label: s.Label}
	}
	return out, nil
}
