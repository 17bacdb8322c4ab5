package training_test

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/training"
	"github.com/okian/formlab/internal/domain/types"
	"github.com/okian/formlab/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

type fakeSource map[types.Label][]string

func (f fakeSource) Samples(context.Context) (map[types.Label][]string, error) {
	return f, nil
}

func corpus(good, normal, bad int) fakeSource {
	src := fakeSource{}
	for l, n := range map[types.Label]int{types.Good: good, types.Normal: normal, types.Bad: bad} {
		for i := 0; i < n; i++ {
			src[l] = append(src[l], fmt.Sprintf("%s/%02d.mp4", l, i))
		}
	}
	return src
}

// synthExtractor renders a class-dependent motion of random length per path.
type synthExtractor struct {
	calls atomic.Int64
	fail  map[string]bool
}

func (s *synthExtractor) ExtractVideo(ctx context.Context, path string) (model.Sequence, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.fail[path] {
		return nil, errors.New("corrupt video")
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	n := 50 + rng.Intn(151)
	var freq float64
	switch filepath.Dir(path) {
	case "good":
		freq = 1
	case "normal":
		freq = 2
	default:
		freq = 4
	}
	seq := make(model.Sequence, n)
	for t := range seq {
		seq[t].HasPose = true
		phase := 2 * math.Pi * freq * float64(t) / float64(n)
		for j := range seq[t].Values {
			seq[t].Values[j] = math.Sin(phase+float64(j)*0.1) + rng.NormFloat64()*0.05
		}
	}
	return seq, nil
}

type recorder struct {
	mu     sync.Mutex
	stages []training.Stage
	epochs []model.EpochMetrics
	onEp   func(model.EpochMetrics)
}

func (r *recorder) OnStage(_ context.Context, s training.Stage, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *recorder) OnEpoch(_ context.Context, m model.EpochMetrics) {
	r.mu.Lock()
	r.epochs = append(r.epochs, m)
	r.mu.Unlock()
	if r.onEp != nil {
		r.onEp(m)
	}
}

func basicConfig(epochs, batch int) model.TrainingConfig {
	return model.TrainingConfig{Architecture: "basic", Epochs: epochs, BatchSize: batch, LearningRate: 0.001}
}

func TestValidate(t *testing.T) {
	Convey("Given training requests", t, func() {
		So(training.Validate(basicConfig(2, 4)), ShouldBeNil)

		large := model.TrainingConfig{Architecture: "deep", Epochs: 50000, BatchSize: 10000, LearningRate: 2.5}
		So(training.Validate(large), ShouldBeNil)

		bad := []model.TrainingConfig{
			{Architecture: "transformer", Epochs: 1, BatchSize: 1, LearningRate: 0.001},
			{Architecture: "basic", Epochs: 0, BatchSize: 1, LearningRate: 0.001},
			{Architecture: "deep", Epochs: 1, BatchSize: 0, LearningRate: 0.001},
			{Architecture: "bidirectional", Epochs: 1, BatchSize: 1, LearningRate: 0},
		}
		for _, cfg := range bad {
			So(errors.Is(training.Validate(cfg), training.ErrInput), ShouldBeTrue)
		}

		negative := -1
		cfg := basicConfig(1, 1)
		cfg.AugmentFactor = &negative
		So(errors.Is(training.Validate(cfg), training.ErrInput), ShouldBeTrue)
	})
}

func TestRunInsufficientData(t *testing.T) {
	Convey("Given a corpus with too few good videos", t, func() {
		ctx := context.Background()
		store, err := artifact.NewStore(t.TempDir())
		So(err, ShouldBeNil)
		ex := &synthExtractor{}
		obs := &recorder{}
		o := training.NewOrchestrator(corpus(5, 12, 12), ex, store)

		_, err = o.Run(ctx, "task", basicConfig(2, 4), obs)

		Convey("Then the run aborts before extraction or any epoch", func() {
			var die *training.DataInsufficientError
			So(errors.As(err, &die), ShouldBeTrue)
			So(errors.Is(err, training.ErrDataInsufficient), ShouldBeTrue)
			So(die.Deficient, ShouldResemble, []types.Label{types.Good})
			So(die.Counts[types.Good], ShouldEqual, 5)
			So(err.Error(), ShouldContainSubstring, "good")
			So(ex.calls.Load(), ShouldEqual, 0)
			So(obs.epochs, ShouldBeEmpty)
		})
	})

	Convey("Given two videos of every class", t, func() {
		ctx := context.Background()
		store, err := artifact.NewStore(t.TempDir())
		So(err, ShouldBeNil)
		ex := &synthExtractor{}
		o := training.NewOrchestrator(corpus(2, 2, 2), ex, store)

		_, err = o.Run(ctx, "task", basicConfig(2, 4), nil)

		Convey("Then every class is listed as deficient with its count", func() {
			var die *training.DataInsufficientError
			So(errors.As(err, &die), ShouldBeTrue)
			So(die.Deficient, ShouldResemble, []types.Label{types.Good, types.Normal, types.Bad})
			for _, l := range types.Labels() {
				So(die.Counts[l], ShouldEqual, 2)
			}
			So(err.Error(), ShouldContainSubstring, "total 6 (need 30)")
			So(err.Error(), ShouldContainSubstring, "classes below 10: good, normal, bad")
			So(ex.calls.Load(), ShouldEqual, 0)
		})
	})

	Convey("Given every class above its minimum but a total one short", t, func() {
		ctx := context.Background()
		store, err := artifact.NewStore(t.TempDir())
		So(err, ShouldBeNil)
		ex := &synthExtractor{}
		o := training.NewOrchestrator(corpus(10, 10, 9), ex, store, training.WithMinimums(9, 30))

		_, err = o.Run(ctx, "task", basicConfig(2, 4), nil)

		Convey("Then the total alone rejects the run", func() {
			var die *training.DataInsufficientError
			So(errors.As(err, &die), ShouldBeTrue)
			So(die.Deficient, ShouldBeEmpty)
			So(die.Counts[types.Bad], ShouldEqual, 9)
			So(err.Error(), ShouldContainSubstring, "total 29 (need 30)")
			So(err.Error(), ShouldNotContainSubstring, "classes below")
			So(ex.calls.Load(), ShouldEqual, 0)
		})
	})

	Convey("Given a corpus that drops below the threshold after extraction", t, func() {
		ctx := context.Background()
		store, err := artifact.NewStore(t.TempDir())
		So(err, ShouldBeNil)
		ex := &synthExtractor{fail: map[string]bool{"bad/00.mp4": true, "bad/01.mp4": true}}
		o := training.NewOrchestrator(corpus(10, 10, 10), ex, store, training.WithSequenceLength(10))

		_, err = o.Run(ctx, "task", basicConfig(1, 4), nil)

		Convey("Then the error names the class and marks the recheck", func() {
			var die *training.DataInsufficientError
			So(errors.As(err, &die), ShouldBeTrue)
			So(die.AfterExtract, ShouldBeTrue)
			So(die.Deficient, ShouldResemble, []types.Label{types.Bad})
			So(die.Counts[types.Bad], ShouldEqual, 8)
		})
	})
}

func TestRunEndToEnd(t *testing.T) {
	Convey("Given 15 synthetic videos per class", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		store, err := artifact.NewStore(dir, artifact.WithSequenceLength(150))
		So(err, ShouldBeNil)
		ex := &synthExtractor{fail: map[string]bool{"normal/14.mp4": true}}
		obs := &recorder{}
		o := training.NewOrchestrator(corpus(15, 15, 15), ex, store, training.WithConcurrency(4))

		res, err := o.Run(ctx, "task-e2e", basicConfig(2, 4), obs)

		Convey("Then training completes and writes a loadable bundle", func() {
			So(err, ShouldBeNil)
			So(res.EpochsRun, ShouldEqual, 2)
			So(res.TotalSamples, ShouldEqual, 44)
			So(res.TrainSamples+res.TestSamples, ShouldEqual, 44)
			So(res.TestSamples, ShouldEqual, 12)
			So(res.SkippedSources, ShouldResemble, []string{"normal/14.mp4"})
			So(res.ClassCounts, ShouldResemble, map[string]int{"good": 15, "normal": 14, "bad": 15})
			So(res.ModelParams, ShouldEqual, 152963)
			So(res.TestAccuracy, ShouldBeBetweenOrEqual, 0, 1)

			So(len(obs.epochs), ShouldEqual, 2)
			for i, m := range obs.epochs {
				So(m.Epoch, ShouldEqual, i+1)
				So(m.TotalEpochs, ShouldEqual, 2)
				So(m.ValAccuracy, ShouldBeBetweenOrEqual, 0, 1)
			}
			So(obs.stages[len(obs.stages)-1], ShouldEqual, training.StageSaving)

			for _, name := range []string{artifact.ManifestFile, artifact.WeightsFile, artifact.ScalerFile} {
				_, err := os.Stat(filepath.Join(res.ArtifactPath, name))
				So(err, ShouldBeNil)
			}
			b, err := store.Latest(ctx)
			So(err, ShouldBeNil)
			So(b.Manifest.ID, ShouldEqual, res.ArtifactID)
			So(b.Manifest.TaskID, ShouldEqual, "task-e2e")
		})
	})
}

func TestRunCancellation(t *testing.T) {
	Convey("Given a run cancelled after its first epoch", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store, err := artifact.NewStore(t.TempDir())
		So(err, ShouldBeNil)
		obs := &recorder{onEp: func(model.EpochMetrics) { cancel() }}
		o := training.NewOrchestrator(corpus(10, 10, 10), &synthExtractor{}, store, training.WithSequenceLength(12))

		_, err = o.Run(ctx, "task", basicConfig(5, 4), obs)

		Convey("Then it stops with the context error and saves nothing", func() {
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(len(obs.epochs), ShouldEqual, 1)
			list, err := store.List(context.Background())
			So(err, ShouldBeNil)
			So(list, ShouldBeEmpty)
		})
	})
}

func TestRunEarlyStopping(t *testing.T) {
	Convey("Given early stopping with patience one", t, func() {
		ctx := context.Background()
		store, err := artifact.NewStore(t.TempDir())
		So(err, ShouldBeNil)
		o := training.NewOrchestrator(corpus(10, 10, 10), &synthExtractor{}, store,
			training.WithSequenceLength(12),
			training.WithEarlyStopPatience(1),
		)
		// A huge learning rate makes validation loss stop improving quickly.
		cfg := model.TrainingConfig{Architecture: "basic", Epochs: 40, BatchSize: 30, LearningRate: 0.9}

		res, err := o.Run(ctx, "task", cfg, nil)

		Convey("Then the run ends before the epoch budget", func() {
			So(err, ShouldBeNil)
			So(res.EpochsRun, ShouldBeLessThan, 40)
			So(res.EpochsRun, ShouldBeGreaterThanOrEqualTo, 2)
		})
	})
}
