package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/realtime"
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

const steps = 5

// noPose behaves like an estimator that never finds a person; odd frames
// fail when failOdd is set.
type noPose struct{ failOdd bool }

func (n noPose) Extract(_ context.Context, f model.Frame) (model.LandmarkVector, error) {
	if n.failOdd && f.Seq%2 == 1 {
		return model.LandmarkVector{}, errors.New("decode error")
	}
	return model.LandmarkVector{}, nil
}

type countingScorer struct {
	mu    sync.Mutex
	calls int
	rows  int
}

func (c *countingScorer) Score(_ context.Context, x mat.Matrix) (types.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.rows, _ = x.Dims()
	return types.NewPrediction([]float64{0.2, 0.7, 0.1})
}

// blockingScorer holds inference until the session is cancelled, then
// returns a valid prediction anyway.
type blockingScorer struct{ entered chan struct{} }

func (b blockingScorer) Score(ctx context.Context, _ mat.Matrix) (types.Prediction, error) {
	close(b.entered)
	<-ctx.Done()
	return types.NewPrediction([]float64{1, 0, 0})
}

type sink struct {
	mu      sync.Mutex
	results []realtime.Result
}

func (s *sink) emit(r realtime.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *sink) all() []realtime.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Result(nil), s.results...)
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFrames(s *realtime.Session, n uint64) {
	deadline := time.Now().Add(5 * time.Second)
	for s.Info().Frames < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Let the session finish handling the last frame.
	time.Sleep(20 * time.Millisecond)
}

func feed(s *realtime.Session, from, to uint64) {
	for seq := from; seq < to; seq++ {
		for !s.Offer(model.Frame{Seq: seq}) {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSession(t *testing.T) {
	Convey("Given a manager with a one-hour throttle and a fake clock", t, func() {
		ctx := context.Background()
		clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		scorer := &countingScorer{}
		m := realtime.NewManager(noPose{}, scorer,
			realtime.WithSequenceLength(steps),
			realtime.WithMailbox(steps),
			realtime.WithThrottle(time.Hour),
			realtime.WithClock(clk.Now),
		)
		defer m.Close()
		out := &sink{}
		s, err := m.Start(ctx, "s1", out.emit)
		So(err, ShouldBeNil)
		So(m.Count(), ShouldEqual, 1)

		Convey("When fed exactly T frames without a detected pose", func() {
			feed(s, 0, steps)
			waitFrames(s, steps)

			Convey("Then exactly one prediction is emitted for a full window", func() {
				results := out.all()
				So(len(results), ShouldEqual, 1)
				scorer.mu.Lock()
				So(scorer.rows, ShouldEqual, steps)
				scorer.mu.Unlock()
				So(results[0].SessionID, ShouldEqual, "s1")
				So(results[0].FrameSeq, ShouldEqual, uint64(steps-1))
				So(results[0].Prediction.Label, ShouldEqual, types.Normal)
				So(s.Info().State, ShouldEqual, realtime.Ready)
			})

			Convey("Then further frames inside the throttle interval are not classified", func() {
				feed(s, steps, steps+3)
				waitFrames(s, steps+3)
				So(out.len(), ShouldEqual, 1)

				clk.Advance(time.Hour)
				feed(s, steps+3, steps+4)
				waitFrames(s, steps+4)
				So(out.len(), ShouldEqual, 2)
			})
		})

		Convey("When fewer than T frames arrive", func() {
			feed(s, 0, steps-1)
			waitFrames(s, steps-1)
			So(out.len(), ShouldEqual, 0)
			So(s.Info().State, ShouldEqual, realtime.Filling)
		})

		Convey("When starting a duplicate id", func() {
			_, err := m.Start(ctx, "s1", nil)
			So(errors.Is(err, realtime.ErrSessionExists), ShouldBeTrue)
		})

		Convey("When the session is stopped", func() {
			So(m.Stop("s1"), ShouldBeNil)
			So(m.Count(), ShouldEqual, 0)
			So(s.Offer(model.Frame{}), ShouldBeFalse)
			So(errors.Is(m.Stop("s1"), realtime.ErrSessionNotFound), ShouldBeTrue)
		})
	})

	Convey("Given a session whose extractor fails on odd frames", t, func() {
		scorer := &countingScorer{}
		m := realtime.NewManager(noPose{failOdd: true}, scorer,
			realtime.WithSequenceLength(steps),
			realtime.WithMailbox(2*steps),
			realtime.WithThrottle(0),
		)
		defer m.Close()
		out := &sink{}
		s, err := m.Start(context.Background(), "", out.emit)
		So(err, ShouldBeNil)
		So(s.ID(), ShouldNotBeEmpty)

		feed(s, 0, 2*steps)
		waitFrames(s, 2*steps)

		Convey("Then failed frames are dropped and the window fills from the rest", func() {
			info := s.Info()
			So(info.Dropped, ShouldEqual, uint64(steps))
			So(info.Buffered, ShouldEqual, steps)
			So(out.len(), ShouldEqual, 1)
		})
	})

	Convey("Given an inference in flight when the session stops", t, func() {
		scorer := blockingScorer{entered: make(chan struct{})}
		m := realtime.NewManager(noPose{}, scorer,
			realtime.WithSequenceLength(2),
			realtime.WithThrottle(0),
		)
		out := &sink{}
		s, err := m.Start(context.Background(), "s2", out.emit)
		So(err, ShouldBeNil)

		feed(s, 0, 2)
		<-scorer.entered
		So(m.Stop("s2"), ShouldBeNil)

		Convey("Then its result is discarded and the window cleared", func() {
			So(out.len(), ShouldEqual, 0)
			So(s.Info().Buffered, ShouldEqual, 0)
			So(s.Info().State, ShouldEqual, realtime.Empty)
		})
	})
}
