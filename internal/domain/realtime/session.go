// Package realtime classifies live frame streams. Each session keeps a
// sliding window of landmark vectors and classifies it at a throttled rate
// once the window is full.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/scoring"
	"github.com/okian/formlab/internal/domain/types"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// FrameExtractor turns one frame into a landmark vector.
type FrameExtractor interface {
	Extract(ctx context.Context, frame model.Frame) (model.LandmarkVector, error)
}

// Result is one realtime prediction.
type Result struct {
	SessionID  string           `json:"session_id"`
	FrameSeq   uint64           `json:"frame_seq"`
	Prediction types.Prediction `json:"prediction"`
	At         time.Time        `json:"at"`
}

// EmitFunc receives predictions on the session goroutine.
type EmitFunc func(Result)

// Info is a point-in-time view of a session.
type Info struct {
	ID          string      `json:"session_id"`
	State       WindowState `json:"state"`
	Buffered    int         `json:"buffered"`
	Capacity    int         `json:"capacity"`
	Frames      uint64      `json:"frames"`
	Dropped     uint64      `json:"dropped"`
	Predictions uint64      `json:"predictions"`
	StartedAt   time.Time   `json:"started_at"`
}

// Session owns one window and one goroutine. Frames are offered without
// blocking and dropped when the mailbox is full.
type Session struct {
	id        string
	window    *Window
	limiter   *rate.Limiter
	now       func() time.Time
	mailbox   chan model.Frame
	extractor FrameExtractor
	scorer    scoring.Scorer
	emit      EmitFunc
	logger    logger.Logger
	startedAt time.Time

	gen         atomic.Uint64
	stopped     atomic.Bool
	frames      atomic.Uint64
	dropped     atomic.Uint64
	predictions atomic.Uint64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newSession(ctx context.Context, id string, m *Manager, emit EmitFunc) *Session {
	limit := rate.Inf
	if m.throttle > 0 {
		limit = rate.Every(m.throttle)
	}
	s := &Session{
		id:        id,
		window:    NewWindow(m.length),
		limiter:   rate.NewLimiter(limit, 1),
		now:       m.now,
		mailbox:   make(chan model.Frame, m.mailbox),
		extractor: m.extractor,
		scorer:    m.scorer,
		emit:      emit,
		logger:    m.logger.Named(id),
		startedAt: m.now(),
		done:      make(chan struct{}),
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Offer hands a frame to the session. It returns false when the frame was
// dropped because the session is busy or stopped.
func (s *Session) Offer(frame model.Frame) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.mailbox <- frame:
		return true
	default:
		s.dropped.Add(1)
		metrics.RecordFrameDropped("busy")
		return false
	}
}

// Info reports counters and window fill.
func (s *Session) Info() Info {
	return Info{
		ID:          s.id,
		State:       s.window.State(),
		Buffered:    s.window.Len(),
		Capacity:    s.window.Cap(),
		Frames:      s.frames.Load(),
		Dropped:     s.dropped.Load(),
		Predictions: s.predictions.Load(),
		StartedAt:   s.startedAt,
	}
}

// Stop cancels the session, discards any in-flight result, and clears the
// window. It blocks until the goroutine has exited.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.gen.Add(1)
		s.cancel()
		<-s.done
		s.window.Reset()
	})
}

// Done is closed when the session goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.mailbox:
			s.handle(ctx, frame)
		}
	}
}

func (s *Session) handle(ctx context.Context, frame model.Frame) {
	gen := s.gen.Load()
	s.frames.Add(1)

	v, err := s.extractor.Extract(ctx, frame)
	if err != nil {
		s.dropped.Add(1)
		metrics.RecordFrameDropped("extraction")
		s.logger.Debug(ctx, "frame dropped", logger.Int("seq", int(frame.Seq)), logger.Error(err))
		return
	}
	s.window.Push(v.Values)
	if s.window.State() != Ready {
		return
	}
	if !s.limiter.AllowN(s.now(), 1) {
		return
	}

	start := time.Now()
	pred, err := s.scorer.Score(ctx, s.window.Snapshot())
	if err != nil {
		s.logger.Warn(ctx, "realtime inference failed", logger.Error(err))
		return
	}
	if ctx.Err() != nil || s.gen.Load() != gen {
		return
	}
	metrics.RecordInferenceLatency(scoring.ModeRealtime, metrics.Milliseconds(time.Since(start)))
	metrics.RecordPrediction(scoring.ModeRealtime, pred.Label.String())
	s.predictions.Add(1)
	if s.emit != nil {
		s.emit(Result{SessionID: s.id, FrameSeq: frame.Seq, Prediction: pred, At: s.now()})
	}
}
