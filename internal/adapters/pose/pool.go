package pose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/formlab/internal/domain/landmark"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// Sentinel errors.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pose pool closed")
	// ErrWorker wraps an error reported by the worker itself. The worker
	// stays usable after such an error.
	ErrWorker = errors.New("pose worker error")

	// errAbandoned wraps a consumer error that stopped a stream early.
	errAbandoned = errors.New("stream abandoned")
)

const defaultSize = 2

// Option configures a Pool.
type Option func(*Pool)

// WithSize sets the number of workers.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithRequestTimeout bounds one estimate or decode call; 0 disables.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.timeout = d
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

type worker struct {
	id       int
	conn     Conn
	launched bool
	nextID   uint64
}

// Pool multiplexes requests over a fixed set of workers, one request per
// worker at a time. Workers start on first use and are relaunched after a
// transport failure.
type Pool struct {
	launch  Launcher
	size    int
	timeout time.Duration
	idle    chan *worker
	done    chan struct{}
	once    sync.Once
	logger  logger.Logger
}

// NewPool creates a pool of workers started by launch.
func NewPool(launch Launcher, opts ...Option) *Pool {
	p := &Pool{
		launch: launch,
		size:   defaultSize,
		done:   make(chan struct{}),
		logger: logger.Get().Named("pose"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.idle = make(chan *worker, p.size)
	for i := 0; i < p.size; i++ {
		p.idle <- &worker{id: i}
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Estimate runs pose estimation on one encoded image.
func (p *Pool) Estimate(ctx context.Context, frame model.Frame) (model.Pose, error) {
	start := time.Now()
	var resp Response
	err := p.do(ctx, func(w *worker) error {
		id := w.next()
		if err := WriteMessage(w.conn, Request{Op: OpEstimate, ID: id, Image: frame.Data}); err != nil {
			return err
		}
		if err := ReadMessage(w.conn, &resp); err != nil {
			return err
		}
		if resp.ID != id {
			return fmt.Errorf("%w: response id %d, want %d", ErrProtocol, resp.ID, id)
		}
		switch resp.Op {
		case OpResult:
			return nil
		case OpError:
			return fmt.Errorf("%w: %s", ErrWorker, resp.Error)
		default:
			return fmt.Errorf("%w: unexpected op %q", ErrProtocol, resp.Op)
		}
	})
	if err != nil {
		return model.Pose{}, err
	}
	metrics.RecordPoseRequestLatency(metrics.Milliseconds(time.Since(start)))
	return model.Pose{Detected: resp.Detected, Landmarks: resp.Landmarks}, nil
}

// Frames decodes the video at path and yields its frames in order as they
// arrive. yield runs while a worker is held, so it must not call back into a
// pool that has no other worker; Track estimates a video in one request.
func (p *Pool) Frames(ctx context.Context, path string, yield func(model.Frame) error) error {
	return p.stream(ctx, Request{Op: OpDecode, Path: path}, OpFrame, func(resp *Response) error {
		return yield(model.Frame{Seq: resp.Seq, Data: resp.Image})
	})
}

// Track decodes the video at path and estimates each frame inside the
// worker, yielding one pose per frame. Only landmarks cross the pipe.
func (p *Pool) Track(ctx context.Context, path string, yield func(uint64, model.Pose, error) error) error {
	return p.stream(ctx, Request{Op: OpTrack, Path: path}, OpPose, func(resp *Response) error {
		if resp.Error != "" {
			return yield(resp.Seq, model.Pose{}, fmt.Errorf("%w: %s", ErrWorker, resp.Error))
		}
		return yield(resp.Seq, model.Pose{Detected: resp.Detected, Landmarks: resp.Landmarks}, nil)
	})
}

// stream sends req and hands every item message to fn until eof. An error
// from fn abandons the rest of the stream, which resets the worker, and is
// returned as is.
func (p *Pool) stream(ctx context.Context, req Request, item string, fn func(*Response) error) error {
	var stopped error
	err := p.do(ctx, func(w *worker) error {
		req.ID = w.next()
		if err := WriteMessage(w.conn, req); err != nil {
			return err
		}
		for {
			var resp Response
			if err := ReadMessage(w.conn, &resp); err != nil {
				return err
			}
			if resp.ID != req.ID {
				return fmt.Errorf("%w: response id %d, want %d", ErrProtocol, resp.ID, req.ID)
			}
			switch resp.Op {
			case item:
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(&resp); err != nil {
					stopped = err
					return fmt.Errorf("%w: %w", errAbandoned, err)
				}
			case OpEOF:
				return nil
			case OpError:
				return fmt.Errorf("%w: %s", ErrWorker, resp.Error)
			default:
				return fmt.Errorf("%w: unexpected op %q", ErrProtocol, resp.Op)
			}
		}
	})
	if stopped != nil && errors.Is(err, errAbandoned) {
		return stopped
	}
	return err
}

// Close stops every idle worker; busy workers stop when released.
func (p *Pool) Close() error {
	p.once.Do(func() {
		close(p.done)
		for i := 0; i < p.size; i++ {
			select {
			case w := <-p.idle:
				p.stop(w)
			default:
			}
		}
	})
	return nil
}

// do runs fn on an idle worker. A transport or protocol failure, or a
// cancellation mid-request, leaves the stream out of sync, so the worker is
// closed and relaunched on next use.
func (p *Pool) do(ctx context.Context, fn func(*worker) error) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	w, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	conn := w.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = fn(w)
	interrupted := !stop()

	broken := interrupted || (err != nil && (!errors.Is(err, ErrWorker) || errors.Is(err, errAbandoned)))
	if interrupted {
		err = ctx.Err()
	}
	if broken {
		p.logger.Warn(ctx, "pose worker reset", logger.Int("worker", w.id), logger.Error(err))
		p.stop(w)
	}
	p.release(w)
	return err
}

func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}
	var w *worker
	select {
	case w = <-p.idle:
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if w.conn != nil {
		return w, nil
	}
	conn, err := p.launch(ctx)
	if err != nil {
		p.release(w)
		return nil, fmt.Errorf("launch pose worker: %w", err)
	}
	if w.launched {
		metrics.RecordPoseWorkerRestart()
	}
	w.conn = conn
	w.launched = true
	return w, nil
}

func (p *Pool) release(w *worker) {
	select {
	case <-p.done:
		p.stop(w)
	default:
	}
	p.idle <- w
}

func (p *Pool) stop(w *worker) {
	if w.conn == nil {
		return
	}
	if err := w.conn.Close(); err != nil {
		p.logger.Warn(context.Background(), "closing pose worker", logger.Int("worker", w.id), logger.Error(err))
	}
	w.conn = nil
}

func (w *worker) next() uint64 {
	w.nextID++
	return w.nextID
}

var (
	_ landmark.PoseEstimator = (*Pool)(nil)
	_ landmark.FrameSource   = (*Pool)(nil)
	_ landmark.PoseTracker   = (*Pool)(nil)
)
