package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/okian/formlab/internal/adapters/mq/queue"
	"github.com/okian/formlab/internal/adapters/repository"
	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/internal/domain/landmark"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/training"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// Default worker configuration constants.
const (
	poolShutdownTimeout = 30 * time.Second
)

// Error kinds recorded on failed tasks.
const (
	KindInput            = "input"
	KindDataInsufficient = "data_insufficient"
	KindExtraction       = "extraction"
	KindArtifact         = "artifact"
	KindInterrupted      = "interrupted"
	KindInternal         = "internal"
)

// Runner executes one training job.
type Runner interface {
	Run(ctx context.Context, taskID string, cfg model.TrainingConfig, obs training.Observer) (model.TrainingResult, error)
}

// Activator makes a freshly trained bundle the serving model.
type Activator interface {
	Activate(ctx context.Context, artifactID string) error
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker processes training jobs.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker. A job is owned by exactly one worker,
// which is the only writer of its task record while it runs.
type InMemoryWorker struct {
	queue     Queue
	runner    Runner
	tasks     repository.TaskStore
	activator Activator
	jobs      *registry
	name      string

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, runner Runner, tasks repository.TaskStore, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		runner:   runner,
		tasks:    tasks,
		jobs:     newRegistry(),
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			w.process(ctx, job)
		}
	}
}

// Cancel stops the job with the given task id, whether it is running or
// still queued.
func (w *InMemoryWorker) Cancel(taskID string) bool {
	return w.jobs.cancel(taskID)
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) {
	// Task writes must land even while the job context is being cancelled.
	wctx := context.WithoutCancel(ctx)

	task, err := w.tasks.Get(wctx, job.TaskID)
	if err != nil {
		w.logger.Error(ctx, "dequeued unknown task", logger.String("task_id", job.TaskID), logger.Error(err))
		return
	}
	jctx, ok := w.jobs.start(ctx, job.TaskID)
	if !ok || task.Status.Terminal() {
		w.jobs.finish(job.TaskID)
		w.logger.Info(ctx, "skipping cancelled task", logger.String("task_id", job.TaskID))
		return
	}

	metrics.AddWorkerBusy(1)
	defer metrics.AddWorkerBusy(-1)

	w.update(wctx, job.TaskID, func(t *model.Task) {
		t.Status = model.StatusTraining
		t.Message = "training started"
		t.TotalEpochs = job.Config.Epochs
		t.AppendLog(fmt.Sprintf("%s picked up the job", w.name))
	})
	metrics.RecordTrainingTask(string(model.StatusTraining))

	obs := &taskObserver{store: w.tasks, id: job.TaskID, logger: w.logger}
	res, runErr := w.runner.Run(jctx, job.TaskID, job.Config, obs)
	userCancelled := w.jobs.finish(job.TaskID)

	switch {
	case runErr == nil:
		w.update(wctx, job.TaskID, func(t *model.Task) {
			t.Status = model.StatusCompleted
			t.Message = "training completed"
			t.Result = &res
			t.AppendLog(fmt.Sprintf("done: test accuracy %.4f, test loss %.4f, artifact %s",
				res.TestAccuracy, res.TestLoss, res.ArtifactID))
		})
		metrics.RecordTrainingTask(string(model.StatusCompleted))
		if w.activator != nil {
			if err := w.activator.Activate(wctx, res.ArtifactID); err != nil {
				w.logger.Error(ctx, "activating new model failed",
					logger.String("artifact", res.ArtifactID), logger.Error(err))
			}
		}
	case userCancelled && errors.Is(runErr, context.Canceled):
		w.update(wctx, job.TaskID, func(t *model.Task) {
			t.Status = model.StatusCancelled
			t.Message = "training cancelled"
			t.AppendLog("training cancelled by request")
		})
		metrics.RecordTrainingTask(string(model.StatusCancelled))
	default:
		kind := ErrorKind(runErr)
		w.update(wctx, job.TaskID, func(t *model.Task) {
			t.Status = model.StatusFailed
			t.Message = "training failed"
			t.Error = runErr.Error()
			t.ErrorKind = kind
			t.AppendLog("failed: " + runErr.Error())
		})
		metrics.RecordTrainingTask(string(model.StatusFailed))
		w.logger.Warn(ctx, "training failed",
			logger.String("task_id", job.TaskID),
			logger.String("kind", kind),
			logger.Error(runErr),
		)
	}
}

func (w *InMemoryWorker) update(ctx context.Context, id string, fn func(*model.Task)) {
	_, err := w.tasks.Update(ctx, id, func(t *model.Task) error {
		fn(t)
		return nil
	})
	if err != nil {
		w.logger.Error(ctx, "task update failed", logger.String("task_id", id), logger.Error(err))
	}
}

// ErrorKind classifies a training failure for the task record.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, training.ErrInput):
		return KindInput
	case errors.Is(err, training.ErrDataInsufficient), errors.Is(err, training.ErrNoSource):
		return KindDataInsufficient
	case errors.Is(err, landmark.ErrExtraction):
		return KindExtraction
	case errors.Is(err, artifact.ErrArtifactMismatch), errors.Is(err, artifact.ErrLocked):
		return KindArtifact
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindInterrupted
	default:
		return KindInternal
	}
}

// taskObserver mirrors run progress into the task record.
type taskObserver struct {
	store  repository.TaskStore
	id     string
	logger logger.Logger
}

func (o *taskObserver) OnStage(ctx context.Context, stage training.Stage, msg string) {
	o.write(ctx, func(t *model.Task) {
		t.Message = msg
		t.AppendLog(fmt.Sprintf("[%s] %s", stage, msg))
	})
}

func (o *taskObserver) OnEpoch(ctx context.Context, m model.EpochMetrics) {
	o.write(ctx, func(t *model.Task) {
		t.CurrentEpoch = m.Epoch
		t.TotalEpochs = m.TotalEpochs
		t.Latest = &m
		t.Message = fmt.Sprintf("epoch %d/%d", m.Epoch, m.TotalEpochs)
		t.AppendLog(fmt.Sprintf("epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f",
			m.Epoch, m.TotalEpochs, m.Loss, m.Accuracy, m.ValLoss, m.ValAccuracy))
	})
}

func (o *taskObserver) write(ctx context.Context, fn func(*model.Task)) {
	_, err := o.store.Update(context.WithoutCancel(ctx), o.id, func(t *model.Task) error {
		fn(t)
		return nil
	})
	if err != nil {
		o.logger.Warn(ctx, "progress update failed", logger.String("task_id", o.id), logger.Error(err))
	}
}

// Pool manages multiple workers sharing one queue and one job registry.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	jobs    *registry
	logger  logger.Logger
}

// NewPool creates a new worker pool. Options apply to every worker.
func NewPool(workerCount int, q Queue, runner Runner, tasks repository.TaskStore, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		jobs:    newRegistry(),
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		w := NewInMemoryWorker(q, runner, tasks, append(slices.Clip(opts), WithName("worker-"+strconv.Itoa(i)))...)
		w.jobs = pool.jobs
		pool.workers[i] = w
	}
	metrics.UpdateWorkerActiveCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Cancel stops a running or queued job. It reports whether the job was running.
func (p *Pool) Cancel(taskID string) bool {
	return p.jobs.cancel(taskID)
}

// Forget clears a cancellation for a task that turned out to be finished
// already, so no mark outlives it.
func (p *Pool) Forget(taskID string) {
	p.jobs.forget(taskID)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Shutdown closes the queue, interrupts running jobs and waits for workers.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var firstErr error
	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	return firstErr
}
