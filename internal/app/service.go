// Package service provides the core business service that implements
// the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/formlab/internal/adapters/http/api"
	"github.com/okian/formlab/internal/adapters/mq/queue"
	"github.com/okian/formlab/internal/adapters/mq/worker"
	"github.com/okian/formlab/internal/adapters/repository"
	"github.com/okian/formlab/internal/config"
	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/realtime"
	"github.com/okian/formlab/internal/domain/training"
	"github.com/okian/formlab/internal/domain/types"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// ErrNotStarted is returned by calls made before Start or after Stop.
var ErrNotStarted = errors.New("service not started")

// Service implements the API dependencies for the classification system.
type Service struct {
	mu sync.RWMutex

	cfg      *config.Config
	coreOpts []CoreOption
	now      func() time.Time

	// Core components
	core  *Core
	tasks repository.TaskStore
	queue *queue.InMemoryQueue
	pool  *worker.Pool
	live  *realtime.Manager

	// State
	started bool

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCoreOptions forwards overrides to NewCore.
func WithCoreOptions(opts ...CoreOption) Option {
	return func(s *Service) {
		s.coreOpts = append(s.coreOpts, opts...)
	}
}

// WithTaskStore injects a task store instead of the configured one.
func WithTaskStore(store repository.TaskStore) Option {
	return func(s *Service) {
		s.tasks = store
	}
}

// WithClock sets the clock used for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Service for cfg. A nil cfg uses config.New().
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Get().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting formlab service...")

	core, err := NewCore(ctx, s.cfg, append([]CoreOption{WithCoreLogger(s.logger)}, s.coreOpts...)...)
	if err != nil {
		return err
	}
	if s.tasks == nil {
		tasks, err := s.openTaskStore(ctx)
		if err != nil {
			_ = core.Close()
			return err
		}
		s.tasks = tasks
	}

	s.core = core
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.cfg.QueueSize))
	s.pool = worker.NewPool(s.cfg.WorkerCount, s.queue, core.Orchestrator, s.tasks,
		worker.WithActivator(core),
		worker.WithLogger(s.logger.Named("worker")),
	)
	s.pool.Start(ctx)
	s.live = realtime.NewManager(core.Extractor, core.Predictor,
		realtime.WithThrottle(s.cfg.RealtimeThrottle()),
		realtime.WithMailbox(s.cfg.RealtimeMailbox),
		realtime.WithSequenceLength(s.cfg.SequenceLength),
		realtime.WithLogger(s.logger.Named("realtime")),
	)

	s.started = true
	s.logger.Info(ctx, "formlab service started",
		logger.Int("workers", s.cfg.WorkerCount),
		logger.Int("queue_size", s.cfg.QueueSize),
		logger.String("task_store", s.cfg.TaskStore),
		logger.Bool("model_loaded", core.Predictor.Bundle() != nil),
	)
	return nil
}

func (s *Service) openTaskStore(ctx context.Context) (repository.TaskStore, error) {
	if strings.ToLower(s.cfg.TaskStore) != config.TaskStoreSQLite {
		return repository.NewMemoryTaskStore(), nil
	}
	store, err := repository.OpenSQLite(ctx, s.cfg.TaskDBPath)
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	n, err := store.MarkInterrupted(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("task store: %w", err)
	}
	if n > 0 {
		s.logger.Warn(ctx, "marked tasks from a previous run as interrupted", logger.Int("count", n))
	}
	return store, nil
}

// Stop gracefully shuts down the service. Running training jobs are
// interrupted and recorded as failed.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(ctx, "stopping formlab service...")

	s.live.Close()
	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown", logger.Error(err))
	}
	if err := s.tasks.Close(); err != nil {
		s.logger.Warn(ctx, "closing task store", logger.Error(err))
	}
	if err := s.core.Close(); err != nil {
		s.logger.Warn(ctx, "closing pose workers", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "formlab service stopped")
}

func (s *Service) running() error {
	if !s.started {
		return api.WrapKind("service", api.ErrUnavailable, ErrNotStarted)
	}
	return nil
}

// SubmitTraining validates cfg, records a task and queues it.
func (s *Service) SubmitTraining(ctx context.Context, cfg model.TrainingConfig) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, err
	}
	if err := training.Validate(cfg); err != nil {
		return nil, err
	}

	now := s.now()
	task := &model.Task{
		ID:          uuid.NewString(),
		Status:      model.StatusInitializing,
		Message:     "queued",
		Config:      cfg,
		TotalEpochs: cfg.Epochs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task.AppendLog("training queued")
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("record task: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.Job{TaskID: task.ID, Config: cfg}); err != nil {
		_, _ = s.tasks.Update(context.WithoutCancel(ctx), task.ID, func(t *model.Task) error {
			t.Status = model.StatusFailed
			t.Message = "not queued"
			t.Error = err.Error()
			t.ErrorKind = worker.KindInternal
			return nil
		})
		return nil, err
	}
	metrics.RecordTrainingTask(string(model.StatusInitializing))
	s.logger.Info(ctx, "training queued",
		logger.String("task_id", task.ID),
		logger.String("architecture", cfg.Architecture),
		logger.Int("epochs", cfg.Epochs),
	)
	return task.Clone(), nil
}

// TrainingTask returns the task record.
func (s *Service) TrainingTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, id)
}

// CancelTraining stops a queued or running task. A queued task is marked
// cancelled at once; a running one is marked by its worker once the run
// unwinds.
func (s *Service) CancelTraining(ctx context.Context, id string) (*model.Task, error) {
	const op = "service.cancel_training"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, err
	}
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, api.WrapKind(op, api.ErrConflict, fmt.Errorf("task %s already %s", id, task.Status))
	}
	if s.pool.Cancel(id) {
		s.logger.Info(ctx, "cancelling running training", logger.String("task_id", id))
		task.Message = "cancellation requested"
		return task, nil
	}
	updated, err := s.tasks.Update(ctx, id, func(t *model.Task) error {
		if t.Status.Terminal() {
			return api.WrapKind(op, api.ErrConflict, fmt.Errorf("task %s already %s", id, t.Status))
		}
		if t.Status == model.StatusTraining {
			// Ran and finished between Get and Cancel; the worker records the outcome.
			return nil
		}
		t.Status = model.StatusCancelled
		t.Message = "training cancelled"
		t.AppendLog("cancelled before start")
		return nil
	})
	if err != nil {
		s.pool.Forget(id)
		return nil, err
	}
	if updated.Status != model.StatusCancelled {
		s.pool.Forget(id)
		return updated, nil
	}
	metrics.RecordTrainingTask(string(model.StatusCancelled))
	s.logger.Info(ctx, "training cancelled", logger.String("task_id", id))
	return updated, nil
}

// ScoreVideo classifies a whole video with the serving model.
func (s *Service) ScoreVideo(ctx context.Context, path string) (types.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return types.Prediction{}, err
	}
	return s.core.Predictor.ScoreVideo(ctx, path)
}

// ActiveModel returns a copy of the serving bundle's manifest, or nil.
func (s *Service) ActiveModel() *artifact.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.core == nil {
		return nil
	}
	b := s.core.Predictor.Bundle()
	if b == nil {
		return nil
	}
	m := b.Manifest
	return &m
}

// Live returns the realtime session manager; nil before Start.
func (s *Service) Live() *realtime.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":         s.started,
		"worker_count":    s.cfg.WorkerCount,
		"queue_capacity":  s.cfg.QueueSize,
		"sequence_length": s.cfg.SequenceLength,
	}
	if !s.started {
		return stats
	}

	queueLen := s.queue.Len()
	stats["queue_length"] = queueLen
	stats["live_sessions"] = s.live.Count()
	if b := s.core.Predictor.Bundle(); b != nil {
		stats["model_id"] = b.Manifest.ID
		stats["model_architecture"] = b.Manifest.Architecture
	}

	if tasks, err := s.tasks.List(ctx, 0); err == nil {
		byStatus := make(map[string]int)
		for _, t := range tasks {
			byStatus[string(t.Status)]++
		}
		stats["tasks"] = byStatus
	} else {
		s.logger.Warn(ctx, "listing tasks for stats", logger.Error(err))
	}

	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateSessionsActive(s.live.Count())
	return stats
}
