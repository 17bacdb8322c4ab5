package model

import (
	"slices"
	"time"
)

// TaskStatus is the lifecycle state of a training task.
type TaskStatus string

// Training task states.
const (
	StatusInitializing TaskStatus = "initializing"
	StatusTraining     TaskStatus = "training"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TrainingConfig is the caller-facing training request.
type TrainingConfig struct {
	Architecture      string  `json:"architecture" validate:"required,oneof=basic bidirectional deep"`
	Epochs            int     `json:"epochs" validate:"required,gt=0"`
	BatchSize         int     `json:"batch_size" validate:"required,gt=0"`
	LearningRate      float64 `json:"learning_rate" validate:"required,gt=0"`
	AugmentFactor     *int    `json:"augment_factor,omitempty" validate:"omitempty,gte=0,lte=10"`
	EarlyStopPatience *int    `json:"early_stop_patience,omitempty" validate:"omitempty,gte=0"`
}

// EpochMetrics is reported after every completed epoch.
type EpochMetrics struct {
	Epoch       int     `json:"epoch"`
	TotalEpochs int     `json:"total_epochs"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// TrainingResult summarises a completed run.
type TrainingResult struct {
	TestAccuracy   float64        `json:"test_accuracy"`
	TestLoss       float64        `json:"test_loss"`
	TrainingTime   float64        `json:"training_time"`
	ArtifactID     string         `json:"artifact_id"`
	ArtifactPath   string         `json:"model_path"`
	Architecture   string         `json:"architecture"`
	EpochsRun      int            `json:"epochs_run"`
	TotalSamples   int            `json:"total_samples"`
	TrainSamples   int            `json:"train_samples"`
	TestSamples    int            `json:"test_samples"`
	ModelParams    int            `json:"model_params"`
	ClassCounts    map[string]int `json:"class_counts"`
	SkippedSources []string       `json:"skipped_sources,omitempty"`
}

// Task is the status record of one training run.
type Task struct {
	ID           string          `json:"task_id"`
	Status       TaskStatus      `json:"status"`
	Message      string          `json:"message"`
	Config       TrainingConfig  `json:"config"`
	CurrentEpoch int             `json:"current_epoch"`
	TotalEpochs  int             `json:"total_epochs"`
	Latest       *EpochMetrics   `json:"latest,omitempty"`
	Logs         []string        `json:"logs"`
	Result       *TrainingResult `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MaxTaskLogs caps the log lines retained on a task.
const MaxTaskLogs = 200

// AppendLog adds a line, discarding the oldest beyond MaxTaskLogs.
func (t *Task) AppendLog(line string) {
	t.Logs = append(t.Logs, line)
	if over := len(t.Logs) - MaxTaskLogs; over > 0 {
		t.Logs = slices.Clone(t.Logs[over:])
	}
}

// RecentLogs returns the last n log lines.
func (t *Task) RecentLogs(n int) []string {
	if n <= 0 || len(t.Logs) <= n {
		return slices.Clone(t.Logs)
	}
	return slices.Clone(t.Logs[len(t.Logs)-n:])
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	c := *t
	c.Logs = slices.Clone(t.Logs)
	if t.Latest != nil {
		m := *t.Latest
		c.Latest = &m
	}
	if t.Result != nil {
		r := *t.Result
		if t.Result.ClassCounts != nil {
			r.ClassCounts = make(map[string]int, len(t.Result.ClassCounts))
			for k, v := range t.Result.ClassCounts {
				r.ClassCounts[k] = v
			}
		}
		r.SkippedSources = slices.Clone(t.Result.SkippedSources)
		c.Result = &r
	}
	if t.Config.AugmentFactor != nil {
		v := *t.Config.AugmentFactor
		c.Config.AugmentFactor = &v
	}
	if t.Config.EarlyStopPatience != nil {
		v := *t.Config.EarlyStopPatience
		c.Config.EarlyStopPatience = &v
	}
	return &c
}
