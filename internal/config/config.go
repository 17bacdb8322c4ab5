// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Load layers a YAML file and FORMLAB_* environment variables on top.
// - Errors are wrapped with this package's sentinels.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Task store backends.
const (
	TaskStoreMemory = "memory"
	TaskStoreSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// LogFile mirrors logs into a rotated file when set.
	LogFile string `koanf:"log_file"`

	// MetricsEnabled turns the Prometheus recorders on or off.
	MetricsEnabled bool `koanf:"metrics_enabled"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DataDir holds one sub-directory of videos per label.
	DataDir string `koanf:"data_dir"`

	// ArtifactDir receives model bundles.
	ArtifactDir string `koanf:"artifact_dir"`

	// TaskStore selects where training task records live: memory or sqlite.
	TaskStore string `koanf:"task_store"`

	// TaskDBPath is the sqlite file used when TaskStore is sqlite.
	TaskDBPath string `koanf:"task_db_path"`

	// QueueSize bounds the number of waiting training jobs.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of training workers.
	WorkerCount int `koanf:"worker_count"`

	// SequenceLength is the fixed frame count T every sequence is resampled to.
	SequenceLength int `koanf:"sequence_length"`

	// MinSamplesPerClass and MinTotalSamples gate a training run.
	MinSamplesPerClass int `koanf:"min_samples_per_class"`
	MinTotalSamples    int `koanf:"min_total_samples"`

	// ValidationSplit overrides the held-out fraction; 0 picks it from the corpus size.
	ValidationSplit float64 `koanf:"validation_split"`

	// ExtractConcurrency bounds parallel video extraction during training.
	ExtractConcurrency int `koanf:"extract_concurrency"`

	// AugmentFactor adds that many augmented copies of every training sample.
	AugmentFactor int `koanf:"augment_factor"`

	// EarlyStopPatience stops after that many epochs without val loss improvement; 0 disables.
	EarlyStopPatience int `koanf:"early_stop_patience"`

	// Seed drives splits, shuffling and weight init.
	Seed int64 `koanf:"seed"`

	// RealtimeThrottleMS is the minimum gap between two realtime inferences of one session.
	RealtimeThrottleMS int `koanf:"realtime_throttle_ms"`

	// RealtimeMailbox bounds frames waiting for extraction per session.
	RealtimeMailbox int `koanf:"realtime_mailbox"`

	// PoseWorkerCmd and PoseWorkerArgs start one pose estimation process.
	PoseWorkerCmd  string   `koanf:"pose_worker_cmd"`
	PoseWorkerArgs []string `koanf:"pose_worker_args"`

	// PoseWorkers is the number of pose processes kept running.
	PoseWorkers int `koanf:"pose_workers"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          "text",
		MetricsEnabled:     true,
		Addr:               ":9080",
		DataDir:            "data",
		ArtifactDir:        "models",
		TaskStore:          TaskStoreMemory,
		TaskDBPath:         "formlab.db",
		QueueSize:          16,
		WorkerCount:        1,
		SequenceLength:     150,
		MinSamplesPerClass: 10,
		MinTotalSamples:    30,
		ExtractConcurrency: runtime.NumCPU(),
		Seed:               42,
		RealtimeThrottleMS: 300,
		RealtimeMailbox:    2,
		PoseWorkerCmd:      "python3",
		PoseWorkerArgs:     []string{"scripts/pose_worker.py"},
		PoseWorkers:        2,
	}
}

// RealtimeThrottle returns RealtimeThrottleMS as a duration.
func (c *Config) RealtimeThrottle() time.Duration {
	return time.Duration(c.RealtimeThrottleMS) * time.Millisecond
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.ArtifactDir == "":
		return fmt.Errorf("%w: artifact_dir must not be empty", ErrInvalidConfig)
	case c.SequenceLength < 1:
		return fmt.Errorf("%w: sequence_length must be positive", ErrInvalidConfig)
	case c.MinSamplesPerClass < 1 || c.MinTotalSamples < 1:
		return fmt.Errorf("%w: sample minimums must be positive", ErrInvalidConfig)
	case c.ValidationSplit < 0 || c.ValidationSplit >= 1:
		return fmt.Errorf("%w: validation_split must be in [0,1)", ErrInvalidConfig)
	case c.QueueSize < 1 || c.WorkerCount < 1:
		return fmt.Errorf("%w: queue_size and worker_count must be positive", ErrInvalidConfig)
	case c.AugmentFactor < 0 || c.EarlyStopPatience < 0 || c.RealtimeThrottleMS < 0:
		return fmt.Errorf("%w: negative training or realtime setting", ErrInvalidConfig)
	}
	switch strings.ToLower(c.TaskStore) {
	case TaskStoreMemory:
	case TaskStoreSQLite:
		if c.TaskDBPath == "" {
			return fmt.Errorf("%w: task_db_path must be set for sqlite", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown task_store %q", ErrInvalidConfig, c.TaskStore)
	}
	return nil
}
