package config_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/okian/formlab/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()

		convey.Convey("When loading config with defaults only", func() {
			clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg, convey.ShouldNotBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.SequenceLength, convey.ShouldEqual, 150)
				convey.So(cfg.PoseWorkerArgs, convey.ShouldResemble, []string{"scripts/pose_worker.py"})
				convey.So(cfg.MetricsEnabled, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When metrics are switched off through the environment", func() {
			_ = os.Setenv("FORMLAB_METRICS_ENABLED", "false")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then the flag is cleared", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.MetricsEnabled, convey.ShouldBeFalse)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("FORMLAB_ADDR", ":8080")
			_ = os.Setenv("FORMLAB_QUEUE_SIZE", "4")
			_ = os.Setenv("FORMLAB_MIN_SAMPLES_PER_CLASS", "5")
			_ = os.Setenv("FORMLAB_REALTIME_THROTTLE_MS", "100")
			_ = os.Setenv("FORMLAB_VALIDATION_SPLIT", "0.3")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 4)
				convey.So(cfg.MinSamplesPerClass, convey.ShouldEqual, 5)
				convey.So(cfg.RealtimeThrottleMS, convey.ShouldEqual, 100)
				convey.So(cfg.ValidationSplit, convey.ShouldAlmostEqual, 0.3)
			})
		})

		convey.Convey("When loading config with YAML file", func() {
			yamlContent := `
addr: ":9090"
artifact_dir: "/var/lib/formlab/models"
task_store: sqlite
task_db_path: "/var/lib/formlab/tasks.db"
augment_factor: 2
pose_worker_args: ["worker.py", "--model", "lite"]
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("FORMLAB_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load from YAML file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.ArtifactDir, convey.ShouldEqual, "/var/lib/formlab/models")
				convey.So(cfg.TaskStore, convey.ShouldEqual, config.TaskStoreSQLite)
				convey.So(cfg.AugmentFactor, convey.ShouldEqual, 2)
				convey.So(cfg.PoseWorkerArgs, convey.ShouldResemble, []string{"worker.py", "--model", "lite"})
				convey.So(cfg.SequenceLength, convey.ShouldEqual, 150) // From defaults
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			yamlContent := `
addr: ":9090"
worker_count: 2
queue_size: 8
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("FORMLAB_CONFIG", tmpFile)
			_ = os.Setenv("FORMLAB_ADDR", ":8080")
			_ = os.Setenv("FORMLAB_WORKER_COUNT", "3")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")  // Overridden by env
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 3) // Overridden by env
				convey.So(cfg.QueueSize, convey.ShouldEqual, 8)   // From file
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("FORMLAB_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("FORMLAB_CONFIG", "/non/existent/file.yaml")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("FORMLAB_ADDR", "")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("FORMLAB_QUEUE_SIZE", "invalid")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with a zero sequence length", func() {
			_ = os.Setenv("FORMLAB_SEQUENCE_LENGTH", "0")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then validation rejects it", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading an explicit file path", func() {
			tmpFile := createTempConfigFile("log_level: debug\nlog_format: json\n")
			defer func() { _ = os.Remove(tmpFile) }()
			clearConfigEnvVars()

			cfg, err := config.LoadFile(ctx, tmpFile)

			convey.Convey("Then the file layer applies without FORMLAB_CONFIG", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.LogLevel, convey.ShouldEqual, "debug")
				convey.So(cfg.LogFormat, convey.ShouldEqual, "json")
			})
		})
	})
}

// Helper functions.

func clearConfigEnvVars() {
	envVars := []string{
		"FORMLAB_CONFIG",
		"FORMLAB_ADDR",
		"FORMLAB_QUEUE_SIZE",
		"FORMLAB_WORKER_COUNT",
		"FORMLAB_MIN_SAMPLES_PER_CLASS",
		"FORMLAB_REALTIME_THROTTLE_MS",
		"FORMLAB_VALIDATION_SPLIT",
		"FORMLAB_SEQUENCE_LENGTH",
		"FORMLAB_METRICS_ENABLED",
	}
	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "formlab-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
