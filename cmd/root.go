package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/okian/formlab/internal/config"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

// ensureConfig loads defaults, the optional file and env overrides once.
// --config wins over FORMLAB_CONFIG.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if path == "" {
			c.config, c.configErr = config.Load(cmd.Context())
			return
		}
		c.config, c.configErr = config.LoadFile(cmd.Context(), path)
	})
	return c.config, c.configErr
}

// initLogging sends logs to stderr so command output on stdout stays clean.
func (c *commandContext) initLogging(cmd *cobra.Command, cfg *config.Config) error {
	if err := logger.Init(
		logger.WithFormat(cfg.LogFormat),
		logger.WithFile(cfg.LogFile),
		logger.WithOutput(cmd.ErrOrStderr()),
	); err != nil {
		return err
	}
	level := cfg.LogLevel
	if c.logLevelFlag != nil && *c.logLevelFlag != "" {
		level = *c.logLevelFlag
	}
	if err := logger.SetLevelString(level); err != nil {
		logger.Get().Warn(cmd.Context(), "invalid log_level; falling back to info",
			logger.String("log_level", level), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevelFlag string

	ctx := newCommandContext(&configFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "formlab",
		Short:         "Motion quality classification from pose landmarks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd == cmd.Root() {
				return nil
			}
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			metrics.SetEnabled(cfg.MetricsEnabled)
			return ctx.initLogging(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log level: debug, info, warn, error")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newTrainCommand(ctx))
	rootCmd.AddCommand(newPredictCommand(ctx))
	rootCmd.AddCommand(newModelsCommand(ctx))

	return rootCmd
}
