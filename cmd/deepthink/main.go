package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qing1huan/DeepThink/internal/upstream"
	"github.com/qing1huan/DeepThink/pkg/config"
)

var (
	// Global flags
	configPath string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "deepthink",
	Short: "Branching chat over a reasoning model",
	Long: `deepthink serves conversation trees over a streaming reasoning model.

Any part of an answer can be branched into a side thread that inherits the
conversation up to that point. Replies stream with the model's reasoning kept
apart from the answer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, askCmd, snapshotCmd)
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func newUpstream() *upstream.Client {
	return upstream.NewClient(upstream.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		APIKey:      cfg.Upstream.APIKey,
		Model:       cfg.Upstream.Model,
		TitleModel:  cfg.Upstream.TitleModel,
		Timeout:     cfg.Upstream.Timeout,
		MaxTokens:   cfg.Upstream.MaxTokens,
		Temperature: cfg.Upstream.Temperature,
	}, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
